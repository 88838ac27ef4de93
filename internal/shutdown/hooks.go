// Package shutdown releases process resources in a controlled order when the
// broker exits.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// Hooks is a collection of hooks run when the process exits. Hooks run in the
// reverse of the order they were added, so resources registered early
// (telemetry) outlive those registered later (caches, clients). A failing
// hook does not stop the remaining hooks.
type Hooks struct {
	hooks []hookDefinition
}

// AddContext registers a hook that receives the shutdown context. Nil hooks
// are ignored with a warning.
func (s *Hooks) AddContext(name string, hook func(context.Context) error) {
	if s.hooks == nil {
		s.hooks = make([]hookDefinition, 0, 5)
	}
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// Add registers a hook that does not need a context.
func (s *Hooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// AddCloser registers closer.Close as a hook.
func (s *Hooks) AddCloser(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error { return closer.Close() })
}

// Execute runs every registered hook, most recently added first. The outcome
// of each hook is logged, and all failures are returned joined.
func (s *Hooks) Execute(ctx context.Context) error {
	l := log.Ctx(ctx)

	var errs []error
	for i := len(s.hooks) - 1; i >= 0; i-- {
		hook := s.hooks[i]
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Debug().Msg("shutdown started")
		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
		} else {
			hookLog.Debug().Msg("shutdown complete")
		}
	}

	return errors.Join(errs...)
}
