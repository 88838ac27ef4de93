// Package audit records one structured entry per access token acquisition,
// whether the token came from the cache or was issued by the API.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the level audit entries are written at. It sits above every
// standard level so entries are written regardless of LOG_LEVEL.
const Level = zerolog.Level(20)

// LevelName is how Level appears in the log output.
const LevelName = "audit"

// LevelFieldMarshalFunc renders Level as LevelName and defers to zerolog for
// every other level. Install it as zerolog.LevelFieldMarshalFunc.
func LevelFieldMarshalFunc(l zerolog.Level) string {
	if l == Level {
		return LevelName
	}
	return l.String()
}

type contextKey struct{}

// Entry describes a single access token acquisition.
type Entry struct {
	Flow        string
	Credential  string
	Environment string

	// Attempts counts acquisition attempts, including the successful one.
	Attempts int

	// Issued is true when the token was requested from the API rather than
	// read from the cache.
	Issued        bool
	Status        int
	TokenType     string
	ExpiresInSecs int

	Error    string
	Duration time.Duration

	start time.Time
}

// Context returns the entry carried by ctx, adding a new one when ctx has
// none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if entry, ok := ctx.Value(contextKey{}).(*Entry); ok {
		return ctx, entry
	}

	entry := &Entry{}
	return context.WithValue(ctx, contextKey{}, entry), entry
}

// Log returns the entry carried by ctx. Without one, a detached entry is
// returned so callers can always record fields.
func Log(ctx context.Context) *Entry {
	if entry, ok := ctx.Value(contextKey{}).(*Entry); ok {
		return entry
	}
	return &Entry{}
}

// Begin marks the start of an acquisition.
func (e *Entry) Begin(flow, credential, environment string) {
	e.Flow = flow
	e.Credential = credential
	e.Environment = environment
	e.start = time.Now()
}

// End returns a function that writes the entry, intended to be deferred. A
// panic in progress is recorded on the entry and then resumed.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		r := recover()
		if r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
		}

		if !e.start.IsZero() {
			e.Duration = time.Since(e.start)
		}

		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if r != nil {
			panic(r)
		}
	}
}

func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Str("flow", e.Flow)
	event.Str("credential", e.Credential)
	event.Str("environment", e.Environment)
	event.Int("attempts", e.Attempts)
	event.Bool("issued", e.Issued)

	response := NewOptionalEvent(nil)
	response.Int("status", e.Status).
		Str("tokenType", e.TokenType).
		Int("expiresInSecs", e.ExpiresInSecs)
	response.Set(event, "response")

	if e.Error != "" {
		event.Str("error", e.Error)
	}

	if e.Duration > 0 {
		event.Dur("duration", e.Duration)
	}
}
