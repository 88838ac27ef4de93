package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is an in-process store backed by otter. It does not survive the
// process, so it only pays off for long-running callers.
type Memory struct {
	cache   *otter.Cache[string, Entry]
	counter *stats.Counter
}

// NewMemory creates a store that holds at most maxSize entries, each for at
// most ttl after it was written.
func NewMemory(ttl time.Duration, maxSize int) (*Memory, error) {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, Entry]{
		MaximumSize:      maxSize,
		StatsRecorder:    counter,
		ExpiryCalculator: otter.ExpiryCreating[string, Entry](ttl),
	})

	return &Memory{
		cache:   cache,
		counter: counter,
	}, nil
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	entry, ok := m.cache.GetIfPresent(key)
	return entry, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, entry Entry) error {
	m.cache.Set(key, entry)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.cache.InvalidateAll()
	return nil
}

// Stats returns hit and miss counts since creation.
func (m *Memory) Stats() stats.Stats {
	return m.counter.Snapshot()
}

func (m *Memory) Close() error {
	return nil
}
