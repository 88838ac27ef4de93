package cache

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Producer creates a value on a cache miss.
type Producer[T any] func(ctx context.Context) (T, error)

// DefaultSingleFlightTimeout bounds a shared producer call once it no longer
// follows the cancellation of the caller that started it.
const DefaultSingleFlightTimeout = 2 * time.Minute

type tokenCacheOptions struct {
	defaultTTL          time.Duration
	now                 func() time.Time
	singleFlight        bool
	singleFlightTimeout time.Duration
}

// Option configures a TokenCache.
type Option func(*tokenCacheOptions)

// WithDefaultTTL sets the TTL used when Get is called with a non-positive TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *tokenCacheOptions) {
		if ttl > 0 {
			o.defaultTTL = ttl
		}
	}
}

// WithClock replaces the time source used to stamp and age entries.
func WithClock(now func() time.Time) Option {
	return func(o *tokenCacheOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSingleFlight collapses concurrent misses for the same key into a
// single producer call within this process.
//
// The shared call ignores the cancellation of whichever caller started it and
// is bounded by the single-flight timeout instead. Each caller still returns
// early when its own context is done.
func WithSingleFlight(enabled bool) Option {
	return func(o *tokenCacheOptions) {
		o.singleFlight = enabled
	}
}

// WithSingleFlightTimeout sets the deadline for a shared producer call.
func WithSingleFlightTimeout(d time.Duration) Option {
	return func(o *tokenCacheOptions) {
		if d > 0 {
			o.singleFlightTimeout = d
		}
	}
}

// TokenCache returns stored values while they are younger than the caller's
// TTL and otherwise invokes a producer and stores its result. Values are
// stored as JSON.
//
// Without single-flight the miss path is check-then-set: concurrent callers
// may all produce, and the last writer wins.
type TokenCache[T any] struct {
	store         Store
	defaultTTL    time.Duration
	now           func() time.Time
	group         *singleflight.Group
	sharedTimeout time.Duration
}

func NewTokenCache[T any](store Store, opts ...Option) *TokenCache[T] {
	o := tokenCacheOptions{
		defaultTTL:          DefaultTTL,
		now:                 time.Now,
		singleFlightTimeout: DefaultSingleFlightTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &TokenCache[T]{
		store:         store,
		defaultTTL:    o.defaultTTL,
		now:           o.now,
		sharedTimeout: o.singleFlightTimeout,
	}
	if o.singleFlight {
		c.group = &singleflight.Group{}
	}

	return c
}

// Get returns the value stored under key if it was written no more than ttl
// ago. Otherwise it calls producer, stores a non-zero result and returns it.
// A non-positive ttl uses the default TTL. Producer errors are returned
// unchanged and nothing is stored; store failures are logged and never fail
// the call.
func (c *TokenCache[T]) Get(ctx context.Context, key string, ttl time.Duration, producer Producer[T]) (T, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if value, ok := c.lookup(ctx, key, ttl); ok {
		return value, nil
	}

	if c.group == nil {
		return c.produce(ctx, key, producer)
	}

	return c.getShared(ctx, key, ttl, producer)
}

func (c *TokenCache[T]) getShared(ctx context.Context, key string, ttl time.Duration, producer Producer[T]) (T, error) {
	var zero T

	ch := c.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedTimeout)
		defer cancel()

		// another caller may have stored the value while this one waited
		if value, ok := c.lookup(shared, key, ttl); ok {
			return value, nil
		}
		return c.produce(shared, key, producer)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Invalidate removes the value stored under key.
func (c *TokenCache[T]) Invalidate(ctx context.Context, key string) error {
	return c.store.Invalidate(ctx, key)
}

// Clear removes every value in the store's namespace.
func (c *TokenCache[T]) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *TokenCache[T]) Close() error {
	return c.store.Close()
}

func (c *TokenCache[T]) lookup(ctx context.Context, key string, ttl time.Duration) (T, bool) {
	var zero T

	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache read failed, treating as miss")
		return zero, false
	}
	if !found {
		return zero, false
	}

	if entry.Age(c.now()) > ttl {
		c.discard(ctx, key)
		return zero, false
	}

	var value T
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cached value unreadable, discarding")
		c.discard(ctx, key)
		return zero, false
	}

	return value, true
}

func (c *TokenCache[T]) produce(ctx context.Context, key string, producer Producer[T]) (T, error) {
	value, err := producer(ctx)
	if err != nil {
		return value, err
	}

	if isZero(value) {
		return value, nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache value not serializable, not stored")
		return value, nil
	}

	if err := c.store.Set(ctx, key, Entry{Payload: payload, WrittenAt: c.now()}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache write failed")
	}

	return value, nil
}

func (c *TokenCache[T]) discard(ctx context.Context, key string) {
	if err := c.store.Invalidate(ctx, key); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to remove stale cache entry")
	}
}

func isZero(v any) bool {
	rv := reflect.ValueOf(v)
	return !rv.IsValid() || rv.IsZero()
}
