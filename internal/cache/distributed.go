package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// scanBatch is the COUNT hint used when clearing the namespace.
const scanBatch = 100

// Distributed stores entries in Valkey, so they are shared by every process
// and host using the same server. Entries are JSON envelopes carrying the
// write time, sealed by the encryption strategy, with a server-side expiry of
// the store's TTL. Reads use server-assisted client-side caching.
type Distributed struct {
	client    valkey.Client
	ttl       time.Duration
	namespace string
	strategy  EncryptionStrategy
}

// NewDistributed creates a Valkey-backed store. A nil strategy stores entries
// unencrypted; an empty namespace uses DefaultNamespace.
func NewDistributed(client valkey.Client, ttl time.Duration, namespace string, strategy EncryptionStrategy) (*Distributed, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("distributed cache TTL must be positive, got %s", ttl)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	return &Distributed{
		client:    client,
		ttl:       ttl,
		namespace: namespace,
		strategy:  strategy,
	}, nil
}

func (d *Distributed) storageKey(key string) string {
	return d.namespace + d.strategy.StorageKey(key)
}

// Get retrieves an entry. Entries that fail to decrypt or decode are removed
// on a best-effort basis and reported as errors.
func (d *Distributed) Get(ctx context.Context, key string) (Entry, bool, error) {
	storageKey := d.storageKey(key)

	cmd := d.client.B().Get().Key(storageKey).Cache()
	result := d.client.DoCache(ctx, cmd, d.ttl)

	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to convert cached value to string: %w", err)
	}

	data, err := d.strategy.DecryptValue(ctx, val, key)
	if err != nil {
		d.discard(ctx, storageKey)
		return Entry{}, false, fmt.Errorf("cache decryption failure: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		d.discard(ctx, storageKey)
		return Entry{}, false, fmt.Errorf("failed to unmarshal cached entry: %w", err)
	}

	return entry, true, nil
}

func (d *Distributed) Set(ctx context.Context, key string, entry Entry) error {
	if entry.WrittenAt.IsZero() {
		entry.WrittenAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	value, err := d.strategy.EncryptValue(ctx, data, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt cache entry: %w", err)
	}

	cmd := d.client.B().Set().Key(d.storageKey(key)).Value(value).ExSeconds(int64(d.ttl.Seconds())).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}
	return nil
}

func (d *Distributed) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(d.storageKey(key)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

// Clear deletes every key in the namespace, scanning incrementally so the
// server is never blocked by a single large command.
func (d *Distributed) Clear(ctx context.Context) error {
	pattern := d.namespace + "*"
	var cursor uint64
	removed := 0

	for {
		cmd := d.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()
		entry, err := d.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan cache namespace: %w", err)
		}

		if len(entry.Elements) > 0 {
			del := d.client.B().Del().Key(entry.Elements...).Build()
			if err := d.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("failed to clear cached values: %w", err)
			}
			removed += len(entry.Elements)
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	log.Debug().Str("namespace", d.namespace).Int("count", removed).Msg("distributed cache cleared")
	return nil
}

func (d *Distributed) discard(ctx context.Context, storageKey string) {
	_ = d.client.Do(ctx, d.client.B().Del().Key(storageKey).Build()).Error()
}

// Close releases the client and the encryption strategy.
func (d *Distributed) Close() error {
	if err := d.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	d.client.Close()
	return nil
}
