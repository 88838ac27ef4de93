package cache

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/thanoskit/tokenbroker/internal/config"
	"github.com/thanoskit/tokenbroker/internal/encryption"
	"github.com/valkey-io/valkey-go"
)

// StaticCredentialsFn returns an AuthCredentialsFn that always returns the
// configured username and password.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}

// NewFromConfig creates the store selected by the cache configuration,
// wrapped with instrumentation. The cache type must be "file", "memory" or
// "valkey".
func NewFromConfig(ctx context.Context, cacheConfig config.CacheConfig) (Store, error) {
	if cacheConfig.TTL <= 0 {
		cacheConfig.TTL = DefaultTTL
	}

	switch cacheConfig.Type {
	case "file", "":
		log.Debug().
			Str("cache_type", "file").
			Str("dir", cacheConfig.Dir).
			Msg("initializing file cache")

		strategy, err := newStrategy(ctx, cacheConfig.Encryption)
		if err != nil {
			return nil, err
		}

		file, err := NewFile(cacheConfig.Dir, DefaultNamespace, strategy)
		if err != nil {
			_ = strategy.Close()
			return nil, fmt.Errorf("failed to create file cache: %w", err)
		}

		return NewInstrumented(file, "file"), nil

	case "valkey":
		log.Info().
			Str("cache_type", "valkey").
			Str("address", cacheConfig.Valkey.Address).
			Bool("tls", cacheConfig.Valkey.TLS).
			Msg("initializing distributed cache")

		if cacheConfig.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when cache type is valkey")
		}

		valkeyOpts := valkey.ClientOption{
			InitAddress: []string{cacheConfig.Valkey.Address},
			AuthCredentialsFn: StaticCredentialsFn(
				cacheConfig.Valkey.Username,
				cacheConfig.Valkey.Password,
			),
		}

		if cacheConfig.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		valkeyClient, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		strategy, err := newStrategy(ctx, cacheConfig.Encryption)
		if err != nil {
			valkeyClient.Close()
			return nil, err
		}

		distributed, err := NewDistributed(valkeyClient, cacheConfig.TTL, DefaultNamespace, strategy)
		if err != nil {
			_ = strategy.Close()
			valkeyClient.Close()
			return nil, fmt.Errorf("failed to create distributed cache: %w", err)
		}

		return NewInstrumented(distributed, "distributed"), nil

	case "memory":
		log.Debug().
			Str("cache_type", "memory").
			Msg("initializing in-memory cache")

		memory, err := NewMemory(cacheConfig.TTL, cacheConfig.MemoryMaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return NewInstrumented(memory, "memory"), nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be one of \"file\", \"memory\" or \"valkey\"", cacheConfig.Type)
	}
}

func newStrategy(ctx context.Context, cfg config.CacheEncryptionConfig) (EncryptionStrategy, error) {
	if !cfg.Enabled {
		return &NoEncryptionStrategy{}, nil
	}

	aead, err := encryption.NewRefreshableAEADFromFile(ctx, cfg.KeysetFile)
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	log.Info().Msg("cache encryption enabled with automatic keyset refresh")

	return NewInstrumentedStrategy(NewTinkEncryptionStrategy(aead)), nil
}
