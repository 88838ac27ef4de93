package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// valuePrefix marks values sealed by TinkEncryptionStrategy.
const valuePrefix = "tb-env:"

// storageKeyPrefix separates sealed entries from plaintext ones, so toggling
// encryption never feeds one kind to the other.
const storageKeyPrefix = "enc:"

// EncryptionStrategy seals stored payloads and decorates storage keys.
type EncryptionStrategy interface {
	// EncryptValue seals data for storage. The key is bound to the ciphertext
	// as associated data.
	EncryptValue(ctx context.Context, data []byte, key string) (string, error)

	// DecryptValue opens a stored value. The key must match the one used to
	// encrypt.
	DecryptValue(ctx context.Context, value string, key string) ([]byte, error)

	// StorageKey returns the key under which the value is stored.
	StorageKey(key string) string

	Close() error
}

// NoEncryptionStrategy stores values as-is.
type NoEncryptionStrategy struct{}

func (s *NoEncryptionStrategy) EncryptValue(_ context.Context, data []byte, _ string) (string, error) {
	return string(data), nil
}

func (s *NoEncryptionStrategy) DecryptValue(_ context.Context, value string, _ string) ([]byte, error) {
	return []byte(value), nil
}

func (s *NoEncryptionStrategy) StorageKey(key string) string {
	return key
}

func (s *NoEncryptionStrategy) Close() error {
	return nil
}

// TinkEncryptionStrategy seals values with a Tink AEAD using the cache key as
// associated data, so a value copied under another key fails to open. Sealed
// values are base64 encoded behind valuePrefix.
type TinkEncryptionStrategy struct {
	aead tink.AEAD
}

func NewTinkEncryptionStrategy(aead tink.AEAD) *TinkEncryptionStrategy {
	return &TinkEncryptionStrategy{aead: aead}
}

func (s *TinkEncryptionStrategy) EncryptValue(_ context.Context, data []byte, key string) (string, error) {
	ciphertext, err := s.aead.Encrypt(data, []byte(key))
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return valuePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *TinkEncryptionStrategy) DecryptValue(_ context.Context, value string, key string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, valuePrefix)
	if !ok {
		return nil, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}

	plaintext, err := s.aead.Decrypt(ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

func (s *TinkEncryptionStrategy) StorageKey(key string) string {
	return storageKeyPrefix + key
}

// Close closes the AEAD when it holds resources, such as a refresh loop.
func (s *TinkEncryptionStrategy) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
