package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// File stores one file per key in a directory. Files are named
// namespace + hex(sha256(storage key)), hold the strategy-sealed payload, and
// use their modification time as the write time. Writes go through a
// temporary file and rename so readers never see a partial entry.
type File struct {
	dir       string
	namespace string
	strategy  EncryptionStrategy
}

// NewFile creates a file store in dir, creating the directory when needed. An
// empty dir uses the OS temp directory; an empty namespace uses
// DefaultNamespace. A nil strategy stores payloads unencrypted.
func NewFile(dir, namespace string, strategy EncryptionStrategy) (*File, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if strings.ContainsAny(namespace, `*?[\/`) {
		return nil, fmt.Errorf("invalid cache namespace %q: must not contain path or pattern characters", namespace)
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	return &File{
		dir:       dir,
		namespace: namespace,
		strategy:  strategy,
	}, nil
}

func (f *File) path(key string) string {
	sum := sha256.Sum256([]byte(f.strategy.StorageKey(key)))
	return filepath.Join(f.dir, f.namespace+hex.EncodeToString(sum[:]))
}

func (f *File) Get(ctx context.Context, key string) (Entry, bool, error) {
	p := f.path(key)

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to stat cache file: %w", err)
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		// removed between stat and read
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read cache file: %w", err)
	}

	payload, err := f.strategy.DecryptValue(ctx, string(data), key)
	if err != nil {
		_ = os.Remove(p)
		return Entry{}, false, fmt.Errorf("cache decryption failure: %w", err)
	}

	return Entry{Payload: payload, WrittenAt: info.ModTime()}, true, nil
}

func (f *File) Set(ctx context.Context, key string, entry Entry) error {
	value, err := f.strategy.EncryptValue(ctx, entry.Payload, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+f.namespace+"*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	writtenAt := entry.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	if err := os.Chtimes(tmpName, writtenAt, writtenAt); err != nil {
		return fmt.Errorf("failed to stamp cache file: %w", err)
	}

	if err := os.Rename(tmpName, f.path(key)); err != nil {
		return fmt.Errorf("failed to commit cache file: %w", err)
	}
	committed = true

	return nil
}

func (f *File) Invalidate(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Clear removes every file in the directory that carries the namespace
// prefix.
func (f *File) Clear(_ context.Context) error {
	matches, err := filepath.Glob(filepath.Join(f.dir, f.namespace+"*"))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}

	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	log.Debug().Str("dir", f.dir).Int("count", len(matches)).Msg("cache files cleared")

	if len(errs) > 0 {
		return fmt.Errorf("failed to clear cache: %w", errors.Join(errs...))
	}
	return nil
}

func (f *File) Close() error {
	return f.strategy.Close()
}
