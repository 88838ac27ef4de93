package encryption

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultRefreshInterval is how often a refreshable AEAD checks its keyset.
const DefaultRefreshInterval = 15 * time.Minute

// errKeysetUnchanged is returned by a loader when the key material is the
// same as at the previous load.
var errKeysetUnchanged = errors.New("keyset unchanged")

type aeadLoader func(ctx context.Context) (tink.AEAD, error)

// primitive boxes the AEAD so it can be swapped atomically.
type primitive struct {
	tink.AEAD
}

// RefreshableAEAD is a tink.AEAD whose keyset is reloaded periodically, so a
// rotated keyset file is picked up by long-lived processes. A failed reload
// leaves the current keyset in use.
type RefreshableAEAD struct {
	current atomic.Pointer[primitive]
	loader  aeadLoader
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRefreshableAEADFromFile loads the keyset at path and checks it every
// DefaultRefreshInterval, reparsing only when the file has changed.
func NewRefreshableAEADFromFile(ctx context.Context, path string) (*RefreshableAEAD, error) {
	return newRefreshableAEAD(ctx, fileLoader(path), DefaultRefreshInterval)
}

// fileLoader loads the keyset at path, skipping files whose size and
// modification time match the last successful load.
func fileLoader(path string) aeadLoader {
	var lastSize int64
	var lastMod time.Time

	return func(context.Context) (tink.AEAD, error) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat keyset file: %w", err)
		}
		if !lastMod.IsZero() && info.Size() == lastSize && info.ModTime().Equal(lastMod) {
			return nil, errKeysetUnchanged
		}

		a, err := NewAEADFromFile(path)
		if err != nil {
			return nil, err
		}

		lastSize, lastMod = info.Size(), info.ModTime()
		return a, nil
	}
}

func newRefreshableAEAD(ctx context.Context, loader aeadLoader, interval time.Duration) (*RefreshableAEAD, error) {
	initial, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading initial AEAD: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r := &RefreshableAEAD{
		loader: loader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.current.Store(&primitive{initial})

	go r.run(loopCtx, interval)

	return r, nil
}

func (r *RefreshableAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	return r.current.Load().Encrypt(plaintext, associatedData)
}

func (r *RefreshableAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	return r.current.Load().Decrypt(ciphertext, associatedData)
}

// Close stops reloading and waits for the refresh goroutine to exit. Calling
// it again is a no-op.
func (r *RefreshableAEAD) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *RefreshableAEAD) run(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload(ctx)
		}
	}
}

func (r *RefreshableAEAD) reload(ctx context.Context) {
	next, err := r.loader(ctx)
	switch {
	case errors.Is(err, errKeysetUnchanged):
		return
	case err != nil:
		log.Warn().Err(err).Msg("keyset reload failed, keeping current keyset")
		return
	}

	r.current.Store(&primitive{next})
	log.Info().Msg("encryption keyset reloaded")
}
