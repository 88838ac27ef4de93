//go:build integration

package testhelpers

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/thanoskit/tokenbroker/internal/config"
)

const valkeyPort = "6379/tcp"

// RunValkeyContainer starts a password-protected Valkey server and returns a
// cache configuration pointing at it, with keyset encryption enabled. The
// container is terminated when the test ends.
func RunValkeyContainer(t *testing.T) config.CacheConfig {
	t.Helper()
	ctx := context.Background()

	password := rand.Text()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "valkey/valkey:8-alpine",
			Cmd:          []string{"valkey-server", "--requirepass", password},
			ExposedPorts: []string{valkeyPort},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections"),
				wait.ForListeningPort(nat.Port(valkeyPort)),
			),
		},
		Started: true,
		Logger:  log.TestLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	port, err := container.MappedPort(ctx, nat.Port(valkeyPort))
	require.NoError(t, err)

	return config.CacheConfig{
		Type: "valkey",
		TTL:  time.Hour,
		Valkey: config.ValkeyConfig{
			// IPv4 loopback avoids resolving localhost to ::1
			Address:  "127.0.0.1:" + port.Port(),
			Username: "default",
			Password: password,
		},
		Encryption: config.CacheEncryptionConfig{
			Enabled:    true,
			KeysetFile: WriteTestKeyset(t),
		},
	}
}
