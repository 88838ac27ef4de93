package main

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanoskit/tokenbroker/internal/signature"
	"github.com/thanoskit/tokenbroker/internal/testhelpers"
)

func setClientEnv(t *testing.T, mock *testhelpers.MockTokenServer) {
	t.Helper()

	t.Setenv("TOKENBROKER_FLOW", "client_credentials")
	t.Setenv("TOKENBROKER_CLIENT_ID", "abc")
	t.Setenv("TOKENBROKER_CLIENT_SECRET", "xyz")
	t.Setenv("TOKENBROKER_ENV", "sandbox")
	t.Setenv("TOKENBROKER_SANDBOX_URL", mock.URL())
	t.Setenv("CACHE_TYPE", "file")
	t.Setenv("CACHE_DIR", t.TempDir())
	t.Setenv("BROKER_RETRY_INTERVAL", "10ms")
	t.Setenv("OBSERVE_ENABLED", "false")
}

func TestRun_TokenIsCachedAcrossInvocations(t *testing.T) {
	mock := testhelpers.SetupMockTokenServer(t)
	setClientEnv(t, mock)

	for range 2 {
		var out bytes.Buffer
		require.NoError(t, run(t.Context(), nil, &out))
		assert.Equal(t, "tok123\n", out.String())
	}

	assert.Equal(t, 1, mock.RequestCount())
}

func TestRun_ClearForcesNewToken(t *testing.T) {
	mock := testhelpers.SetupMockTokenServer(t)
	setClientEnv(t, mock)

	var out bytes.Buffer
	require.NoError(t, run(t.Context(), []string{"token"}, &out))
	require.NoError(t, run(t.Context(), []string{"clear"}, &out))
	require.NoError(t, run(t.Context(), []string{"token"}, &out))

	assert.Equal(t, 2, mock.RequestCount())
	assert.Equal(t, "tok123\ntok123\n", out.String())
}

func TestRun_TokenFailure(t *testing.T) {
	mock := testhelpers.SetupMockTokenServer(t, testhelpers.MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":"invalid_client"}`,
	})
	setClientEnv(t, mock)

	var out bytes.Buffer
	err := run(t.Context(), []string{"token"}, &out)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get access token from API")
	assert.Empty(t, out.String())
	assert.Equal(t, 2, mock.RequestCount())
}

func TestRun_SignAndVerify(t *testing.T) {
	mock := testhelpers.SetupMockTokenServer(t)
	setClientEnv(t, mock)

	payload := `{"b": 2, "a": 1}`
	expected := signature.NewSigner("xyz").Sign(payload)

	var out bytes.Buffer
	require.NoError(t, run(t.Context(), []string{"sign", payload}, &out))
	assert.Equal(t, expected+"\n", out.String())

	out.Reset()
	require.NoError(t, run(t.Context(), []string{"verify", expected, `{"a":1,"b":2}`}, &out))
	assert.Equal(t, "valid\n", out.String())

	err := run(t.Context(), []string{"verify", expected, `{"a":1,"b":3}`}, &out)
	assert.EqualError(t, err, "signature does not match payload")

	assert.Equal(t, 0, mock.RequestCount())
}

func TestRun_SignRejectsInvalidPayload(t *testing.T) {
	setClientEnv(t, testhelpers.SetupMockTokenServer(t))

	err := run(t.Context(), []string{"sign", "not json"}, &bytes.Buffer{})
	assert.EqualError(t, err, "payload is empty or not valid JSON")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown command", args: []string{"refresh"}},
		{name: "sign without payload", args: []string{"sign"}},
		{name: "verify missing payload", args: []string{"verify", "abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setClientEnv(t, testhelpers.SetupMockTokenServer(t))

			err := run(t.Context(), tt.args, &bytes.Buffer{})
			assert.ErrorIs(t, err, errUsage)
		})
	}
}

func TestRun_ConfigurationError(t *testing.T) {
	mock := testhelpers.SetupMockTokenServer(t)
	setClientEnv(t, mock)
	t.Setenv("TOKENBROKER_CLIENT_SECRET", "")

	err := run(t.Context(), nil, &bytes.Buffer{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration load failed")
}

func TestRun_InvalidCacheType(t *testing.T) {
	mock := testhelpers.SetupMockTokenServer(t)
	setClientEnv(t, mock)
	t.Setenv("CACHE_TYPE", "floppy")

	err := run(t.Context(), nil, &bytes.Buffer{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "floppy")
}
