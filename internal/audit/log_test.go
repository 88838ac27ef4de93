package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanoskit/tokenbroker/internal/audit"
	"github.com/thanoskit/tokenbroker/internal/testhelpers"
)

func withLogHook(ctx context.Context, hook zerolog.HookFunc) context.Context {
	testLog := log.Logger.With().Logger().Hook(hook)
	return testLog.WithContext(ctx)
}

func withLogBuffer(ctx context.Context, buf *bytes.Buffer) context.Context {
	return zerolog.New(buf).WithContext(ctx)
}

func TestContext(t *testing.T) {
	t.Run("adds entry when absent", func(t *testing.T) {
		ctx, entry := audit.Context(context.Background())

		require.NotNil(t, entry)
		assert.Same(t, entry, audit.Log(ctx))
	})

	t.Run("reuses existing entry", func(t *testing.T) {
		ctx, first := audit.Context(context.Background())
		_, second := audit.Context(ctx)

		assert.Same(t, first, second)
	})

	t.Run("log without entry is detached", func(t *testing.T) {
		entry := audit.Log(context.Background())
		entry.Attempts = 3

		assert.NotSame(t, entry, audit.Log(context.Background()))
		assert.Equal(t, 0, audit.Log(context.Background()).Attempts)
	})
}

func TestEnd(t *testing.T) {
	t.Run("log written at audit level", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false
		ctx := withLogHook(context.Background(), zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
			if level == audit.Level {
				auditWritten = true
			}
		}))

		ctx, entry := audit.Context(ctx)
		entry.Begin("client_credentials", "abc123", "sandbox")
		entry.End(ctx)()

		assert.True(t, auditWritten, "audit log entry should be written")
		assert.Positive(t, entry.Duration)
	})

	t.Run("log written on panic", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false
		ctx := withLogHook(context.Background(), zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
			if level == audit.Level {
				auditWritten = true
			}
		}))

		ctx, entry := audit.Context(ctx)

		assert.PanicsWithValue(t, "not a token", func() {
			defer entry.End(ctx)()
			entry.Error = "failure pre-panic"
			panic("not a token")
		})

		assert.Equal(t, "failure pre-panic; panic: not a token", entry.Error)
		assert.True(t, auditWritten, "audit log entry should be written")
	})

	t.Run("entry fields serialized", func(t *testing.T) {
		var buf bytes.Buffer
		ctx, entry := audit.Context(withLogBuffer(context.Background(), &buf))

		entry.Begin("service_account", "digest", "production")
		entry.Attempts = 2
		entry.Issued = true
		entry.Status = 200
		entry.TokenType = "Bearer"
		entry.ExpiresInSecs = 3599
		entry.End(ctx)()

		var result map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &result))

		assert.Equal(t, "audit_event", result["message"])
		assert.Equal(t, "service_account", result["flow"])
		assert.Equal(t, "digest", result["credential"])
		assert.Equal(t, "production", result["environment"])
		assert.Equal(t, float64(2), result["attempts"])
		assert.Equal(t, true, result["issued"])
		assert.NotContains(t, result, "error")

		response, ok := result["response"].(map[string]any)
		require.True(t, ok, "expected 'response' dict in log output")
		assert.Equal(t, float64(200), response["status"])
		assert.Equal(t, "Bearer", response["tokenType"])
		assert.Equal(t, float64(3599), response["expiresInSecs"])
	})
}

func TestMarshal_OmitsEmptyResponse(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	entry := audit.Entry{Flow: "client_credentials", Error: "cache unreachable"}
	logger.Log().EmbedObject(&entry).Send()

	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))

	assert.NotContains(t, result, "response")
	assert.NotContains(t, result, "duration")
	assert.Equal(t, "cache unreachable", result["error"])
	assert.Equal(t, false, result["issued"])
}

func TestLevelFieldMarshalFunc(t *testing.T) {
	assert.Equal(t, audit.LevelName, audit.LevelFieldMarshalFunc(audit.Level))
	assert.Equal(t, "info", audit.LevelFieldMarshalFunc(zerolog.InfoLevel))
	assert.Equal(t, "warn", audit.LevelFieldMarshalFunc(zerolog.WarnLevel))
}

func TestOptionalEvent(t *testing.T) {
	serialize := func(t *testing.T, build func(*audit.OptionalEvent)) map[string]any {
		t.Helper()
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		ev := logger.Log()
		oe := audit.NewOptionalEvent(nil)
		build(oe)
		oe.Set(ev, "nested")
		ev.Send()

		var result map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
		return result
	}

	t.Run("zero values omit dict", func(t *testing.T) {
		result := serialize(t, func(oe *audit.OptionalEvent) {
			oe.Str("a", "").Int("b", 0)
		})
		assert.NotContains(t, result, "nested")
	})

	t.Run("set values written", func(t *testing.T) {
		result := serialize(t, func(oe *audit.OptionalEvent) {
			oe.Str("a", "x").Int("b", 0).Int("c", 7)
		})

		nested, ok := result["nested"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"a": "x", "c": float64(7)}, nested)
	})
}
