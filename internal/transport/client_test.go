package transport_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanoskit/tokenbroker/internal/autherr"
	"github.com/thanoskit/tokenbroker/internal/credential"
	"github.com/thanoskit/tokenbroker/internal/transport"
)

func clientCredentials(t *testing.T, headers map[string]string) credential.Config {
	t.Helper()

	cfg, err := credential.NewClientCredentials(credential.ClientCredentials{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		HTTPHeaders:  headers,
	})
	require.NoError(t, err)

	return cfg
}

func TestPost_SendsBodyAndHeaders(t *testing.T) {
	var gotHeader http.Header
	var gotBody string
	var gotMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := transport.New(clientCredentials(t, map[string]string{"X-App": "billing", "X-Override": "default"}))

	resp, err := client.Post(t.Context(), server.URL, []byte("a=1&b=2"),
		transport.WithHeader("Content-Type", "application/x-www-form-urlencoded"),
		transport.WithHeader("X-Override", "per-call"),
	)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "a=1&b=2", gotBody)
	assert.Equal(t, transport.Version, gotHeader.Get(transport.SDKHeader))
	assert.Equal(t, "billing", gotHeader.Get("X-App"))
	assert.Equal(t, "per-call", gotHeader.Get("X-Override"))
	assert.Equal(t, "application/x-www-form-urlencoded", gotHeader.Get("Content-Type"))

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.Equal(t, "yes", resp.Header.Get("X-Reply"))
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestPerCallHeadersDoNotPersist(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("X-Once"))
	}))
	defer server.Close()

	client := transport.New(clientCredentials(t, nil))

	_, err := client.Post(t.Context(), server.URL, nil, transport.WithHeader("X-Once", "1"))
	require.NoError(t, err)
	_, err = client.Post(t.Context(), server.URL, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", ""}, seen)
}

func TestGetAndHead_EncodeQuery(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		endpoint string
		params   url.Values
		expected string
	}{
		{name: "get with params", method: http.MethodGet, endpoint: "/path", params: url.Values{"a": {"1"}, "b": {"x y"}}, expected: "a=1&b=x+y"},
		{name: "get trailing question mark", method: http.MethodGet, endpoint: "/path?", params: url.Values{"a": {"1"}}, expected: "a=1"},
		{name: "get existing query", method: http.MethodGet, endpoint: "/path?z=9", params: url.Values{"a": {"1"}}, expected: "z=9&a=1"},
		{name: "get without params", method: http.MethodGet, endpoint: "/path", expected: ""},
		{name: "head with params", method: http.MethodHead, endpoint: "/path", params: url.Values{"a": {"1"}}, expected: "a=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotMethod, gotQuery, gotPath string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				gotQuery = r.URL.RawQuery
				w.Header().Set("X-Status", "alive")
			}))
			defer server.Close()

			client := transport.New(clientCredentials(t, nil))

			var resp transport.Response
			var err error
			if tt.method == http.MethodGet {
				resp, err = client.Get(t.Context(), server.URL+tt.endpoint, tt.params)
			} else {
				resp, err = client.Head(t.Context(), server.URL+tt.endpoint, tt.params)
			}
			require.NoError(t, err)

			assert.Equal(t, tt.method, gotMethod)
			assert.Equal(t, "/path", gotPath)
			assert.Equal(t, tt.expected, gotQuery)
			assert.Equal(t, "alive", resp.Header.Get("X-Status"))
		})
	}
}

func TestExpectationFailedRetriedOnceWithoutExpect(t *testing.T) {
	var calls atomic.Int32
	var lastExpect string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		lastExpect = r.Header.Get("Expect")
		if n == 1 {
			w.WriteHeader(http.StatusExpectationFailed)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := transport.New(clientCredentials(t, nil))

	resp, err := client.Post(t.Context(), server.URL, []byte("body"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, lastExpect)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestExpectationFailedOnlyRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusExpectationFailed)
	}))
	defer server.Close()

	resp, err := transport.New(clientCredentials(t, nil)).Post(t.Context(), server.URL, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, http.StatusExpectationFailed, resp.StatusCode)
	assert.False(t, resp.OK())
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := server.URL
	server.Close()

	_, err := transport.New(clientCredentials(t, nil)).Post(t.Context(), endpoint, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, autherr.ErrTransport)
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := transport.New(clientCredentials(t, nil), transport.WithTimeout(50*time.Millisecond))

	_, err := client.Get(t.Context(), server.URL, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, autherr.ErrTransport)
}

func TestInsecureSkipVerifyAppliesToOneCall(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer server.Close()

	client := transport.New(clientCredentials(t, nil))

	resp, err := client.Get(t.Context(), server.URL, nil, transport.InsecureSkipVerify())
	require.NoError(t, err)
	assert.Equal(t, "secure", string(resp.Body))

	// the self-signed certificate is rejected again on the next call
	_, err = client.Get(t.Context(), server.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, autherr.ErrTransport)
}

func TestBaseTransportTrusted(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("trusted"))
	}))
	defer server.Close()

	base := server.Client().Transport.(*http.Transport)
	client := transport.New(clientCredentials(t, nil), transport.WithBaseTransport(base))

	resp, err := client.Get(t.Context(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "trusted", string(resp.Body))
}

type countingRoundTripper struct {
	wrapped http.RoundTripper
	calls   atomic.Int32
}

func (c *countingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.wrapped.RoundTrip(r)
}

func TestRoundTripperWrapper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	var counters []*countingRoundTripper
	wrap := func(rt http.RoundTripper) http.RoundTripper {
		c := &countingRoundTripper{wrapped: rt}
		counters = append(counters, c)
		return c
	}

	client := transport.New(clientCredentials(t, nil), transport.WithRoundTripperWrapper(wrap))
	_, err := client.Get(t.Context(), server.URL, nil)
	require.NoError(t, err)

	// both the verifying and the skipping transports are wrapped
	require.Len(t, counters, 2)
	assert.Equal(t, int32(1), counters[0].calls.Load()+counters[1].calls.Load())
}

func TestInvalidURL(t *testing.T) {
	_, err := transport.New(clientCredentials(t, nil)).Post(t.Context(), "://bad", nil)

	require.Error(t, err)
	var authErr *autherr.Error
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, autherr.KindTransport, authErr.Kind)
}
