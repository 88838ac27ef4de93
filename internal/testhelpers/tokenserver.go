package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// RecordedRequest is a token request as seen by MockTokenServer.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Form   url.Values
}

// MockTokenServer is a configurable token endpoint. Responses are taken from
// Responses in order; once exhausted, the last one is repeated. With no
// responses configured the server issues Token in the client-credentials
// shape.
type MockTokenServer struct {
	Server *httptest.Server
	Token  string

	mu        sync.Mutex
	responses []MockResponse
	requests  []RecordedRequest
}

// MockResponse is one canned reply from the token endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
}

// NestedTokenBody is the client-credentials success body.
func NestedTokenBody(token string) string {
	return fmt.Sprintf(`{"data":{"access_token":%q,"token_type":"Bearer"}}`, token)
}

// TopLevelTokenBody is the JWT-bearer success body.
func TopLevelTokenBody(token string) string {
	return fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":3599}`, token)
}

// SetupMockTokenServer starts a mock token endpoint. It is closed
// automatically when the test ends.
func SetupMockTokenServer(t *testing.T, responses ...MockResponse) *MockTokenServer {
	t.Helper()

	mock := &MockTokenServer{
		Token:     "tok123",
		responses: responses,
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Form:   r.PostForm,
		})
		resp := mock.next(len(mock.requests) - 1)
		mock.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write([]byte(resp.Body))
	}))

	t.Cleanup(mock.Server.Close)
	return mock
}

func (m *MockTokenServer) next(i int) MockResponse {
	if len(m.responses) == 0 {
		return MockResponse{StatusCode: http.StatusOK, Body: NestedTokenBody(m.Token)}
	}
	if i >= len(m.responses) {
		return m.responses[len(m.responses)-1]
	}
	return m.responses[i]
}

// URL returns the server base URL with a trailing slash.
func (m *MockTokenServer) URL() string {
	return m.Server.URL + "/"
}

// RequestCount returns the number of requests received so far.
func (m *MockTokenServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the requests received so far.
func (m *MockTokenServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
