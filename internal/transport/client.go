// Package transport performs the HTTP calls made to token endpoints. Every
// request carries the SDK identification header and the headers configured on
// the credential.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thanoskit/tokenbroker/internal/autherr"
	"github.com/thanoskit/tokenbroker/internal/credential"
)

const (
	// SDKHeader identifies this client to the token endpoint.
	SDKHeader = "thanos-firebase-sdk"

	// Version is sent as the value of SDKHeader.
	Version = "1.1.3"

	DefaultTimeout = 60 * time.Second
)

// maxResponseBytes bounds the size of a response body read into memory.
const maxResponseBytes = 1 << 20

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type clientOptions struct {
	timeout time.Duration
	wrap    func(http.RoundTripper) http.RoundTripper
	base    *http.Transport
}

// Option configures a Client.
type Option func(*clientOptions)

// WithTimeout sets the overall timeout of each request.
func WithTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithRoundTripperWrapper decorates the underlying transports, for example
// with telemetry.
func WithRoundTripperWrapper(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(o *clientOptions) {
		o.wrap = wrap
	}
}

// WithBaseTransport replaces the transport that requests are sent through.
// It is cloned, never modified.
func WithBaseTransport(base *http.Transport) Option {
	return func(o *clientOptions) {
		o.base = base
	}
}

// Client sends requests to token endpoints.
type Client struct {
	client   *http.Client
	insecure *http.Client
	headers  map[string]string
}

// New creates a client for the given credential. The credential's HTTP
// headers are sent with every request.
func New(cfg credential.Config, opts ...Option) *Client {
	o := clientOptions{
		timeout: DefaultTimeout,
		wrap:    func(rt http.RoundTripper) http.RoundTripper { return rt },
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.base
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}

	verifying := base.Clone()

	skipping := base.Clone()
	if skipping.TLSClientConfig == nil {
		skipping.TLSClientConfig = &tls.Config{}
	}
	skipping.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // opt-in per call

	headers := map[string]string{SDKHeader: Version}
	for name, value := range cfg.HTTPHeaders() {
		headers[name] = value
	}

	return &Client{
		client:   &http.Client{Transport: o.wrap(verifying), Timeout: o.timeout},
		insecure: &http.Client{Transport: o.wrap(skipping), Timeout: o.timeout},
		headers:  headers,
	}
}

type callOptions struct {
	headers            map[string]string
	insecureSkipVerify bool
}

// CallOption adjusts a single request.
type CallOption func(*callOptions)

// WithHeader sets a header on this request only, overriding a default header
// of the same name.
func WithHeader(name, value string) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[name] = value
	}
}

// InsecureSkipVerify disables TLS certificate verification for this request
// only. Later requests verify certificates again.
func InsecureSkipVerify() CallOption {
	return func(o *callOptions) {
		o.insecureSkipVerify = true
	}
}

// Post sends body to endpoint.
func (c *Client) Post(ctx context.Context, endpoint string, body []byte, opts ...CallOption) (Response, error) {
	return c.do(ctx, http.MethodPost, endpoint, body, opts)
}

// Get sends a GET request with params encoded onto the query string.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, opts ...CallOption) (Response, error) {
	return c.do(ctx, http.MethodGet, withQuery(endpoint, params), nil, opts)
}

// Head sends a HEAD request with params encoded onto the query string.
func (c *Client) Head(ctx context.Context, endpoint string, params url.Values, opts ...CallOption) (Response, error) {
	return c.do(ctx, http.MethodHead, withQuery(endpoint, params), nil, opts)
}

func withQuery(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}

	endpoint = strings.TrimRight(endpoint, "?")
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}

	return endpoint + sep + params.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, opts []CallOption) (Response, error) {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	client := c.client
	if call.insecureSkipVerify {
		client = c.insecure
	}

	headers := make(map[string]string, len(c.headers)+len(call.headers))
	for name, value := range c.headers {
		headers[name] = value
	}
	for name, value := range call.headers {
		headers[name] = value
	}

	start := time.Now()

	resp, err := c.send(ctx, client, method, endpoint, body, headers)
	if err == nil && resp.StatusCode == http.StatusExpectationFailed {
		log.Ctx(ctx).Debug().Str("method", method).Msg("expectation failed, retrying without Expect header")
		delete(headers, "Expect")
		resp, err = c.send(ctx, client, method, endpoint, body, headers)
	}
	if err != nil {
		return Response{}, err
	}

	log.Ctx(ctx).Debug().
		Str("method", method).
		Str("host", hostOf(endpoint)).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("token endpoint call")

	return resp, nil
}

func (c *Client) send(ctx context.Context, client *http.Client, method, endpoint string, body []byte, headers map[string]string) (Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return Response{}, autherr.Transport(fmt.Sprintf("invalid %s request", method), err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	res, err := client.Do(req)
	if err != nil {
		return Response{}, autherr.Transport(fmt.Sprintf("%s request failed", method), err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Response{}, autherr.Transport("failed to read response body", err)
	}

	return Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       data,
	}, nil
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
