// Package broker obtains OAuth access tokens for a credential, caching them
// encrypted between invocations and retrying failed acquisitions a bounded
// number of times.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/thanoskit/tokenbroker/internal/audit"
	"github.com/thanoskit/tokenbroker/internal/autherr"
	"github.com/thanoskit/tokenbroker/internal/cache"
	"github.com/thanoskit/tokenbroker/internal/credential"
	"github.com/thanoskit/tokenbroker/internal/encryption"
	"github.com/thanoskit/tokenbroker/internal/transport"
	"golang.org/x/oauth2"
)

const (
	DefaultRetryAttempts = 2
	DefaultRetryInterval = 500 * time.Millisecond
)

// maxErrorBody bounds how much of a failed response is quoted in errors.
const maxErrorBody = 512

// Transport posts token requests.
type Transport interface {
	Post(ctx context.Context, url string, body []byte, opts ...transport.CallOption) (transport.Response, error)
}

type options struct {
	attempts        int
	interval        time.Duration
	ttl             time.Duration
	now             func() time.Time
	endpoints       credential.Endpoints
	signingKey      any
	flow            Flow
	insecureSandbox bool
}

type Option func(*options)

// WithRetry sets the total number of acquisition attempts and the constant
// wait between them.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if interval >= 0 {
			o.interval = interval
		}
	}
}

// WithTTL sets how long a cached token is reused. Non-positive values use the
// cache default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithClock sets the time source used to stamp assertions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEndpoints overrides the environment base URLs.
func WithEndpoints(endpoints credential.Endpoints) Option {
	return func(o *options) {
		o.endpoints = endpoints
	}
}

// WithSigningKey supplies the key that signs service account assertions,
// such as one from assertion.NewKMSSigningKey.
func WithSigningKey(key any) Option {
	return func(o *options) {
		o.signingKey = key
	}
}

// WithFlow replaces the flow selected from the credential.
func WithFlow(flow Flow) Option {
	return func(o *options) {
		o.flow = flow
	}
}

// WithInsecureSandbox disables TLS verification on token requests for
// sandbox credentials.
func WithInsecureSandbox(enabled bool) Option {
	return func(o *options) {
		o.insecureSandbox = enabled
	}
}

// Broker returns the access token for a single credential.
type Broker struct {
	cfg       credential.Config
	flow      Flow
	transport Transport
	cache     *cache.TokenCache[string]
	cipher    *encryption.Cipher
	attempts  int
	interval  time.Duration
	ttl       time.Duration
	callOpts  []transport.CallOption
}

// New creates a broker for cfg. Cached tokens are sealed with a key derived
// from the full credential, so a changed credential never reads another's
// token.
func New(cfg credential.Config, t Transport, tokens *cache.TokenCache[string], opts ...Option) (*Broker, error) {
	o := options{
		attempts:  DefaultRetryAttempts,
		interval:  DefaultRetryInterval,
		now:       time.Now,
		endpoints: credential.DefaultEndpoints(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if t == nil || tokens == nil {
		return nil, autherr.Configuration("broker requires a transport and a token cache")
	}

	cipher, err := encryption.NewCipher(cfg.EncryptionKey())
	if err != nil {
		return nil, err
	}

	flow := o.flow
	if flow == nil {
		switch cfg.Flow() {
		case credential.FlowClientCredentials:
			flow = NewClientCredentials(cfg, o.endpoints)
		case credential.FlowServiceAccount:
			flow, err = NewJWTBearer(cfg, o.signingKey, o.now)
			if err != nil {
				return nil, err
			}
		default:
			return nil, autherr.Configuration(fmt.Sprintf("unsupported flow %q", cfg.Flow()))
		}
	}

	var callOpts []transport.CallOption
	if o.insecureSandbox && cfg.IsSandbox() {
		callOpts = append(callOpts, transport.InsecureSkipVerify())
	}

	return &Broker{
		cfg:       cfg,
		flow:      flow,
		transport: t,
		cache:     tokens,
		cipher:    cipher,
		attempts:  o.attempts,
		interval:  o.interval,
		ttl:       o.ttl,
		callOpts:  callOpts,
	}, nil
}

// AccessToken returns a usable access token, from the cache when a live one
// exists. Every failure is retried up to the configured number of attempts;
// when they are exhausted the returned error is autherr.ErrAuth wrapping the
// last failure. Each call writes one audit entry.
func (b *Broker) AccessToken(ctx context.Context) (string, error) {
	ctx, entry := audit.Context(ctx)
	entry.Begin(b.flow.Name(), b.cfg.Digest(), b.cfg.Environment())
	defer entry.End(ctx)()

	l := log.Ctx(ctx).With().
		Str("flow", b.flow.Name()).
		Str("credential", b.cfg.Digest()).
		Logger()

	attempt := 0
	operation := func() (string, error) {
		attempt++
		entry.Attempts = attempt
		return b.acquire(ctx)
	}

	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(b.interval)),
		backoff.WithMaxTries(uint(b.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("access token attempt failed")
		}),
	)
	if err != nil {
		l.Error().Err(err).Int("attempts", attempt).Msg("access token acquisition failed")
		err = autherr.Auth("failed to get access token from API", err)
		entry.Error = err.Error()
		return "", err
	}

	return token, nil
}

// Token implements oauth2.TokenSource. The token carries no expiry: the
// cache TTL decides when it is replaced.
func (b *Broker) Token() (*oauth2.Token, error) {
	token, err := b.AccessToken(context.Background())
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}, nil
}

// Invalidate drops the cached token for this credential.
func (b *Broker) Invalidate(ctx context.Context) error {
	return b.cache.Invalidate(ctx, b.cfg.CacheKey())
}

// Clear drops every cached token in the cache namespace.
func (b *Broker) Clear(ctx context.Context) error {
	return b.cache.Clear(ctx)
}

// acquire performs a single attempt: lookup or produce, then decrypt.
func (b *Broker) acquire(ctx context.Context) (string, error) {
	key := b.cfg.CacheKey()

	sealed, err := b.cache.Get(ctx, key, b.ttl, b.produce)
	if err != nil {
		return "", err
	}

	token, err := b.cipher.Decrypt(sealed)
	if err == nil {
		return token, nil
	}

	if !errors.Is(err, autherr.ErrKey) {
		return "", err
	}

	// the stored value was sealed under another key; replace it
	log.Ctx(ctx).Warn().Err(err).Msg("cached token unreadable, fetching a new one")
	if err := b.cache.Invalidate(ctx, key); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to drop unreadable cached token")
	}

	sealed, err = b.cache.Get(ctx, key, b.ttl, b.produce)
	if err != nil {
		return "", err
	}

	return b.cipher.Decrypt(sealed)
}

// produce requests a new token and returns it sealed for storage.
func (b *Broker) produce(ctx context.Context) (string, error) {
	req, err := b.flow.Request(ctx)
	if err != nil {
		return "", err
	}

	opts := make([]transport.CallOption, 0, len(req.Headers)+len(b.callOpts))
	for name, value := range req.Headers {
		opts = append(opts, transport.WithHeader(name, value))
	}
	opts = append(opts, b.callOpts...)

	resp, err := b.transport.Post(ctx, req.URL, req.Body, opts...)
	if err != nil {
		return "", err
	}

	entry := audit.Log(ctx)
	entry.Issued = true
	entry.Status = resp.StatusCode

	if resp.StatusCode != http.StatusOK || len(resp.Body) == 0 {
		return "", autherr.Validation(fmt.Sprintf(
			"access token generation failed, status: %d, response: %s",
			resp.StatusCode, truncate(resp.Body, maxErrorBody),
		))
	}

	token, err := b.flow.ParseToken(ctx, resp.Body)
	if err != nil {
		return "", err
	}

	log.Ctx(ctx).Info().Str("flow", b.flow.Name()).Msg("access token issued")

	return b.cipher.Encrypt(token)
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
