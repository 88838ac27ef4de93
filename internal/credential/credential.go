// Package credential validates the credential configuration used to obtain
// access tokens and derives the cache key and encryption key from it.
package credential

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/thanoskit/tokenbroker/internal/autherr"
)

// Flow selects how the broker authenticates against the token endpoint.
type Flow string

const (
	// FlowClientCredentials exchanges a client id/secret pair, signed with
	// HMAC, for a bearer token.
	FlowClientCredentials Flow = "client_credentials"

	// FlowServiceAccount exchanges a self-signed RS256 assertion for a bearer
	// token.
	FlowServiceAccount Flow = "service_account"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// Environments lists the accepted environment selectors.
var Environments = []string{EnvironmentSandbox, EnvironmentProduction}

// DefaultScope is requested by service account assertions when no scope is
// configured.
const DefaultScope = "https://www.googleapis.com/auth/firebase.messaging"

// cacheKeyPrefix namespaces token cache keys derived from a credential.
const cacheKeyPrefix = "thanos_access_token_"

// Config is the validated, read-only credential configuration shared by the
// broker and its collaborators. Construct it with NewClientCredentials or
// NewServiceAccount; the zero value is not usable.
type Config struct {
	flow           Flow
	clientID       string
	clientSecret   string
	environment    string
	httpHeaders    map[string]string
	serviceAccount *ServiceAccount
	scope          string
	signingKeyARN  string
}

// ClientCredentials is the input for the client-credentials flow.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	// Environment is "sandbox" or "production". Empty selects production.
	Environment string
	// HTTPHeaders are sent with every request made for this credential.
	HTTPHeaders map[string]string
}

// ServiceAccountOptions are the optional inputs for the service account flow.
type ServiceAccountOptions struct {
	// Scope requested in the assertion. Empty selects DefaultScope.
	Scope string
	// SigningKeyARN is an AWS KMS key holding the private key. When set, the
	// document's private_key may be empty.
	SigningKeyARN string
	HTTPHeaders   map[string]string
}

// NewClientCredentials validates the client-credentials input. Both the client
// id and secret are mandatory.
func NewClientCredentials(in ClientCredentials) (Config, error) {
	for _, f := range []struct{ name, value string }{
		{"client_id", in.ClientID},
		{"client_secret", in.ClientSecret},
	} {
		if strings.TrimSpace(f.value) == "" {
			return Config{}, autherr.Configuration(fmt.Sprintf("mandatory field `%s` is missing in the provided config data", f.name))
		}
	}

	env, err := normalizeEnvironment(in.Environment)
	if err != nil {
		return Config{}, err
	}

	return Config{
		flow:         FlowClientCredentials,
		clientID:     in.ClientID,
		clientSecret: in.ClientSecret,
		environment:  env,
		httpHeaders:  cloneHeaders(in.HTTPHeaders),
	}, nil
}

// NewServiceAccount validates a service account document for the JWT-bearer
// flow.
func NewServiceAccount(sa ServiceAccount, opts ServiceAccountOptions) (Config, error) {
	if err := sa.validate(opts.SigningKeyARN != ""); err != nil {
		return Config{}, err
	}

	scope := opts.Scope
	if scope == "" {
		scope = DefaultScope
	}

	doc := sa
	return Config{
		flow:           FlowServiceAccount,
		clientID:       sa.ClientID,
		environment:    EnvironmentProduction,
		httpHeaders:    cloneHeaders(opts.HTTPHeaders),
		serviceAccount: &doc,
		scope:          scope,
		signingKeyARN:  opts.SigningKeyARN,
	}, nil
}

// cloneHeaders copies h, storing an empty map as nil so that no headers and
// an empty header map fingerprint the same.
func cloneHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	return maps.Clone(h)
}

func normalizeEnvironment(env string) (string, error) {
	if env == "" {
		return EnvironmentProduction, nil
	}
	if !slices.Contains(Environments, env) {
		return "", autherr.Configuration(fmt.Sprintf(
			"invalid environment provided: `%s`, allowed: %s", env, strings.Join(Environments, ", "),
		))
	}
	return env, nil
}

func (c Config) Flow() Flow { return c.flow }

func (c Config) ClientID() string { return c.clientID }

func (c Config) ClientSecret() string { return c.clientSecret }

func (c Config) Environment() string { return c.environment }

func (c Config) IsSandbox() bool { return c.environment == EnvironmentSandbox }

func (c Config) Scope() string { return c.scope }

func (c Config) SigningKeyARN() string { return c.signingKeyARN }

// HTTPHeaders returns a copy of the configured extra headers.
func (c Config) HTTPHeaders() map[string]string {
	return maps.Clone(c.httpHeaders)
}

// ServiceAccount returns a copy of the service account document, if any.
func (c Config) ServiceAccount() (ServiceAccount, bool) {
	if c.serviceAccount == nil {
		return ServiceAccount{}, false
	}
	return *c.serviceAccount, true
}

// fingerprintDoc is the canonical serialisation of every credential field.
// encoding/json emits struct fields in declaration order and map keys sorted,
// so equal configurations always serialise identically.
type fingerprintDoc struct {
	Flow           Flow              `json:"flow"`
	ClientID       string            `json:"client_id"`
	ClientSecret   string            `json:"client_secret"`
	Environment    string            `json:"env"`
	HTTPHeaders    map[string]string `json:"http_headers"`
	Scope          string            `json:"scope"`
	SigningKeyARN  string            `json:"signing_key_arn"`
	ServiceAccount *ServiceAccount   `json:"service_account"`
}

// Fingerprint is the canonical serialisation of the full configuration. Any
// change to any field changes the fingerprint.
func (c Config) Fingerprint() string {
	data, err := json.Marshal(fingerprintDoc{
		Flow:           c.flow,
		ClientID:       c.clientID,
		ClientSecret:   c.clientSecret,
		Environment:    c.environment,
		HTTPHeaders:    cloneHeaders(c.httpHeaders),
		Scope:          c.scope,
		SigningKeyARN:  c.signingKeyARN,
		ServiceAccount: c.serviceAccount,
	})
	if err != nil {
		// only strings and string maps are marshalled
		panic(fmt.Sprintf("credential fingerprint: %v", err))
	}
	return string(data)
}

// CacheKey identifies the cached token for this configuration.
func (c Config) CacheKey() string {
	sum := sha256.Sum256([]byte(c.Fingerprint()))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Digest is a short, non-secret identifier of the configuration suitable for
// logs.
func (c Config) Digest() string {
	sum := sha256.Sum256([]byte(c.Fingerprint()))
	return hex.EncodeToString(sum[:6])
}

// EncryptionKey is the key material used to encrypt this credential's cached
// token. It is 32 ASCII bytes, the key size of the token cipher.
func (c Config) EncryptionKey() []byte {
	sum := md5.Sum([]byte(c.Fingerprint()))
	return []byte(hex.EncodeToString(sum[:]))
}
