package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/thanoskit/tokenbroker/internal/credential"
)

type Config struct {
	Credentials CredentialsConfig
	Endpoints   EndpointsConfig
	Cache       CacheConfig
	Broker      BrokerConfig
	Transport   TransportConfig
	Observe     ObserveConfig
}

// CredentialsConfig selects the token flow and carries its credentials.
type CredentialsConfig struct {
	// Flow is "client_credentials" (default) or "service_account".
	Flow string `env:"TOKENBROKER_FLOW, default=client_credentials"`

	ClientID     string `env:"TOKENBROKER_CLIENT_ID"`
	ClientSecret string `env:"TOKENBROKER_CLIENT_SECRET"`
	Environment  string `env:"TOKENBROKER_ENV, default=production"`

	// HTTPHeaders are sent with every token request, as Name:value pairs
	// separated by commas.
	HTTPHeaders map[string]string `env:"TOKENBROKER_HTTP_HEADERS"`

	// ServiceAccountFile is the path to a JSON or YAML service account
	// document. Required for the service_account flow.
	ServiceAccountFile string `env:"TOKENBROKER_SERVICE_ACCOUNT_FILE"`

	// SigningKeyARN optionally names an AWS KMS key holding the service
	// account private key. When set, the document's private_key is not used.
	SigningKeyARN string `env:"TOKENBROKER_SIGNING_KEY_ARN"`

	Scope string `env:"TOKENBROKER_SCOPE"`
}

type EndpointsConfig struct {
	SandboxURL    string `env:"TOKENBROKER_SANDBOX_URL, default=https://sandbox.firebase.googleapis.com/"`
	ProductionURL string `env:"TOKENBROKER_PRODUCTION_URL, default=https://firebase.googleapis.com/"`
}

// CacheConfig specifies cache configuration.
type CacheConfig struct {
	// Type selects the cache implementation: "file" (default), "memory" or
	// "valkey". Only file and valkey survive across process invocations.
	Type string `env:"CACHE_TYPE, default=file"`

	// Dir is the file cache directory. Empty means the OS temp directory.
	Dir string `env:"CACHE_DIR"`

	TTL time.Duration `env:"CACHE_TTL, default=24h"`

	// SingleFlight collapses concurrent misses for the same key within this
	// process into one token request.
	SingleFlight bool `env:"CACHE_SINGLE_FLIGHT, default=false"`

	MemoryMaxSize int `env:"CACHE_MEMORY_MAX_SIZE, default=10000"`

	// Valkey holds distributed cache settings.
	Valkey ValkeyConfig

	// Encryption holds cache entry encryption settings.
	Encryption CacheEncryptionConfig
}

// ValkeyConfig specifies distributed cache configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	Username string `env:"VALKEY_USERNAME"`
	Password string `env:"VALKEY_PASSWORD"`
}

// CacheEncryptionConfig holds settings for the keyset envelope applied to
// whole cache entries. Tokens are always sealed with the credential-derived
// key; this adds a second, operator-managed layer.
type CacheEncryptionConfig struct {
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is the path to a cleartext Tink JSON keyset.
	KeysetFile string `env:"CACHE_ENCRYPTION_KEYSET_FILE"`
}

type BrokerConfig struct {
	RetryAttempts int           `env:"BROKER_RETRY_ATTEMPTS, default=2"`
	RetryInterval time.Duration `env:"BROKER_RETRY_INTERVAL, default=500ms"`
}

type TransportConfig struct {
	Timeout time.Duration `env:"HTTP_TIMEOUT, default=60s"`

	// InsecureSandbox disables TLS verification for token calls made against
	// the sandbox environment.
	InsecureSandbox bool `env:"HTTP_INSECURE_SANDBOX, default=false"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=tokenbroker"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=false"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Credentials.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid credentials configuration: %w", err)
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if err := cfg.Broker.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid broker configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the variables required by the selected flow are
// present. Field-level validation of the credentials themselves happens when
// they are converted with Credential.
func (c *CredentialsConfig) Validate() error {
	switch credential.Flow(c.Flow) {
	case credential.FlowClientCredentials:
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("TOKENBROKER_CLIENT_ID and TOKENBROKER_CLIENT_SECRET required when TOKENBROKER_FLOW=%s", c.Flow)
		}
	case credential.FlowServiceAccount:
		if c.ServiceAccountFile == "" {
			return fmt.Errorf("TOKENBROKER_SERVICE_ACCOUNT_FILE required when TOKENBROKER_FLOW=%s", c.Flow)
		}
	default:
		return fmt.Errorf("unknown TOKENBROKER_FLOW %q, allowed: %s, %s", c.Flow, credential.FlowClientCredentials, credential.FlowServiceAccount)
	}

	return nil
}

// Credential converts the environment configuration into a validated
// credential. The service account document is read from disk for the
// service_account flow.
func (c CredentialsConfig) Credential() (credential.Config, error) {
	if credential.Flow(c.Flow) == credential.FlowServiceAccount {
		sa, err := credential.ReadServiceAccountFile(c.ServiceAccountFile)
		if err != nil {
			return credential.Config{}, err
		}

		return credential.NewServiceAccount(sa, credential.ServiceAccountOptions{
			Scope:         c.Scope,
			SigningKeyARN: c.SigningKeyARN,
			HTTPHeaders:   c.HTTPHeaders,
		})
	}

	return credential.NewClientCredentials(credential.ClientCredentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Environment:  c.Environment,
		HTTPHeaders:  c.HTTPHeaders,
	})
}

// Endpoints returns the token endpoint base URLs.
func (e EndpointsConfig) Endpoints() credential.Endpoints {
	return credential.Endpoints{
		Sandbox:    e.SandboxURL,
		Production: e.ProductionURL,
	}
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "file", "memory":
	case "valkey":
		if c.Valkey.Address == "" {
			return fmt.Errorf("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
		}
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q, allowed: file, memory, valkey", c.Type)
	}

	if c.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.TTL)
	}

	if c.Encryption.Enabled && c.Encryption.KeysetFile == "" {
		return fmt.Errorf("CACHE_ENCRYPTION_KEYSET_FILE required when encryption enabled")
	}

	return nil
}

func (b *BrokerConfig) Validate() error {
	if b.RetryAttempts < 1 {
		return fmt.Errorf("BROKER_RETRY_ATTEMPTS must be at least 1, got %d", b.RetryAttempts)
	}
	if b.RetryInterval < 0 {
		return fmt.Errorf("BROKER_RETRY_INTERVAL must not be negative, got %s", b.RetryInterval)
	}
	return nil
}
