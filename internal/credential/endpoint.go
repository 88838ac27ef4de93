package credential

import "strings"

const (
	DefaultProductionURL = "https://firebase.googleapis.com/"
	DefaultSandboxURL    = "https://sandbox.firebase.googleapis.com/"

	// TokenPath is appended to the environment base URL for the
	// client-credentials token endpoint.
	TokenPath = "oauth2/v4/token"
)

// Endpoints holds the base URLs for each environment.
type Endpoints struct {
	Sandbox    string
	Production string
}

// DefaultEndpoints returns the published base URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Sandbox:    DefaultSandboxURL,
		Production: DefaultProductionURL,
	}
}

// BaseURL returns the base URL for the configuration's environment.
func (e Endpoints) BaseURL(cfg Config) string {
	base := e.Production
	if cfg.IsSandbox() {
		base = e.Sandbox
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// TokenURL returns the token endpoint for cfg. Service accounts carry their own
// token URI; client credentials use the environment base URL.
func (e Endpoints) TokenURL(cfg Config) string {
	if sa, ok := cfg.ServiceAccount(); ok {
		return sa.TokenURI
	}
	return e.BaseURL(cfg) + TokenPath
}
