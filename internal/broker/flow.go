package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thanoskit/tokenbroker/internal/assertion"
	"github.com/thanoskit/tokenbroker/internal/audit"
	"github.com/thanoskit/tokenbroker/internal/autherr"
	"github.com/thanoskit/tokenbroker/internal/credential"
	"github.com/thanoskit/tokenbroker/internal/signature"
)

const (
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	formContentType = "application/x-www-form-urlencoded"
)

// TokenRequest is a token endpoint call prepared by a Flow.
type TokenRequest struct {
	URL     string
	Body    []byte
	Headers map[string]string
}

// Flow builds token requests for one authentication flavour and extracts the
// token from successful responses.
type Flow interface {
	Name() string
	Request(ctx context.Context) (TokenRequest, error)
	ParseToken(ctx context.Context, body []byte) (string, error)
}

// ClientCredentials exchanges a client id and secret for a token. The form
// body is signed with the client secret, and the token is returned under
// data.access_token.
type ClientCredentials struct {
	tokenURL string
	payload  map[string]string
	signer   *signature.Signer
}

func NewClientCredentials(cfg credential.Config, endpoints credential.Endpoints) *ClientCredentials {
	return &ClientCredentials{
		tokenURL: endpoints.TokenURL(cfg),
		payload: map[string]string{
			"client_id":     cfg.ClientID(),
			"client_secret": cfg.ClientSecret(),
			"grant_type":    GrantTypeClientCredentials,
		},
		signer: signature.NewSigner(cfg.ClientSecret()),
	}
}

func (f *ClientCredentials) Name() string {
	return string(credential.FlowClientCredentials)
}

func (f *ClientCredentials) Request(context.Context) (TokenRequest, error) {
	sig := f.signer.Sign(f.payload)
	if sig == "" {
		return TokenRequest{}, autherr.Signing("failed to sign token request", nil)
	}

	form := url.Values{}
	for k, v := range f.payload {
		form.Set(k, v)
	}

	return TokenRequest{
		URL:  f.tokenURL,
		Body: []byte(form.Encode()),
		Headers: map[string]string{
			"Content-Type":   formContentType,
			signature.Header: sig,
		},
	}, nil
}

type nestedTokenResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	} `json:"data"`
}

func (f *ClientCredentials) ParseToken(ctx context.Context, body []byte) (string, error) {
	var resp nestedTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", autherr.Validation(fmt.Sprintf("failed to parse access token response: %v", err))
	}

	if resp.Data.AccessToken == "" {
		return "", autherr.Validation("access token not found in response")
	}

	audit.Log(ctx).TokenType = resp.Data.TokenType

	return resp.Data.AccessToken, nil
}

// JWTBearer exchanges a signed service account assertion for a token. The
// token is returned at the top level of the response.
type JWTBearer struct {
	tokenURL string
	claims   assertion.Claims
	key      any
	builder  *assertion.Builder
}

// NewJWTBearer creates the service account flow. key signs the assertion: a
// PEM private key, a parsed key or a KMS signing key. A nil key uses the
// private key from the service account document.
func NewJWTBearer(cfg credential.Config, key any, now func() time.Time) (*JWTBearer, error) {
	sa, ok := cfg.ServiceAccount()
	if !ok {
		return nil, autherr.Configuration("service account flow requires a service account document")
	}

	if key == nil {
		if cfg.SigningKeyARN() != "" {
			return nil, autherr.Configuration("signing key ARN configured but no signing key supplied")
		}
		key = sa.PrivateKey
	}

	return &JWTBearer{
		tokenURL: sa.TokenURI,
		claims:   assertion.ServiceAccountClaims(sa, cfg.Scope(), sa.TokenURI),
		key:      key,
		builder:  assertion.NewBuilder(now),
	}, nil
}

func (f *JWTBearer) Name() string {
	return string(credential.FlowServiceAccount)
}

func (f *JWTBearer) Request(context.Context) (TokenRequest, error) {
	signed, err := f.builder.Build(f.claims, f.key)
	if err != nil {
		return TokenRequest{}, err
	}

	form := url.Values{
		"grant_type": {GrantTypeJWTBearer},
		"assertion":  {signed},
	}

	return TokenRequest{
		URL:     f.tokenURL,
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": formContentType},
	}, nil
}

type topLevelTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (f *JWTBearer) ParseToken(ctx context.Context, body []byte) (string, error) {
	var resp topLevelTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", autherr.Validation(fmt.Sprintf("failed to parse access token response: %v", err))
	}

	if resp.AccessToken == "" {
		return "", autherr.Validation("access token not found in response")
	}

	entry := audit.Log(ctx)
	entry.TokenType = resp.TokenType
	entry.ExpiresInSecs = int(resp.ExpiresIn)

	log.Ctx(ctx).Debug().
		Str("token_type", resp.TokenType).
		Int64("expires_in", resp.ExpiresIn).
		Msg("service account token issued")

	return resp.AccessToken, nil
}
