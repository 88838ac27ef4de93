// Package assertion builds the signed JWT assertions exchanged for access
// tokens in the service account (JWT bearer) flow.
package assertion

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/thanoskit/tokenbroker/internal/autherr"
	"github.com/thanoskit/tokenbroker/internal/credential"
)

// DefaultLifetime is the validity window of an assertion.
const DefaultLifetime = time.Hour

// ScopeClaim is the private claim carrying the requested OAuth scope.
const ScopeClaim = "scope"

// Claims describes a single assertion. Zero IssuedAt means "now"; zero
// Lifetime means DefaultLifetime.
type Claims struct {
	Issuer   string
	Subject  string
	Scope    string
	Audience string
	KeyID    string
	IssuedAt time.Time
	Lifetime time.Duration
}

// ServiceAccountClaims returns the claims used to authenticate as sa against
// tokenURL.
func ServiceAccountClaims(sa credential.ServiceAccount, scope, tokenURL string) Claims {
	if scope == "" {
		scope = credential.DefaultScope
	}

	return Claims{
		Issuer:   sa.ClientEmail,
		Scope:    scope,
		Audience: tokenURL,
		KeyID:    sa.PrivateKeyID,
	}
}

// Builder signs assertions. The zero value is not usable; call NewBuilder.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a builder that stamps assertions with the given clock.
// A nil clock uses time.Now.
func NewBuilder(now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{now: now}
}

// Build returns the compact RS256 serialisation of claims signed with key.
// The key may be a PEM string or []byte (PKCS#1 or PKCS#8), an
// *rsa.PrivateKey, a jwk.Key, or a key from NewKMSSigningKey.
func (b *Builder) Build(claims Claims, key any) (string, error) {
	signingKey, err := resolveKey(key)
	if err != nil {
		return "", err
	}

	if claims.Issuer == "" {
		return "", autherr.Signing("assertion issuer is empty", nil)
	}

	iat := claims.IssuedAt
	if iat.IsZero() {
		iat = b.now()
	}
	lifetime := claims.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	builder := jwt.NewBuilder().
		Issuer(claims.Issuer).
		IssuedAt(iat).
		Expiration(iat.Add(lifetime))
	if claims.Audience != "" {
		builder = builder.Audience([]string{claims.Audience})
	}
	if claims.Subject != "" {
		builder = builder.Subject(claims.Subject)
	}
	if claims.Scope != "" {
		builder = builder.Claim(ScopeClaim, claims.Scope)
	}

	token, err := builder.Build()
	if err != nil {
		return "", autherr.Signing("building assertion claims", err)
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.TypeKey, "JWT"); err != nil {
		return "", autherr.Signing("setting assertion header", err)
	}
	if claims.KeyID != "" {
		if err := headers.Set(jws.KeyIDKey, claims.KeyID); err != nil {
			return "", autherr.Signing("setting assertion key id", err)
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), signingKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", autherr.Signing("signing assertion", err)
	}

	return string(signed), nil
}

func resolveKey(key any) (any, error) {
	switch k := key.(type) {
	case nil:
		return nil, autherr.Signing("no signing key provided", nil)
	case string:
		return ParsePrivateKey([]byte(k))
	case []byte:
		return ParsePrivateKey(k)
	case *rsa.PrivateKey:
		if k == nil {
			return nil, autherr.Signing("no signing key provided", nil)
		}
		return k, nil
	case jwk.Key:
		if _, ok := k.(jwk.RSAPrivateKey); !ok {
			return nil, autherr.Signing(fmt.Sprintf("signing key must be an RSA private key, got %s", k.KeyType()), nil)
		}
		return k, nil
	case *KMSKey:
		if k == nil {
			return nil, autherr.Signing("no signing key provided", nil)
		}
		return k, nil
	default:
		return nil, autherr.Signing(fmt.Sprintf("unsupported signing key type %T", key), nil)
	}
}

// ParsePrivateKey parses a PEM encoded RSA private key. Keys copied from
// environment variables often carry literal `\n` sequences; these are
// expanded before parsing.
func ParsePrivateKey(pemData []byte) (jwk.Key, error) {
	text := strings.TrimSpace(string(pemData))
	if text == "" {
		return nil, autherr.Signing("private key is empty", nil)
	}
	if !strings.Contains(text, "\n") {
		text = strings.ReplaceAll(text, `\n`, "\n")
	}

	key, err := jwk.ParseKey([]byte(text), jwk.WithPEM(true))
	if err != nil {
		return nil, autherr.Signing("could not parse private key", err)
	}

	if _, ok := key.(jwk.RSAPrivateKey); !ok {
		return nil, autherr.Signing(fmt.Sprintf("private key must be RSA, got %s", key.KeyType()), nil)
	}

	return key, nil
}
