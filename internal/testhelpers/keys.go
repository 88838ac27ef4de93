package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
	"github.com/thanoskit/tokenbroker/internal/credential"
)

// RSAKey is an RSA key pair in the encodings the broker accepts.
type RSAKey struct {
	Private *rsa.PrivateKey
	JWK     jwk.Key
	KeyID   string
}

// GenerateRSAKey generates an RSA 2048-bit key pair for signing assertions in
// tests.
func GenerateRSAKey(t *testing.T) RSAKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	key, err := jwk.Import(privateKey)
	require.NoError(t, err, "failed to import private key as JWK")

	require.NoError(t, key.Set(jwk.KeyIDKey, "test-kid"), "failed to set KeyID")
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256()), "failed to set Algorithm")

	return RSAKey{
		Private: privateKey,
		JWK:     key,
		KeyID:   "test-kid",
	}
}

// PKCS1PEM returns the private key as an "RSA PRIVATE KEY" PEM block.
func (k RSAKey) PKCS1PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.Private),
	}))
}

// PKCS8PEM returns the private key as a "PRIVATE KEY" PEM block, the form
// found in service account documents.
func (k RSAKey) PKCS8PEM(t *testing.T) string {
	t.Helper()

	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	require.NoError(t, err, "failed to marshal PKCS#8 key")

	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}))
}

// ServiceAccount returns a complete service account document for the key,
// exchanging tokens at tokenURI.
func (k RSAKey) ServiceAccount(t *testing.T, tokenURI string) credential.ServiceAccount {
	t.Helper()

	return credential.ServiceAccount{
		Type:         "service_account",
		ProjectID:    "tokenbroker-test",
		PrivateKeyID: k.KeyID,
		PrivateKey:   k.PKCS8PEM(t),
		ClientEmail:  "broker@tokenbroker-test.iam.gserviceaccount.com",
		ClientID:     "1234567890",
		TokenURI:     tokenURI,
	}
}
