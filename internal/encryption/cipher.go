// Package encryption protects cached tokens at rest. Cipher seals short secrets
// with a key derived from the credential configuration; the Tink helpers
// provide an optional keyset-based envelope for whole cache entries.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/thanoskit/tokenbroker/internal/autherr"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the key length required by the cipher. Longer key material
	// is truncated to this length.
	KeySize = 32

	// NonceSize is the length of the random nonce prepended to every
	// ciphertext.
	NonceSize = 24

	// Prefix tags values produced by Encrypt. Only tagged values are
	// considered encrypted.
	Prefix = "tb1:"

	minSealedSize = NonceSize + secretbox.Overhead
)

// Cipher encrypts and decrypts short secrets with a fixed key. When the key
// material is shorter than KeySize the cipher is in passthrough mode: Encrypt
// and Decrypt return their input unchanged, and callers must treat that
// output as not encrypted.
type Cipher struct {
	key         [KeySize]byte
	passthrough bool
	rand        io.Reader
}

// NewCipher derives a cipher key from material by truncating it to KeySize.
// Empty material is an error; short material yields a passthrough cipher.
func NewCipher(material []byte) (*Cipher, error) {
	if len(material) == 0 {
		return nil, autherr.Key("encryption key is empty", nil)
	}

	c := &Cipher{rand: rand.Reader}
	if len(material) < KeySize {
		c.passthrough = true
		return c, nil
	}

	copy(c.key[:], material[:KeySize])
	return c, nil
}

// Passthrough reports whether the key was too short to encrypt.
func (c *Cipher) Passthrough() bool {
	return c.passthrough
}

// Encrypt seals plaintext under a fresh random nonce and returns
// Prefix + base64(nonce || ciphertext). Values that are already encrypted are
// returned unchanged.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}

	if c.passthrough {
		log.Warn().Msg("encryption key shorter than required, storing value unencrypted")
		return plaintext, nil
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(c.rand, nonce[:]); err != nil {
		return "", autherr.Key("generating nonce", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)

	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the encryption tag
// are returned unchanged. A tagged value that fails authentication is an
// error rather than being returned as-is.
func (c *Cipher) Decrypt(data string) (string, error) {
	if !IsEncrypted(data) {
		return data, nil
	}

	if c.passthrough {
		log.Warn().Msg("encryption key shorter than required, cannot decrypt value")
		return data, nil
	}

	sealed, _ := decode(data)

	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[NonceSize:], &nonce, &c.key)
	if !ok {
		return "", autherr.Key("decryption failed: value was sealed with a different key or is corrupted", nil)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether data carries the encryption tag followed by a
// well-formed sealed payload.
func IsEncrypted(data string) bool {
	_, ok := decode(data)
	return ok
}

func decode(data string) ([]byte, bool) {
	encoded, found := strings.CutPrefix(data, Prefix)
	if !found {
		return nil, false
	}

	sealed, err := base64.StdEncoding.Strict().DecodeString(encoded)
	if err != nil || len(sealed) < minSealedSize {
		return nil, false
	}

	return sealed, true
}

// Encrypt is a convenience for NewCipher(key) followed by Encrypt.
func Encrypt(plaintext string, key []byte) (string, error) {
	c, err := NewCipher(key)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt is a convenience for NewCipher(key) followed by Decrypt.
func Decrypt(data string, key []byte) (string, error) {
	c, err := NewCipher(key)
	if err != nil {
		return "", err
	}
	out, err := c.Decrypt(data)
	if err != nil {
		return "", fmt.Errorf("decrypting value: %w", err)
	}
	return out, nil
}
