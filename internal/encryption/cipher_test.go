package encryption

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanoskit/tokenbroker/internal/autherr"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestCipher_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "token", plaintext: "ya29.a0AfH6SMBx"},
		{name: "single character", plaintext: "x"},
		{name: "unicode", plaintext: "τοκεν-🔑"},
		{name: "long", plaintext: strings.Repeat("abc", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCipher(testKey)
			require.NoError(t, err)

			sealed, err := c.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, sealed)
			assert.True(t, IsEncrypted(sealed))
			assert.True(t, strings.HasPrefix(sealed, Prefix))

			opened, err := c.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, opened)
		})
	}
}

func TestCipher_FreshNoncePerCall(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	first, err := c.Encrypt("same")
	require.NoError(t, err)
	second, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCipher_EncryptIsIdempotent(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	once, err := c.Encrypt("token")
	require.NoError(t, err)

	twice, err := c.Encrypt(once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestCipher_DecryptPlaintextIsNoop(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	for _, v := range []string{"", "plain-token", Prefix, Prefix + "not base64!", Prefix + "c2hvcnQ="} {
		out, err := c.Decrypt(v)
		require.NoError(t, err)
		assert.Equal(t, v, out)
	}
}

func TestCipher_KeyTruncation(t *testing.T) {
	long := append(bytes.Clone(testKey), []byte("ignored-suffix")...)

	sealed, err := Encrypt("token", long)
	require.NoError(t, err)

	opened, err := Decrypt(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, "token", opened)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	sealed, err := Encrypt("token", testKey)
	require.NoError(t, err)

	_, err = Decrypt(sealed, []byte("ffffffffffffffffffffffffffffffff"))
	require.Error(t, err)
	assert.ErrorIs(t, err, autherr.ErrKey)
}

func TestCipher_TamperedCiphertextFails(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("token")
	require.NoError(t, err)

	sealedBytes, ok := decode(sealed)
	require.True(t, ok)
	sealedBytes[len(sealedBytes)-1] ^= 0xff

	tampered := Prefix + base64.StdEncoding.EncodeToString(sealedBytes)
	_, err = c.Decrypt(tampered)
	assert.ErrorIs(t, err, autherr.ErrKey)
}

func TestNewCipher_EmptyKey(t *testing.T) {
	c, err := NewCipher(nil)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, autherr.ErrKey)

	_, err = Encrypt("token", []byte{})
	assert.ErrorIs(t, err, autherr.ErrKey)
}

func TestNewCipher_ShortKeyPassesThrough(t *testing.T) {
	c, err := NewCipher([]byte("short"))
	require.NoError(t, err)
	assert.True(t, c.Passthrough())

	out, err := c.Encrypt("token")
	require.NoError(t, err)
	assert.Equal(t, "token", out)
	assert.False(t, IsEncrypted(out))
}

func TestCipher_NonceFailure(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	c.rand = errReader{}

	_, err = c.Encrypt("token")
	assert.ErrorIs(t, err, autherr.ErrKey)
}

func TestIsEncrypted(t *testing.T) {
	sealed, err := Encrypt("", testKey)
	require.NoError(t, err)

	assert.True(t, IsEncrypted(sealed), "empty plaintext still produces a sealed value")
	assert.False(t, IsEncrypted(""))
	assert.False(t, IsEncrypted("tb2:"+strings.TrimPrefix(sealed, Prefix)))
	assert.False(t, IsEncrypted(strings.TrimPrefix(sealed, Prefix)))
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy unavailable")
}
