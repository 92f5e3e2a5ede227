package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T, version int) *Encryptor {
	t.Helper()
	enc, err := NewEncryptor("test-key", "test-salt", version)
	require.NoError(t, err)
	return enc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t, 1)

	sealed, err := enc.Encrypt("the user prefers dark roast")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))
	assert.True(t, IsEnvelope(sealed))

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "the user prefers dark roast", plain)
}

func TestEncryptProducesFreshIV(t *testing.T) {
	enc := newTestEncryptor(t, 1)
	a, err := enc.Encrypt("same content")
	require.NoError(t, err)
	b, err := enc.Encrypt("same content")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	enc := newTestEncryptor(t, 1)

	// Rows written before encryption was enabled stay readable.
	plain, err := enc.Decrypt("legacy plaintext row")
	require.NoError(t, err)
	assert.Equal(t, "legacy plaintext row", plain)

	// A "v..." prefix without the envelope shape is plaintext too.
	plain, err = enc.Decrypt("version two of the doc")
	require.NoError(t, err)
	assert.Equal(t, "version two of the doc", plain)
}

func TestDecryptKeyVersionMismatch(t *testing.T) {
	v1 := newTestEncryptor(t, 1)
	v2 := newTestEncryptor(t, 2)

	sealed, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	enc := newTestEncryptor(t, 1)
	sealed, err := enc.Encrypt("secret")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "zz"
	_, err = enc.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestNewEncryptorRejectsEmptyMaterial(t *testing.T) {
	_, err := NewEncryptor("", "salt", 1)
	assert.Error(t, err)
	_, err = NewEncryptor("key", "", 1)
	assert.Error(t, err)
}

func TestIsEnvelope(t *testing.T) {
	assert.False(t, IsEnvelope("plain text"))
	assert.False(t, IsEnvelope("v0:abc:def"))
	assert.False(t, IsEnvelope("vx:abc:def"))
	assert.True(t, IsEnvelope("v3:abc:def"))
}
