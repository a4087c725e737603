package primitive_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/pqfsr/pkg/primitive"
)

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("initial keying material")
	salt := []byte("salt")
	info := []byte("PQ-FSR test")

	a, err := primitive.HKDF(ikm, salt, info, 32)
	require.NoError(t, err)
	b, err := primitive.HKDF(ikm, salt, info, 32)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := primitive.HKDF(ikm, salt, []byte("different info"), 32)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, primitive.KeySize)
	nonce := make([]byte, primitive.NonceSize)
	for i := range key {
		key[i] = byte(i)
	}
	aad := []byte("header bytes")
	plaintext := []byte("hello quantum")

	ct, err := primitive.Seal(key, nonce, plaintext, aad)
	require.NoError(t, err)
	require.Len(t, ct, len(plaintext)+primitive.TagSize)

	pt, err := primitive.Open(key, nonce, ct, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, primitive.KeySize)
	nonce := make([]byte, primitive.NonceSize)
	aad := []byte("header bytes")

	ct, err := primitive.Seal(key, nonce, []byte("hello quantum"), aad)
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = primitive.Open(key, nonce, ct, aad)
	require.Error(t, err)
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key := make([]byte, primitive.KeySize)
	nonce := make([]byte, primitive.NonceSize)

	ct, err := primitive.Seal(key, nonce, []byte("hello quantum"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = primitive.Open(key, nonce, ct, []byte("aad-b"))
	require.Error(t, err)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, primitive.ConstantTimeEqual([]byte("abc"), []byte("abc")))
	require.False(t, primitive.ConstantTimeEqual([]byte("abc"), []byte("abd")))
	require.False(t, primitive.ConstantTimeEqual([]byte("abc"), []byte("ab")))
}

func TestZeroize(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	primitive.Zeroize(buf)
	require.Equal(t, []byte{0, 0, 0, 0}, buf)
}
