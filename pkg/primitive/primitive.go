// Package primitive implements the pure cryptographic building blocks that
// the rest of PQ-FSR composes: HKDF-SHA256 derivation, ChaCha20-Poly1305
// sealing, constant-time equality, and secret zeroization. It carries no
// protocol logic.
package primitive

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length in bytes of a derived symmetric key or digest.
	KeySize = 32
	// NonceSize is the length in bytes of a ChaCha20-Poly1305 nonce.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the length in bytes of the AEAD authentication tag.
	TagSize = chacha20poly1305.Overhead
)

// HKDF expands ikm under salt and info into an output of the given length,
// using SHA-256 as specified throughout PQ-FSR.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	h := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key and nonce,
// authenticating aad, returning ciphertext with the 16-byte tag appended.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext (including its trailing tag) with
// ChaCha20-Poly1305 under key and nonce, verifying aad.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of their contents. Mandatory for every tag and digest comparison.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites buf with zeros in place. Best-effort: Go's garbage
// collector may have already copied the backing array elsewhere, but this
// clears every reachable reference a caller still holds.
func Zeroize(buf []byte) {
	if len(buf) == 0 {
		return
	}
	zero := make([]byte, len(buf))
	subtle.ConstantTimeCopy(1, buf, zero)
	runtime.KeepAlive(buf)
}
