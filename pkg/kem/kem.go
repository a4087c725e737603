// Package kem wraps the Kyber-class key encapsulation mechanism (ML-KEM-768)
// used for the per-message ratchet pulse and for the handshake's ephemeral
// key exchange. It mirrors the marshal/parse shape of a classical ECDH wrapper,
// generalized to encapsulate/decapsulate semantics.
package kem

import (
	"crypto/mlkem"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when a parsed public key has the wrong length
// or cannot be decoded.
var ErrInvalidKey = errors.New("kem: invalid key")

// PublicKeySize is the wire length of a marshaled encapsulation key.
const PublicKeySize = mlkem.EncapsulationKeySize768

// CiphertextSize is the wire length of an ML-KEM-768 ciphertext.
const CiphertextSize = mlkem.CiphertextSize768

// SharedSecretSize is the length in bytes of the decapsulated shared secret.
const SharedSecretSize = 32

// KEM holds a local ML-KEM-768 keypair.
type KEM struct {
	decap *mlkem.DecapsulationKey768
}

// Generate creates a fresh ML-KEM-768 keypair.
func Generate() (*KEM, error) {
	decap, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, fmt.Errorf("generating ml-kem-768 keypair: %w", err)
	}
	return &KEM{decap: decap}, nil
}

// PublicKey returns the marshaled encapsulation key to send to the peer.
func (k *KEM) PublicKey() []byte {
	return k.decap.EncapsulationKey().Bytes()
}

// Decapsulate recovers the shared secret from a ciphertext produced by the
// peer's Encapsulate call against this key's public half.
func (k *KEM) Decapsulate(ciphertext []byte) ([]byte, error) {
	ss, err := k.decap.Decapsulate(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulating: %w", err)
	}
	return ss, nil
}

// Restore reconstructs a KEM keypair from a 64-byte decapsulation key seed,
// as produced by Seed.
func Restore(seed []byte) (*KEM, error) {
	decap, err := mlkem.NewDecapsulationKey768(seed)
	if err != nil {
		return nil, fmt.Errorf("restoring ml-kem-768 keypair: %w", err)
	}
	return &KEM{decap: decap}, nil
}

// Seed returns the 64-byte seed from which this keypair was derived, for
// serialization. The private decapsulation key material itself is never
// exposed directly.
func (k *KEM) Seed() []byte {
	return k.decap.Bytes()
}

// Encapsulate generates a shared secret and its ciphertext against a peer's
// marshaled public key.
func Encapsulate(peerPublic []byte) (ciphertext, sharedSecret []byte, err error) {
	encap, err := mlkem.NewEncapsulationKey768(peerPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	sharedSecret, ciphertext = encap.Encapsulate()
	return ciphertext, sharedSecret, nil
}
