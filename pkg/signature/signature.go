// Package signature wraps the Dilithium-class lattice signature scheme
// (ML-DSA-65) used exclusively at handshake time to authenticate the
// transcript. It carries no classical fallback: PQ-FSR signs with
// post-quantum primitives only.
package signature

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// ErrInvalidKey is returned when a public key cannot be parsed.
var ErrInvalidKey = errors.New("signature: invalid key")

// PublicKeySize is the wire length of a marshaled ML-DSA-65 public key.
const PublicKeySize = mldsa65.PublicKeySize

// SignatureSize is the length in bytes of an ML-DSA-65 signature.
const SignatureSize = mldsa65.SignatureSize

// KeyPair holds an ML-DSA-65 signing keypair.
type KeyPair struct {
	public  *mldsa65.PublicKey
	private *mldsa65.PrivateKey
}

// Generate creates a fresh ML-DSA-65 keypair.
func Generate() (*KeyPair, error) {
	public, private, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating mldsa65 keypair: %w", err)
	}
	return &KeyPair{public: public, private: private}, nil
}

// PublicKey returns the marshaled public key to advertise to the peer.
func (k *KeyPair) PublicKey() []byte {
	b, err := k.public.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("marshalling mldsa65 public key: %w", err))
	}
	return b
}

// Sign produces a randomized ML-DSA-65 signature over msg with an empty
// context string.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(k.private, msg, nil, true, sig); err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// ParsePublicKey decodes a marshaled public key received from a peer.
func ParsePublicKey(remote []byte) (*mldsa65.PublicKey, error) {
	pub, err := mldsa65.Scheme().UnmarshalBinaryPublicKey(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	mlPub, ok := pub.(*mldsa65.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return mlPub, nil
}

// Verify reports whether sig authenticates msg under pub. The boolean
// result itself is returned in constant time by the underlying verifier's
// contract; callers must compare it directly rather than branch on partial
// checks.
func Verify(pub *mldsa65.PublicKey, msg, sig []byte) bool {
	return mldsa65.Verify(pub, msg, nil, sig)
}
