package ratchet

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kamune-org/pqfsr/pkg/primitive"
)

const (
	saltSize        = 16
	envelopeMagic   = "PQF1" // marks an at-rest encrypted envelope
	magicSize       = len(envelopeMagic)
	lengthPrefixLen = 4
)

// Serialize encodes the state canonically: CBOR by default, JSON if
// useCBOR is false, per §4.7.
func (s *State) Serialize(useCBOR bool) ([]byte, error) {
	if useCBOR {
		b, err := cbor.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("cbor encoding state: %w", err)
		}
		return b, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("json encoding state: %w", err)
	}
	return b, nil
}

// Deserialize decodes a state previously produced by Serialize, sniffing
// the format from the leading byte: '{' means JSON, anything else is
// treated as CBOR.
func Deserialize(data []byte) (*State, error) {
	if len(data) == 0 {
		return nil, errSerializationError("empty payload", nil)
	}
	var s State
	if data[0] == '{' {
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errSerializationError("decoding json state", err)
		}
	} else {
		if err := cbor.Unmarshal(data, &s); err != nil {
			return nil, errSerializationError("decoding cbor state", err)
		}
	}
	return &s, nil
}

// Export encodes the state and, if password is non-empty, seals it in an
// at-rest AEAD envelope: salt(16) ‖ nonce(12) ‖ magic(4) ‖ length(4) ‖
// ciphertext, where enc_key := HKDF(password, salt, "PQ-FSR at-rest", 32).
// The magic/length pair lets from_serialized recognize the envelope before
// attempting to decrypt it.
func (s *State) Export(useCBOR bool, password []byte) ([]byte, error) {
	encoding, err := s.Serialize(useCBOR)
	if err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return encoding, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, primitive.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	encKey, err := primitive.HKDF(password, salt, []byte(labelAtRest), primitive.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving at-rest key: %w", err)
	}
	sealed, err := primitive.Seal(encKey, nonce, encoding, nil)
	primitive.Zeroize(encKey)
	if err != nil {
		return nil, fmt.Errorf("sealing at-rest envelope: %w", err)
	}

	out := make([]byte, 0, saltSize+primitive.NonceSize+magicSize+lengthPrefixLen+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, []byte(envelopeMagic)...)
	var lenBuf [lengthPrefixLen]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	out = append(out, lenBuf[:]...)
	out = append(out, sealed...)
	return out, nil
}

// FromSerialized decodes bytes produced by Export. If the at-rest envelope
// marker is present, password must be supplied and correct; otherwise the
// bytes are decoded directly as a plain CBOR/JSON encoding.
func FromSerialized(data []byte, password []byte) (*State, error) {
	if looksLikeEnvelope(data) {
		if len(password) == 0 {
			return nil, errSerializationError("envelope requires a password", nil)
		}
		plain, err := openEnvelope(data, password)
		if err != nil {
			return nil, err
		}
		return Deserialize(plain)
	}
	return Deserialize(data)
}

func looksLikeEnvelope(data []byte) bool {
	headerLen := saltSize + primitive.NonceSize + magicSize + lengthPrefixLen
	if len(data) < headerLen {
		return false
	}
	return string(data[saltSize+primitive.NonceSize:saltSize+primitive.NonceSize+magicSize]) == envelopeMagic
}

func openEnvelope(data []byte, password []byte) ([]byte, error) {
	headerLen := saltSize + primitive.NonceSize + magicSize + lengthPrefixLen
	if len(data) < headerLen {
		return nil, errSerializationError("truncated envelope header", nil)
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+primitive.NonceSize]
	lengthOff := saltSize + primitive.NonceSize + magicSize
	sealedLen := binary.BigEndian.Uint32(data[lengthOff : lengthOff+lengthPrefixLen])
	sealed := data[lengthOff+lengthPrefixLen:]
	if uint32(len(sealed)) != sealedLen {
		return nil, errSerializationError("envelope length mismatch", nil)
	}

	encKey, err := primitive.HKDF(password, salt, []byte(labelAtRest), primitive.KeySize)
	if err != nil {
		return nil, errSerializationError("deriving at-rest key", err)
	}
	plain, err := primitive.Open(encKey, nonce, sealed, nil)
	primitive.Zeroize(encKey)
	if err != nil {
		return nil, errSerializationError("decrypting at-rest envelope (wrong password?)", err)
	}
	return plain, nil
}
