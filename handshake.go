package pqfsr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kamune-org/pqfsr/pkg/kem"
	"github.com/kamune-org/pqfsr/pkg/replay"
	"github.com/kamune-org/pqfsr/pkg/signature"
)

// HandshakeRequest is sent by the initiator to propose a session, per §4.6.
type HandshakeRequest struct {
	VersionMin         uint8
	VersionMax         uint8
	HandshakeID        [replay.HandshakeIDSize]byte
	KEMPublic          []byte
	RatchetPublic      []byte
	SemanticDigest     [SemanticDigestSize]byte
	SignaturePublicKey []byte
	Signature          []byte
}

// HandshakeResponse is the responder's reply, per §4.6.
type HandshakeResponse struct {
	VersionSelected    uint8
	HandshakeID        [replay.HandshakeIDSize]byte
	KEMCiphertext      []byte
	RatchetPublic      []byte
	SemanticDigest     [SemanticDigestSize]byte
	SignaturePublicKey []byte
	Signature          []byte
}

// canonicalRequestBytes builds the exact byte string the initiator signs:
// the concatenation of every field in declared order, each variable-length
// field length-prefixed with a big-endian uint16, so both peers agree on
// field boundaries before verifying.
func canonicalRequestBytes(r *HandshakeRequest) ([]byte, error) {
	var buf []byte
	buf = append(buf, r.VersionMin, r.VersionMax)
	buf = append(buf, r.HandshakeID[:]...)
	var err error
	buf, err = appendLP(buf, r.KEMPublic)
	if err != nil {
		return nil, err
	}
	buf, err = appendLP(buf, r.RatchetPublic)
	if err != nil {
		return nil, err
	}
	buf = append(buf, r.SemanticDigest[:]...)
	buf, err = appendLP(buf, r.SignaturePublicKey)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// canonicalResponseBytes builds the exact byte string the responder signs,
// including the kem_ciphertext field per §4.6.
func canonicalResponseBytes(r *HandshakeResponse) ([]byte, error) {
	var buf []byte
	buf = append(buf, r.VersionSelected)
	buf = append(buf, r.HandshakeID[:]...)
	var err error
	buf, err = appendLP(buf, r.KEMCiphertext)
	if err != nil {
		return nil, err
	}
	buf, err = appendLP(buf, r.RatchetPublic)
	if err != nil {
		return nil, err
	}
	buf = append(buf, r.SemanticDigest[:]...)
	buf, err = appendLP(buf, r.SignaturePublicKey)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendLP(buf, field []byte) ([]byte, error) {
	if len(field) > math.MaxUint16 {
		return nil, errHandshakeMalformed("field exceeds 65535 bytes", nil)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(field)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, field...)
	return buf, nil
}

// semanticDigest hashes a raw, application-provided hint into the fixed
// 32-byte digest exchanged during handshake. It is a direct SHA-256 rather
// than an HKDF expansion: the closed HKDF label set of §6 has no label
// reserved for this per-party step, only for the session-long combined
// digest.
func semanticDigest(hint []byte) [SemanticDigestSize]byte {
	return sha256.Sum256(hint)
}

// negotiateVersion implements §4.6's responder-side negotiation:
// version_selected = max(min(max_initiator, max_local), min_local); fail if
// that value is below max(min_initiator, min_local).
func negotiateVersion(minInitiator, maxInitiator, minLocal, maxLocal uint8) (uint8, error) {
	selected := max(min(maxInitiator, maxLocal), minLocal)
	floor := max(minInitiator, minLocal)
	if selected < floor {
		return 0, errVersionIncompatible(
			fmt.Sprintf("negotiated version %d below floor %d", selected, floor), nil,
		)
	}
	return selected, nil
}

// createHandshakeRequest builds and signs a HandshakeRequest as the
// initiator from the caller-generated ephemeral handshake KEM keypair and
// the ratchet's starting keypair.
func createHandshakeRequest(
	sig *signature.KeyPair,
	handshakeKEM, ratchetKEM *kem.KEM,
	handshakeID [replay.HandshakeIDSize]byte,
	localHint []byte,
	versionMin, versionMax uint8,
) (*HandshakeRequest, error) {
	req := &HandshakeRequest{
		VersionMin:         versionMin,
		VersionMax:         versionMax,
		HandshakeID:        handshakeID,
		KEMPublic:          handshakeKEM.PublicKey(),
		RatchetPublic:      ratchetKEM.PublicKey(),
		SemanticDigest:     semanticDigest(localHint),
		SignaturePublicKey: sig.PublicKey(),
	}
	transcript, err := canonicalRequestBytes(req)
	if err != nil {
		return nil, errHandshakeMalformed("encoding request transcript", err)
	}
	sigBytes, err := sig.Sign(transcript)
	if err != nil {
		return nil, errCryptoInternal("signing handshake request", err)
	}
	req.Signature = sigBytes
	return req, nil
}

// createHandshakeResponse builds and signs a HandshakeResponse as the
// responder, after encapsulation against the initiator's handshake KEM
// public key has already produced kemCiphertext.
func createHandshakeResponse(
	sig *signature.KeyPair,
	versionSelected uint8,
	handshakeID [replay.HandshakeIDSize]byte,
	kemCiphertext []byte,
	ratchetPublic []byte,
	localHint []byte,
) (*HandshakeResponse, error) {
	resp := &HandshakeResponse{
		VersionSelected:    versionSelected,
		HandshakeID:        handshakeID,
		KEMCiphertext:      kemCiphertext,
		RatchetPublic:      ratchetPublic,
		SemanticDigest:     semanticDigest(localHint),
		SignaturePublicKey: sig.PublicKey(),
	}
	transcript, err := canonicalResponseBytes(resp)
	if err != nil {
		return nil, errHandshakeMalformed("encoding response transcript", err)
	}
	sigBytes, err := sig.Sign(transcript)
	if err != nil {
		return nil, errCryptoInternal("signing handshake response", err)
	}
	resp.Signature = sigBytes
	return resp, nil
}

// verifyRequestSignature verifies the initiator's signature over req,
// reporting a failed verification as CodeSignatureInvalid.
func verifyRequestSignature(req *HandshakeRequest) error {
	pub, err := signature.ParsePublicKey(req.SignaturePublicKey)
	if err != nil {
		return errHandshakeMalformed("parsing request signature public key", err)
	}
	transcript, err := canonicalRequestBytes(req)
	if err != nil {
		return errHandshakeMalformed("encoding request transcript", err)
	}
	if !signature.Verify(pub, transcript, req.Signature) {
		return errSignatureInvalid("handshake request signature did not verify", nil)
	}
	return nil
}

// verifyResponseSignature verifies the responder's signature over resp.
func verifyResponseSignature(resp *HandshakeResponse) error {
	pub, err := signature.ParsePublicKey(resp.SignaturePublicKey)
	if err != nil {
		return errHandshakeMalformed("parsing response signature public key", err)
	}
	transcript, err := canonicalResponseBytes(resp)
	if err != nil {
		return errHandshakeMalformed("encoding response transcript", err)
	}
	if !signature.Verify(pub, transcript, resp.Signature) {
		return errSignatureInvalid("handshake response signature did not verify", nil)
	}
	return nil
}
