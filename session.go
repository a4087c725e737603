package pqfsr

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kamune-org/pqfsr/pkg/kem"
	"github.com/kamune-org/pqfsr/pkg/ratchet"
	"github.com/kamune-org/pqfsr/pkg/replay"
	"github.com/kamune-org/pqfsr/pkg/signature"
	"github.com/kamune-org/pqfsr/pkg/wire"
)

// Phase is a Session's position in the handshake state machine of §4.6.
type Phase int

const (
	// PhaseInit is the starting phase for both roles: only semantic_hint,
	// max_skip, and signing material are materialized.
	PhaseInit Phase = iota
	// PhaseAwaitingResponse is the initiator's phase after sending a
	// HandshakeRequest, before a matching HandshakeResponse arrives.
	PhaseAwaitingResponse
	// PhaseReady means the ratchet has been bootstrapped; Encrypt/Decrypt
	// are available.
	PhaseReady
	// PhaseFailed is terminal: any malformed handshake input lands here and
	// the Session must be discarded.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Session orchestrates the handshake state machine, version negotiation,
// signature issuance/verification, replay checks, and the encrypt/decrypt
// dispatch to its ratchet (§4.6, §7). A Session owns its ratchet exclusively
// and never hands a reference back; there is no cycle between the two.
//
// A Session is not safe for concurrent use: callers serialize encrypt,
// decrypt, handshake steps, and export on the same Session externally (§5).
type Session struct {
	cfg    *Config
	logger *slog.Logger

	phase       Phase
	isInitiator bool

	semanticHint []byte

	sig          *signature.KeyPair
	handshakeKEM *kem.KEM // ephemeral keypair used only for the handshake's own encapsulation
	ratchetKEM   *kem.KEM // starting keypair for the dual ratchet

	handshakeID [replay.HandshakeIDSize]byte

	ratchet *ratchet.Ratchet
}

// NewInitiator creates a Session that will drive the initiator side of a
// handshake: semanticHint is this party's raw application-provided entropy
// (≤ MaxSemanticHintSize bytes), fed into the local semantic digest.
func NewInitiator(semanticHint []byte, opts ...Option) (*Session, error) {
	return newSession(true, semanticHint, opts)
}

// NewResponder creates a Session that will drive the responder side of a
// handshake.
func NewResponder(semanticHint []byte, opts ...Option) (*Session, error) {
	return newSession(false, semanticHint, opts)
}

func newSession(isInitiator bool, semanticHint []byte, opts []Option) (*Session, error) {
	if len(semanticHint) > MaxSemanticHintSize {
		return nil, errHandshakeMalformed(
			fmt.Sprintf("semantic hint exceeds %d bytes", MaxSemanticHintSize), nil)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	sig, err := signature.Generate()
	if err != nil {
		return nil, errCryptoInternal("generating handshake signing keypair", err)
	}

	return &Session{
		cfg:          cfg,
		logger:       cfg.logOrDefault(),
		phase:        PhaseInit,
		isInitiator:  isInitiator,
		semanticHint: append([]byte(nil), semanticHint...),
		sig:          sig,
	}, nil
}

// Phase reports the Session's current position in the handshake state
// machine.
func (s *Session) Phase() Phase { return s.phase }

// IsInitiator reports the role this Session was created with.
func (s *Session) IsInitiator() bool { return s.isInitiator }

func (s *Session) fail(err error) error {
	s.phase = PhaseFailed
	s.logger.Warn("session entering failed phase", slog.String("error", err.Error()))
	return err
}

// CreateHandshakeRequest builds and signs this party's HandshakeRequest, per
// §4.6. Only valid for an initiator Session in PhaseInit.
func (s *Session) CreateHandshakeRequest() (*HandshakeRequest, error) {
	if !s.isInitiator {
		return nil, s.fail(errHandshakeMalformed("create_handshake_request: not an initiator session", nil))
	}
	if s.phase != PhaseInit {
		return nil, s.fail(errHandshakeMalformed(
			fmt.Sprintf("create_handshake_request: invalid phase %s", s.phase), nil))
	}

	handshakeKEM, err := kem.Generate()
	if err != nil {
		return nil, s.fail(errCryptoInternal("generating handshake kem keypair", err))
	}
	ratchetKEM, err := kem.Generate()
	if err != nil {
		return nil, s.fail(errCryptoInternal("generating ratchet starting keypair", err))
	}
	handshakeID, err := replay.NewHandshakeID(s.cfg.clock())
	if err != nil {
		return nil, s.fail(errCryptoInternal("generating handshake id", err))
	}

	req, err := createHandshakeRequest(
		s.sig, handshakeKEM, ratchetKEM, handshakeID, s.semanticHint, s.cfg.versionMin, s.cfg.versionMax)
	if err != nil {
		return nil, s.fail(err)
	}

	localCache, err := s.cfg.localReplayCache()
	if err != nil {
		return nil, s.fail(errCryptoInternal("initializing local replay cache", err))
	}
	localCache.CheckAndRecord(handshakeID) // record our own id; FinalizeHandshake matches against s.handshakeID

	s.handshakeKEM = handshakeKEM
	s.ratchetKEM = ratchetKEM
	s.handshakeID = handshakeID
	s.phase = PhaseAwaitingResponse
	return req, nil
}

// AcceptHandshake runs the responder's side of §4.6: replay check, version
// negotiation, signature verification, encapsulation, and ratchet
// bootstrap. Only valid for a responder Session in PhaseInit. On success the
// Session transitions directly to PhaseReady.
func (s *Session) AcceptHandshake(req *HandshakeRequest) (*HandshakeResponse, error) {
	if s.isInitiator {
		return nil, s.fail(errHandshakeMalformed("accept_handshake: not a responder session", nil))
	}
	if s.phase != PhaseInit {
		return nil, s.fail(errHandshakeMalformed(
			fmt.Sprintf("accept_handshake: invalid phase %s", s.phase), nil))
	}
	if req == nil {
		return nil, s.fail(errHandshakeMalformed("accept_handshake: nil request", nil))
	}

	localCache, err := s.cfg.localReplayCache()
	if err != nil {
		return nil, s.fail(errCryptoInternal("initializing local replay cache", err))
	}
	if result := s.cfg.globalReplayCache().CheckAndRecord(req.HandshakeID); result != replay.Ok {
		return nil, s.fail(errHandshakeReplay(fmt.Sprintf("global cache: %s", result), nil))
	}
	if result := localCache.CheckAndRecord(req.HandshakeID); result != replay.Ok {
		return nil, s.fail(errHandshakeReplay(fmt.Sprintf("local cache: %s", result), nil))
	}

	versionSelected, err := negotiateVersion(req.VersionMin, req.VersionMax, s.cfg.versionMin, s.cfg.versionMax)
	if err != nil {
		return nil, s.fail(err)
	}

	if err := verifyRequestSignature(req); err != nil {
		return nil, s.fail(err)
	}

	kemCiphertext, sharedSecret, err := kem.Encapsulate(req.KEMPublic)
	if err != nil {
		return nil, s.fail(errKemFailure("encapsulating to initiator's handshake key", err))
	}

	ratchetKEM, err := kem.Generate()
	if err != nil {
		return nil, s.fail(errCryptoInternal("generating ratchet starting keypair", err))
	}

	localDigest := semanticDigest(s.semanticHint)
	remoteDigest := req.SemanticDigest
	r, err := ratchet.Bootstrap(
		false, sharedSecret, localDigest[:], remoteDigest[:], ratchetKEM, req.RatchetPublic,
		s.cfg.maxSkip, s.cfg.mode)
	if err != nil {
		return nil, s.fail(errCryptoInternal("bootstrapping ratchet", err))
	}

	resp, err := createHandshakeResponse(
		s.sig, versionSelected, req.HandshakeID, kemCiphertext, ratchetKEM.PublicKey(), s.semanticHint)
	if err != nil {
		return nil, s.fail(err)
	}

	s.ratchetKEM = ratchetKEM
	s.handshakeID = req.HandshakeID
	s.ratchet = r
	s.phase = PhaseReady
	s.logger.Debug("handshake accepted", slog.Int("version_selected", int(versionSelected)))
	return resp, nil
}

// FinalizeHandshake runs the initiator's side of §4.6 once a
// HandshakeResponse arrives: handshake-id match, signature verification,
// negotiated-version bound check, decapsulation, and ratchet bootstrap.
// Only valid for an initiator Session in PhaseAwaitingResponse.
func (s *Session) FinalizeHandshake(resp *HandshakeResponse) error {
	if !s.isInitiator {
		return s.fail(errHandshakeMalformed("finalize_handshake: not an initiator session", nil))
	}
	if s.phase != PhaseAwaitingResponse {
		return s.fail(errHandshakeMalformed(
			fmt.Sprintf("finalize_handshake: invalid phase %s", s.phase), nil))
	}
	if resp == nil {
		return s.fail(errHandshakeMalformed("finalize_handshake: nil response", nil))
	}

	if resp.HandshakeID != s.handshakeID {
		return s.fail(errHandshakeMalformed("finalize_handshake: handshake id does not match request", nil))
	}

	if err := verifyResponseSignature(resp); err != nil {
		return s.fail(err)
	}

	if resp.VersionSelected < s.cfg.versionMin || resp.VersionSelected > s.cfg.versionMax {
		return s.fail(errVersionIncompatible(
			fmt.Sprintf("responder selected version %d outside advertised range [%d, %d]",
				resp.VersionSelected, s.cfg.versionMin, s.cfg.versionMax), nil))
	}

	sharedSecret, err := s.handshakeKEM.Decapsulate(resp.KEMCiphertext)
	if err != nil {
		return s.fail(errKemFailure("decapsulating handshake response", err))
	}

	localDigest := semanticDigest(s.semanticHint)
	remoteDigest := resp.SemanticDigest
	r, err := ratchet.Bootstrap(
		true, sharedSecret, localDigest[:], remoteDigest[:], s.ratchetKEM, resp.RatchetPublic,
		s.cfg.maxSkip, s.cfg.mode)
	if err != nil {
		return s.fail(errCryptoInternal("bootstrapping ratchet", err))
	}

	s.ratchet = r
	s.phase = PhaseReady
	s.logger.Debug("handshake finalized", slog.Int("version_selected", int(resp.VersionSelected)))
	return nil
}

// Encrypt seals plaintext into a Packet, invoking the adaptive strategy and
// possibly performing a KEM pulse, per §4.2. Only valid in PhaseReady.
func (s *Session) Encrypt(plaintext []byte) (*wire.Packet, error) {
	if s.phase != PhaseReady {
		return nil, errHandshakeMalformed(fmt.Sprintf("encrypt: invalid phase %s", s.phase), nil)
	}
	p, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, translateRatchetError(err)
	}
	return p, nil
}

// Decrypt opens an inbound Packet, following the KEM or hash path of §4.2.
// Only valid in PhaseReady.
func (s *Session) Decrypt(p *wire.Packet) ([]byte, error) {
	if s.phase != PhaseReady {
		return nil, errHandshakeMalformed(fmt.Sprintf("decrypt: invalid phase %s", s.phase), nil)
	}
	pt, err := s.ratchet.Decrypt(p)
	if err != nil {
		return nil, translateRatchetError(err)
	}
	return pt, nil
}

// Seal is a transport convenience combining Encrypt with the wire codec.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	p, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	encoded, err := p.Encode()
	if err != nil {
		return nil, errSerializationError("encoding packet", err)
	}
	return encoded, nil
}

// Open is a transport convenience combining the wire codec with Decrypt.
func (s *Session) Open(data []byte) ([]byte, error) {
	p, err := wire.Decode(data)
	if err != nil {
		return nil, errSerializationError("decoding packet", err)
	}
	return s.Decrypt(p)
}

// ExportState snapshots and encodes this Session's ratchet state, per §4.7.
// Only valid in PhaseReady. If password is non-empty the encoding is sealed
// in an at-rest envelope.
func (s *Session) ExportState(useCBOR bool, password []byte) ([]byte, error) {
	if s.phase != PhaseReady {
		return nil, errHandshakeMalformed(fmt.Sprintf("export_state: invalid phase %s", s.phase), nil)
	}
	data, err := s.ratchet.Snapshot().Export(useCBOR, password)
	if err != nil {
		return nil, errSerializationError("exporting ratchet state", err)
	}
	return data, nil
}

// Resume reconstructs a Ready Session from bytes produced by ExportState,
// per §4.7's from_serialized. The Session's role is recovered from the
// encoded state itself. The semantic hint is taken from the state too, but
// the ratchet never records one, so the resumed Session's hint is empty.
func Resume(data []byte, password []byte, opts ...Option) (*Session, error) {
	state, err := ratchet.FromSerialized(data, password)
	if err != nil {
		return nil, errSerializationError("decoding ratchet state", err)
	}
	r, err := ratchet.Restore(state)
	if err != nil {
		return nil, errSerializationError("restoring ratchet", err)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	sig, err := signature.Generate()
	if err != nil {
		return nil, errCryptoInternal("generating handshake signing keypair", err)
	}

	return &Session{
		cfg:          cfg,
		logger:       cfg.logOrDefault(),
		phase:        PhaseReady,
		isInitiator:  state.IsInitiator,
		semanticHint: append([]byte(nil), state.SemanticHint...),
		sig:          sig,
		ratchet:      r,
	}, nil
}

// Destroy zeroizes every secret this Session's ratchet holds. The Session
// must not be used afterward.
func (s *Session) Destroy() {
	if s.ratchet != nil {
		s.ratchet.Destroy()
	}
}

// translateRatchetError maps pkg/ratchet's sentinel errors onto the public
// error taxonomy of §7, collapsing every authentication-adjacent failure
// (AEAD open, semantic-tag mismatch, rejected KEM ciphertext) onto the same
// code so none of them acts as a distinguishing oracle.
func translateRatchetError(err error) error {
	switch {
	case errors.Is(err, ratchet.ErrSkipTooLarge):
		return errSkipTooLarge("counter gap exceeds max_skip", err)
	case errors.Is(err, ratchet.ErrOutOfOrderUnknown):
		return errOutOfOrderUnknown("no cached key for out-of-order counter", err)
	case errors.Is(err, ratchet.ErrKemFailure):
		return errAuthFailure("kem operation failed", err)
	case errors.Is(err, ratchet.ErrAuthFailure):
		return errAuthFailure("authentication failed", err)
	default:
		return errCryptoInternal("ratchet operation failed", err)
	}
}
