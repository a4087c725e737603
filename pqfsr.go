// Package pqfsr implements PQ-FSR, a post-quantum forward-secret ratchet
// for asynchronous two-party messaging. It provides confidentiality,
// integrity, forward secrecy, and post-compromise security using only
// post-quantum primitives: ML-KEM-768 encapsulation in place of a
// Diffie-Hellman ratchet step, ML-DSA-65 for handshake signatures,
// HKDF-SHA256 for every derivation, and ChaCha20-Poly1305 for sealing.
//
// This package covers the cryptographic engine only: the handshake state
// machine, the dual ratchet, the skipped-message and replay-protection
// caches, the wire codec, and session state serialization. Transport,
// long-term identity management, and group messaging are out of scope and
// are expected to be layered on top by a caller.
package pqfsr

import "time"

// ProtocolVersion is the wire protocol version this package speaks.
const ProtocolVersion = 1

// MaxSemanticHintSize bounds the application-provided entropy fed into a
// party's semantic digest.
const MaxSemanticHintSize = 64

// SemanticDigestSize is the fixed length of a semantic digest and of the
// session-long combined digest derived from both parties' digests.
const SemanticDigestSize = 32

// defaultClock is the time source used unless overridden by WithClock.
var defaultClock = time.Now
