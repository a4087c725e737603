package ratchet

import (
	"errors"
	"fmt"

	"github.com/kamune-org/pqfsr/pkg/kem"
	"github.com/kamune-org/pqfsr/pkg/primitive"
)

// SchemaVersion is the canonical record layout version, per §6.
const SchemaVersion = 1

// ErrSerialization is returned when a State cannot be restored: an unknown
// schema version, malformed field lengths, or a corrupt ratchet keypair.
var ErrSerialization = errors.New("ratchet: serialization error")

func errSerializationError(msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrSerialization, msg, cause)
	}
	return fmt.Errorf("%w: %s", ErrSerialization, msg)
}

// State is the canonical, serializable snapshot of a Ratchet's private
// session state (§3 RatchetState), encoded by pkg/ratchet's CBOR/JSON
// serializer.
type State struct {
	SchemaVersion int `cbor:"schema_version" json:"schema_version"`

	IsInitiator bool `cbor:"is_initiator" json:"is_initiator"`
	Mode        Mode `cbor:"mode" json:"mode"`

	RootKey      []byte `cbor:"root_key" json:"root_key"`
	SendChainKey []byte `cbor:"send_chain_key" json:"send_chain_key"`
	RecvChainKey []byte `cbor:"recv_chain_key" json:"recv_chain_key"`

	SendCount     uint64 `cbor:"send_count" json:"send_count"`
	RecvCount     uint64 `cbor:"recv_count" json:"recv_count"`
	PrevSendCount uint64 `cbor:"prev_send_count" json:"prev_send_count"`

	LocalRatchetSeed    []byte `cbor:"local_ratchet_seed" json:"local_ratchet_seed"`
	RemoteRatchetPublic []byte `cbor:"remote_ratchet_public" json:"remote_ratchet_public"`

	CombinedDigest []byte `cbor:"combined_digest" json:"combined_digest"`
	LocalDigest    []byte `cbor:"local_digest" json:"local_digest"`
	RemoteDigest   []byte `cbor:"remote_digest" json:"remote_digest"`
	SemanticHint   []byte `cbor:"semantic_hint" json:"semantic_hint"`

	MaxSkip int                  `cbor:"max_skip" json:"max_skip"`
	Skipped []skippedEntryRecord `cbor:"skipped" json:"skipped"`

	Strategy strategyState `cbor:"strategy" json:"strategy"`
}

// Snapshot captures the ratchet's current state for export, per §4.7.
func (r *Ratchet) Snapshot() *State {
	return &State{
		SchemaVersion:       SchemaVersion,
		IsInitiator:         r.isInitiator,
		Mode:                r.mode,
		RootKey:             copyBytes(r.rootKey),
		SendChainKey:        copyBytes(r.sendChainKey),
		RecvChainKey:        copyBytes(r.recvChainKey),
		SendCount:           r.sendCount,
		RecvCount:           r.recvCount,
		PrevSendCount:       r.prevSendCount,
		LocalRatchetSeed:    copyBytes(r.localRatchet.Seed()),
		RemoteRatchetPublic: copyBytes(r.remoteRatchetPublic),
		CombinedDigest:      copyBytes(r.combinedDigest),
		LocalDigest:         copyBytes(r.localDigest),
		RemoteDigest:        copyBytes(r.remoteDigest),
		SemanticHint:        copyBytes(r.semanticHint),
		MaxSkip:             r.maxSkip,
		Skipped:             r.skipped.snapshot(),
		Strategy:            r.strategy.state,
	}
}

// Restore rebuilds a live Ratchet from a previously exported State.
func Restore(s *State) (*Ratchet, error) {
	if s == nil {
		return nil, errSerializationError("restore: nil state", nil)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, errSerializationError("restore: unsupported schema version", nil)
	}
	if len(s.RootKey) != primitive.KeySize || len(s.SendChainKey) != primitive.KeySize || len(s.RecvChainKey) != primitive.KeySize {
		return nil, errSerializationError("restore: malformed key material length", nil)
	}

	localRatchet, err := kem.Restore(s.LocalRatchetSeed)
	if err != nil {
		return nil, errSerializationError("restore: local ratchet keypair", err)
	}

	maxSkip := s.MaxSkip
	if maxSkip <= 0 {
		maxSkip = DefaultMaxSkip
	}

	return &Ratchet{
		isInitiator:         s.IsInitiator,
		mode:                s.Mode,
		rootKey:             copyBytes(s.RootKey),
		sendChainKey:        copyBytes(s.SendChainKey),
		recvChainKey:        copyBytes(s.RecvChainKey),
		sendCount:           s.SendCount,
		recvCount:           s.RecvCount,
		prevSendCount:       s.PrevSendCount,
		localRatchet:        localRatchet,
		remoteRatchetPublic: copyBytes(s.RemoteRatchetPublic),
		combinedDigest:      copyBytes(s.CombinedDigest),
		localDigest:         copyBytes(s.LocalDigest),
		remoteDigest:        copyBytes(s.RemoteDigest),
		semanticHint:        copyBytes(s.SemanticHint),
		skipped:             restoreSkippedCache(maxSkip, s.Skipped),
		maxSkip:             maxSkip,
		strategy:            restoreStrategy(s.Strategy),
	}, nil
}

// Clone deep-copies a State.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.RootKey = copyBytes(s.RootKey)
	clone.SendChainKey = copyBytes(s.SendChainKey)
	clone.RecvChainKey = copyBytes(s.RecvChainKey)
	clone.LocalRatchetSeed = copyBytes(s.LocalRatchetSeed)
	clone.RemoteRatchetPublic = copyBytes(s.RemoteRatchetPublic)
	clone.CombinedDigest = copyBytes(s.CombinedDigest)
	clone.LocalDigest = copyBytes(s.LocalDigest)
	clone.RemoteDigest = copyBytes(s.RemoteDigest)
	clone.SemanticHint = copyBytes(s.SemanticHint)
	clone.Skipped = append([]skippedEntryRecord(nil), s.Skipped...)
	return &clone
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
