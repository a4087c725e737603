// Package ratchet implements the PQ-FSR dual ratchet: a post-quantum KEM
// pulse standing in for the Diffie-Hellman half of a classical double
// ratchet, driven by an adaptive strategy, layered over a symmetric hash
// chain for per-message key derivation.
package ratchet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kamune-org/pqfsr/pkg/kem"
	"github.com/kamune-org/pqfsr/pkg/primitive"
	"github.com/kamune-org/pqfsr/pkg/wire"
)

// DefaultMaxSkip is the default bound on the skipped-key cache.
const DefaultMaxSkip = 50

var (
	// ErrSkipTooLarge is returned when an inbound packet's counter gap
	// beyond the current receive counter exceeds max_skip.
	ErrSkipTooLarge = errors.New("ratchet: skip window exceeded")
	// ErrOutOfOrderUnknown is returned when an inbound packet's counter is
	// behind the receive counter and no cached key covers it.
	ErrOutOfOrderUnknown = errors.New("ratchet: no cached key for out-of-order packet")
	// ErrAuthFailure covers both AEAD-open failure and semantic-tag
	// mismatch; the two are never distinguished in the returned error.
	ErrAuthFailure = errors.New("ratchet: authentication failed")
	// ErrKemFailure covers encapsulation/decapsulation failures.
	ErrKemFailure = errors.New("ratchet: kem operation failed")
)

// Ratchet holds the live, mutable session state described in §3. It is not
// safe for concurrent use; callers serialize access externally.
type Ratchet struct {
	isInitiator bool
	mode        Mode

	rootKey       []byte
	sendChainKey  []byte
	recvChainKey  []byte
	sendCount     uint64
	recvCount     uint64
	prevSendCount uint64

	localRatchet        *kem.KEM
	remoteRatchetPublic []byte

	combinedDigest []byte
	localDigest    []byte
	remoteDigest   []byte
	semanticHint   []byte

	skipped *skippedCache
	maxSkip int

	strategy *strategy
}

// Bootstrap derives the initial ratchet state from a handshake's shared
// secret and the two parties' semantic digests, per §4.2.
func Bootstrap(
	isInitiator bool,
	sharedSecret, localDigest, remoteDigest []byte,
	localRatchet *kem.KEM,
	remotePublic []byte,
	maxSkip int,
	mode Mode,
) (*Ratchet, error) {
	if maxSkip <= 0 {
		maxSkip = DefaultMaxSkip
	}

	combined, err := combinedDigest(localDigest, remoteDigest)
	if err != nil {
		return nil, fmt.Errorf("deriving combined digest: %w", err)
	}

	rootKey, err := primitive.HKDF(sharedSecret, combined, []byte(labelRoot), primitive.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving root key: %w", err)
	}

	sendLabel, recvLabel := chainLabels(isInitiator)
	sendCK, err := primitive.HKDF(rootKey, combined, []byte(sendLabel), primitive.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving send chain: %w", err)
	}
	recvCK, err := primitive.HKDF(rootKey, combined, []byte(recvLabel), primitive.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving recv chain: %w", err)
	}

	return &Ratchet{
		isInitiator:         isInitiator,
		mode:                mode,
		rootKey:             rootKey,
		sendChainKey:        sendCK,
		recvChainKey:        recvCK,
		localRatchet:        localRatchet,
		remoteRatchetPublic: append([]byte(nil), remotePublic...),
		combinedDigest:      combined,
		localDigest:         append([]byte(nil), localDigest...),
		remoteDigest:        append([]byte(nil), remoteDigest...),
		skipped:             newSkippedCache(maxSkip),
		maxSkip:             maxSkip,
		strategy:            newStrategy(mode),
	}, nil
}

// combinedDigest computes HKDF(sorted(local‖remote), info="PQ-FSR combined")
// so both parties agree on the value regardless of role.
func combinedDigest(local, remote []byte) ([]byte, error) {
	var ikm []byte
	if bytes.Compare(local, remote) <= 0 {
		ikm = append(append([]byte(nil), local...), remote...)
	} else {
		ikm = append(append([]byte(nil), remote...), local...)
	}
	return primitive.HKDF(ikm, nil, []byte(labelCombined), primitive.KeySize)
}

func counterBytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func deriveMessageKey(chainKey, combined []byte, counter uint64) ([]byte, error) {
	info := append([]byte(labelMsg), counterBytes(counter)...)
	return primitive.HKDF(chainKey, combined, info, primitive.KeySize)
}

func deriveNonce(chainKey, combined []byte, counter uint64) ([]byte, error) {
	info := append([]byte(labelNonce), counterBytes(counter)...)
	return primitive.HKDF(chainKey, combined, info, primitive.NonceSize)
}

func deriveNextChain(chainKey, combined []byte, counter uint64) ([]byte, error) {
	info := append([]byte(labelChain), counterBytes(counter)...)
	return primitive.HKDF(chainKey, combined, info, primitive.KeySize)
}

func deriveSemanticTag(combined []byte, counter uint64, pulse bool) ([]byte, error) {
	flag := byte(0)
	if pulse {
		flag = 1
	}
	ikm := append(append([]byte(nil), combined...), counterBytes(counter)...)
	ikm = append(ikm, flag)
	return primitive.HKDF(ikm, nil, []byte(labelTag), wire.SemanticTagSize)
}

// rotateChains rederives send/recv chains from a fresh root key using this
// party's role labels, the same derivation bootstrap used.
func (r *Ratchet) rotateChains(newRoot []byte) error {
	sendLabel, recvLabel := chainLabels(r.isInitiator)
	sendCK, err := primitive.HKDF(newRoot, r.combinedDigest, []byte(sendLabel), primitive.KeySize)
	if err != nil {
		return fmt.Errorf("rotating send chain: %w", err)
	}
	recvCK, err := primitive.HKDF(newRoot, r.combinedDigest, []byte(recvLabel), primitive.KeySize)
	if err != nil {
		return fmt.Errorf("rotating recv chain: %w", err)
	}
	primitive.Zeroize(r.rootKey)
	primitive.Zeroize(r.sendChainKey)
	primitive.Zeroize(r.recvChainKey)
	r.rootKey = newRoot
	r.sendChainKey = sendCK
	r.recvChainKey = recvCK
	return nil
}

// Encrypt seals plaintext for transmission, invoking the adaptive strategy
// to decide whether this message performs a quantum pulse.
func (r *Ratchet) Encrypt(plaintext []byte) (*wire.Packet, error) {
	pulse := r.strategy.shouldPulse(len(plaintext))

	p := &wire.Packet{Version: wire.Version, Count: r.sendCount, PrevSendCount: r.prevSendCount}

	if pulse {
		ct, ss, err := kem.Encapsulate(r.remoteRatchetPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKemFailure, err)
		}
		ikm := append(append([]byte(nil), r.rootKey...), ss...)
		newRoot, err := primitive.HKDF(ikm, r.combinedDigest, []byte(labelRoot), primitive.KeySize)
		primitive.Zeroize(ss)
		if err != nil {
			return nil, fmt.Errorf("deriving post-pulse root: %w", err)
		}
		if err := r.rotateChains(newRoot); err != nil {
			return nil, err
		}

		newLocal, err := kem.Generate()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKemFailure, err)
		}
		r.localRatchet = newLocal

		r.prevSendCount = r.sendCount
		r.sendCount = 0
		p.PrevSendCount = r.prevSendCount
		p.Count = 0
		p.KEMCiphertext = ct
		p.RatchetPublic = newLocal.PublicKey()

		r.strategy.recordPulse()
	} else {
		r.strategy.recordFlow(len(plaintext))
	}

	counter := p.Count
	messageKey, err := deriveMessageKey(r.sendChainKey, r.combinedDigest, counter)
	if err != nil {
		return nil, fmt.Errorf("deriving message key: %w", err)
	}
	nonce, err := deriveNonce(r.sendChainKey, r.combinedDigest, counter)
	if err != nil {
		primitive.Zeroize(messageKey)
		return nil, fmt.Errorf("deriving nonce: %w", err)
	}
	nextChain, err := deriveNextChain(r.sendChainKey, r.combinedDigest, counter)
	if err != nil {
		primitive.Zeroize(messageKey)
		return nil, fmt.Errorf("deriving next chain: %w", err)
	}

	tag, err := deriveSemanticTag(r.combinedDigest, counter, pulse)
	if err != nil {
		primitive.Zeroize(messageKey)
		return nil, fmt.Errorf("deriving semantic tag: %w", err)
	}
	copy(p.SemanticTag[:], tag)

	aad := p.AAD()
	ciphertext, err := primitive.Seal(messageKey, nonce, plaintext, aad)
	primitive.Zeroize(messageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	p.Ciphertext = ciphertext

	primitive.Zeroize(r.sendChainKey)
	r.sendChainKey = nextChain
	r.sendCount++

	return p, nil
}

// Decrypt opens an inbound packet, following the KEM or hash path per §4.2.
func (r *Ratchet) Decrypt(p *wire.Packet) ([]byte, error) {
	pulse := len(p.KEMCiphertext) > 0

	if pulse {
		if err := r.applyKemPulse(p); err != nil {
			return nil, err
		}
	}

	generation := ratchetGenerationID(r.remoteRatchetPublic)

	var chainKey []byte
	var nextChainAfter []byte
	var messageKey, nonce []byte
	var err error

	switch {
	case p.Count < r.recvCount:
		entry, ok := r.skipped.take(generation, p.Count)
		if !ok {
			return nil, fmt.Errorf("%w (count=%d, recv_count=%d)", ErrOutOfOrderUnknown, p.Count, r.recvCount)
		}
		messageKey, nonce = entry.messageKey, entry.nonce
	case p.Count == r.recvCount:
		messageKey, err = deriveMessageKey(r.recvChainKey, r.combinedDigest, p.Count)
		if err != nil {
			return nil, fmt.Errorf("deriving message key: %w", err)
		}
		nonce, err = deriveNonce(r.recvChainKey, r.combinedDigest, p.Count)
		if err != nil {
			primitive.Zeroize(messageKey)
			return nil, fmt.Errorf("deriving nonce: %w", err)
		}
		nextChainAfter, err = deriveNextChain(r.recvChainKey, r.combinedDigest, p.Count)
		if err != nil {
			primitive.Zeroize(messageKey)
			return nil, fmt.Errorf("deriving next chain: %w", err)
		}
		chainKey = r.recvChainKey
	default: // p.Count > r.recvCount: derive and cache intermediate keys
		gap := p.Count - r.recvCount
		if gap > uint64(r.maxSkip) {
			return nil, fmt.Errorf("%w: gap=%d max_skip=%d", ErrSkipTooLarge, gap, r.maxSkip)
		}
		cursor := r.recvChainKey
		for n := r.recvCount; n < p.Count; n++ {
			mk, derr := deriveMessageKey(cursor, r.combinedDigest, n)
			if derr != nil {
				return nil, fmt.Errorf("deriving skipped message key: %w", derr)
			}
			nc, derr := deriveNonce(cursor, r.combinedDigest, n)
			if derr != nil {
				primitive.Zeroize(mk)
				return nil, fmt.Errorf("deriving skipped nonce: %w", derr)
			}
			next, derr := deriveNextChain(cursor, r.combinedDigest, n)
			if derr != nil {
				primitive.Zeroize(mk)
				return nil, fmt.Errorf("deriving skipped chain: %w", derr)
			}
			r.skipped.store(generation, n, mk, nc)
			if cursor != nil && n != r.recvCount {
				primitive.Zeroize(cursor)
			}
			cursor = next
		}
		messageKey, err = deriveMessageKey(cursor, r.combinedDigest, p.Count)
		if err != nil {
			return nil, fmt.Errorf("deriving message key: %w", err)
		}
		nonce, err = deriveNonce(cursor, r.combinedDigest, p.Count)
		if err != nil {
			primitive.Zeroize(messageKey)
			return nil, fmt.Errorf("deriving nonce: %w", err)
		}
		nextChainAfter, err = deriveNextChain(cursor, r.combinedDigest, p.Count)
		if err != nil {
			primitive.Zeroize(messageKey)
			return nil, fmt.Errorf("deriving next chain: %w", err)
		}
		chainKey = cursor
	}

	expectedTag, err := deriveSemanticTag(r.combinedDigest, p.Count, pulse)
	if err != nil {
		primitive.Zeroize(messageKey)
		return nil, fmt.Errorf("deriving semantic tag: %w", err)
	}
	if !primitive.ConstantTimeEqual(expectedTag, p.SemanticTag[:]) {
		primitive.Zeroize(messageKey)
		return nil, ErrAuthFailure
	}

	plaintext, err := primitive.Open(messageKey, nonce, p.Ciphertext, p.AAD())
	primitive.Zeroize(messageKey)
	if err != nil {
		return nil, ErrAuthFailure
	}

	if p.Count >= r.recvCount {
		_ = chainKey // chain advance already captured in nextChainAfter
		primitive.Zeroize(r.recvChainKey)
		r.recvChainKey = nextChainAfter
		r.recvCount = p.Count + 1
	}

	r.strategy.recordReception()
	return plaintext, nil
}

// applyKemPulse decapsulates an inbound KEM ciphertext, refreshes the root
// key, archives any unreceived message keys from the previous receive chain,
// and installs the peer's new ratchet public key. This party's own ratchet
// keypair is kept: the peer keeps encapsulating to it until this party
// advertises a new one on its own next pulse.
func (r *Ratchet) applyKemPulse(p *wire.Packet) error {
	ss, err := r.localRatchet.Decapsulate(p.KEMCiphertext)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKemFailure, err)
	}

	ikm := append(append([]byte(nil), r.rootKey...), ss...)
	newRoot, err := primitive.HKDF(ikm, r.combinedDigest, []byte(labelRoot), primitive.KeySize)
	primitive.Zeroize(ss)
	if err != nil {
		return fmt.Errorf("deriving post-pulse root: %w", err)
	}

	oldGeneration := ratchetGenerationID(r.remoteRatchetPublic)
	if err := r.archiveRemainingRecvChain(oldGeneration, p.PrevSendCount); err != nil {
		return err
	}

	if err := r.rotateChains(newRoot); err != nil {
		return err
	}

	r.remoteRatchetPublic = append([]byte(nil), p.RatchetPublic...)
	r.recvCount = 0

	return nil
}

// archiveRemainingRecvChain derives and caches message keys for any counter
// in [recv_count, prevSendCount) on the chain about to be replaced, so
// messages still in flight on the old chain remain decryptable.
func (r *Ratchet) archiveRemainingRecvChain(generation [sha256.Size]byte, prevSendCount uint64) error {
	if prevSendCount <= r.recvCount {
		return nil
	}
	cursor := r.recvChainKey
	for n := r.recvCount; n < prevSendCount; n++ {
		mk, err := deriveMessageKey(cursor, r.combinedDigest, n)
		if err != nil {
			return fmt.Errorf("archiving skipped message key: %w", err)
		}
		nc, err := deriveNonce(cursor, r.combinedDigest, n)
		if err != nil {
			primitive.Zeroize(mk)
			return fmt.Errorf("archiving skipped nonce: %w", err)
		}
		next, err := deriveNextChain(cursor, r.combinedDigest, n)
		if err != nil {
			primitive.Zeroize(mk)
			return fmt.Errorf("archiving skipped chain: %w", err)
		}
		r.skipped.store(generation, n, mk, nc)
		if n != r.recvCount {
			primitive.Zeroize(cursor)
		}
		cursor = next
	}
	primitive.Zeroize(cursor)
	return nil
}

// Destroy zeroizes every secret the ratchet holds. The value must not be
// used afterward.
func (r *Ratchet) Destroy() {
	primitive.Zeroize(r.rootKey)
	primitive.Zeroize(r.sendChainKey)
	primitive.Zeroize(r.recvChainKey)
	r.skipped.zeroizeAll()
}

// SendCount returns the current per-direction send counter.
func (r *Ratchet) SendCount() uint64 { return r.sendCount }

// RecvCount returns the current per-direction receive counter.
func (r *Ratchet) RecvCount() uint64 { return r.recvCount }

// LocalRatchetPublic returns this party's current ratchet public key.
func (r *Ratchet) LocalRatchetPublic() []byte { return r.localRatchet.PublicKey() }

// AdaptToStress forwards to the underlying strategy, per §9's
// adapt_to_stress capability.
func (r *Ratchet) AdaptToStress(stressed bool) { r.strategy.adaptToStress(stressed) }
