package pqfsr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/pqfsr"
	"github.com/kamune-org/pqfsr/pkg/ratchet"
	"github.com/kamune-org/pqfsr/pkg/replay"
)

// handshakePair drives a full initiator/responder handshake and returns both
// Ready sessions, sharing an isolated pair of replay caches so tests don't
// collide with the package-level global singleton or with each other.
func handshakePair(t *testing.T, opts ...pqfsr.Option) (*pqfsr.Session, *pqfsr.Session) {
	t.Helper()

	global, err := replay.New()
	require.NoError(t, err)

	baseOpts := append([]pqfsr.Option{pqfsr.WithGlobalReplayCache(global)}, opts...)

	initiator, err := pqfsr.NewInitiator([]byte("alice"), baseOpts...)
	require.NoError(t, err)
	responder, err := pqfsr.NewResponder([]byte("bob"), baseOpts...)
	require.NoError(t, err)

	req, err := initiator.CreateHandshakeRequest()
	require.NoError(t, err)
	require.Equal(t, pqfsr.PhaseAwaitingResponse, initiator.Phase())

	resp, err := responder.AcceptHandshake(req)
	require.NoError(t, err)
	require.Equal(t, pqfsr.PhaseReady, responder.Phase())

	require.NoError(t, initiator.FinalizeHandshake(resp))
	require.Equal(t, pqfsr.PhaseReady, initiator.Phase())

	return initiator, responder
}

// T1: handshake plus a single message round trips exactly.
func TestHandshakeAndSingleMessage(t *testing.T) {
	a, b := handshakePair(t)

	p, err := a.Encrypt([]byte("hello quantum"))
	require.NoError(t, err)
	require.EqualValues(t, pqfsr.ProtocolVersion, p.Version)
	require.EqualValues(t, 0, p.Count)

	pt, err := b.Decrypt(p)
	require.NoError(t, err)
	require.Equal(t, []byte("hello quantum"), pt)
}

// T2: out-of-order delivery within the skip window still decrypts every
// message to its original plaintext.
func TestOutOfOrderWithinWindow(t *testing.T) {
	a, b := handshakePair(t)

	const n = 10
	plaintexts := make([][]byte, n)
	encoded := make([][]byte, n)
	for i := range plaintexts {
		plaintexts[i] = []byte{byte(i)}
		sealed, err := a.Seal(plaintexts[i])
		require.NoError(t, err)
		encoded[i] = sealed
	}

	order := []int{0, 2, 1, 3, 5, 4, 6, 7, 9, 8}
	for _, idx := range order {
		pt, err := b.Open(encoded[idx])
		require.NoError(t, err, "packet %d", idx)
		require.Equal(t, plaintexts[idx], pt)
	}
}

// T3: a gap beyond max_skip is rejected with SkipTooLarge.
func TestSkipBeyondWindowFails(t *testing.T) {
	a, b := handshakePair(t, pqfsr.WithMaxSkip(4))

	var lastPacket []byte
	for i := 0; i < 10; i++ {
		p, err := a.Seal([]byte{byte(i)})
		require.NoError(t, err)
		lastPacket = p
	}

	_, err := b.Open(lastPacket)
	require.Error(t, err)
	var pqErr *pqfsr.Error
	require.ErrorAs(t, err, &pqErr)
	require.Equal(t, pqfsr.CodeSkipTooLarge, pqErr.Code)
}

// T4: flipping the last byte of the ciphertext causes AuthFailure.
func TestTamperedCiphertextFailsAuth(t *testing.T) {
	a, b := handshakePair(t)

	const tamperAt = 2
	for i := 0; i < 3; i++ {
		p, err := a.Encrypt([]byte{byte(i)})
		require.NoError(t, err)

		if i == tamperAt {
			p.Ciphertext[len(p.Ciphertext)-1] ^= 0xFF
			_, err = b.Decrypt(p)
			require.Error(t, err)
			var pqErr *pqfsr.Error
			require.ErrorAs(t, err, &pqErr)
			require.Equal(t, pqfsr.CodeAuthFailure, pqErr.Code)
			continue
		}
		_, err = b.Decrypt(p)
		require.NoError(t, err)
	}
}

// T5: a replayed handshake id is rejected by the responder within TTL.
func TestReplayedHandshakeRejected(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clockOpt := pqfsr.WithClock(func() time.Time { return now })

	global, err := replay.New(replay.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	initiator, err := pqfsr.NewInitiator([]byte("alice"), clockOpt, pqfsr.WithGlobalReplayCache(global))
	require.NoError(t, err)
	responder1, err := pqfsr.NewResponder([]byte("bob"), clockOpt, pqfsr.WithGlobalReplayCache(global))
	require.NoError(t, err)
	responder2, err := pqfsr.NewResponder([]byte("bob"), clockOpt, pqfsr.WithGlobalReplayCache(global))
	require.NoError(t, err)

	req, err := initiator.CreateHandshakeRequest()
	require.NoError(t, err)

	_, err = responder1.AcceptHandshake(req)
	require.NoError(t, err)

	_, err = responder2.AcceptHandshake(req)
	require.Error(t, err)
	var pqErr *pqfsr.Error
	require.ErrorAs(t, err, &pqErr)
	require.Equal(t, pqfsr.CodeHandshakeReplay, pqErr.Code)
	require.Equal(t, pqfsr.PhaseFailed, responder2.Phase())
}

// T6: after A performs a KEM pulse, an adversary holding A's pre-pulse state
// cannot decrypt B's next message to A (post-compromise security).
func TestPostCompromiseSecurityAfterPulse(t *testing.T) {
	a, b := handshakePair(t, pqfsr.WithMode(ratchet.MaximumSecurity))

	snapshot, err := a.ExportState(true, []byte("pw"))
	require.NoError(t, err)

	p, err := a.Encrypt([]byte("pulse message"))
	require.NoError(t, err)
	require.NotEmpty(t, p.KEMCiphertext, "MaximumSecurity mode must pulse on every message")

	_, err = b.Decrypt(p)
	require.NoError(t, err)

	reply, err := b.Encrypt([]byte("reply after pcs recovery"))
	require.NoError(t, err)

	compromised, err := pqfsr.Resume(snapshot, []byte("pw"))
	require.NoError(t, err)

	_, err = compromised.Decrypt(reply)
	require.Error(t, err, "pre-pulse snapshot must not decrypt B's post-pulse reply")
}

// T7: exporting under a password, reimporting, and resuming the exchange
// succeeds; the wrong password fails.
func TestExportImportRoundTripWithPassword(t *testing.T) {
	a, b := handshakePair(t)

	first, err := a.Encrypt([]byte("first"))
	require.NoError(t, err)
	_, err = b.Decrypt(first)
	require.NoError(t, err)

	exported, err := a.ExportState(true, []byte("pw"))
	require.NoError(t, err)

	_, err = pqfsr.Resume(exported, []byte("wrong password"))
	require.Error(t, err)

	resumed, err := pqfsr.Resume(exported, []byte("pw"))
	require.NoError(t, err)

	p, err := resumed.Encrypt([]byte("second"))
	require.NoError(t, err)
	pt, err := b.Decrypt(p)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), pt)
}

func TestVersionIncompatibleFailsHandshake(t *testing.T) {
	global, err := replay.New()
	require.NoError(t, err)

	initiator, err := pqfsr.NewInitiator(
		[]byte("alice"), pqfsr.WithGlobalReplayCache(global), pqfsr.WithVersionRange(2, 2))
	require.NoError(t, err)
	responder, err := pqfsr.NewResponder(
		[]byte("bob"), pqfsr.WithGlobalReplayCache(global), pqfsr.WithVersionRange(1, 1))
	require.NoError(t, err)

	req, err := initiator.CreateHandshakeRequest()
	require.NoError(t, err)

	_, err = responder.AcceptHandshake(req)
	require.Error(t, err)
	var pqErr *pqfsr.Error
	require.ErrorAs(t, err, &pqErr)
	require.Equal(t, pqfsr.CodeVersionIncompatible, pqErr.Code)
}

func TestTamperedSignatureRejected(t *testing.T) {
	global, err := replay.New()
	require.NoError(t, err)

	initiator, err := pqfsr.NewInitiator([]byte("alice"), pqfsr.WithGlobalReplayCache(global))
	require.NoError(t, err)
	responder, err := pqfsr.NewResponder([]byte("bob"), pqfsr.WithGlobalReplayCache(global))
	require.NoError(t, err)

	req, err := initiator.CreateHandshakeRequest()
	require.NoError(t, err)
	req.Signature[0] ^= 0xFF

	_, err = responder.AcceptHandshake(req)
	require.Error(t, err)
	var pqErr *pqfsr.Error
	require.ErrorAs(t, err, &pqErr)
	require.Equal(t, pqfsr.CodeSignatureInvalid, pqErr.Code)
}

func TestEncryptBeforeReadyFails(t *testing.T) {
	s, err := pqfsr.NewInitiator([]byte("alice"))
	require.NoError(t, err)
	_, err = s.Encrypt([]byte("too early"))
	require.Error(t, err)
}
