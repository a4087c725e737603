package ratchet_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/pqfsr/pkg/kem"
	"github.com/kamune-org/pqfsr/pkg/primitive"
	"github.com/kamune-org/pqfsr/pkg/ratchet"
	"github.com/kamune-org/pqfsr/pkg/wire"
)

// bootstrapPair wires up two ratchets the way a completed handshake would:
// both derive the same shared secret from one KEM encapsulation and the
// same pair of semantic digests.
func bootstrapPair(t *testing.T, mode ratchet.Mode, maxSkip int) (*ratchet.Ratchet, *ratchet.Ratchet) {
	t.Helper()

	aLocal, err := kem.Generate()
	require.NoError(t, err)
	bLocal, err := kem.Generate()
	require.NoError(t, err)

	ct, ss, err := kem.Encapsulate(bLocal.PublicKey())
	require.NoError(t, err)
	ssB, err := bLocal.Decapsulate(ct)
	require.NoError(t, err)
	require.Equal(t, ss, ssB)

	localDigestA, err := primitive.HKDF([]byte("alice"), nil, []byte("test digest"), 32)
	require.NoError(t, err)
	localDigestB, err := primitive.HKDF([]byte("bob"), nil, []byte("test digest"), 32)
	require.NoError(t, err)

	a, err := ratchet.Bootstrap(true, ss, localDigestA, localDigestB, aLocal, bLocal.PublicKey(), maxSkip, mode)
	require.NoError(t, err)
	b, err := ratchet.Bootstrap(false, ssB, localDigestB, localDigestA, bLocal, aLocal.PublicKey(), maxSkip, mode)
	require.NoError(t, err)

	return a, b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := bootstrapPair(t, ratchet.BalancedFlow, ratchet.DefaultMaxSkip)

	p, err := a.Encrypt([]byte("hello quantum"))
	require.NoError(t, err)
	require.EqualValues(t, 1, p.Version)
	require.EqualValues(t, 0, p.Count)

	pt, err := b.Decrypt(p)
	require.NoError(t, err)
	require.Equal(t, []byte("hello quantum"), pt)
}

func TestMaximumSecurityAlwaysPulses(t *testing.T) {
	a, b := bootstrapPair(t, ratchet.MaximumSecurity, ratchet.DefaultMaxSkip)

	for i := 0; i < 3; i++ {
		p, err := a.Encrypt([]byte("msg"))
		require.NoError(t, err)
		require.NotEmpty(t, p.KEMCiphertext, "message %d should pulse", i)

		_, err = b.Decrypt(p)
		require.NoError(t, err)
	}
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	a, b := bootstrapPair(t, ratchet.BalancedFlow, ratchet.DefaultMaxSkip)

	plaintexts := make([][]byte, 10)
	packets := make([]*wire.Packet, 10)
	for i := range plaintexts {
		plaintexts[i] = []byte{byte(i)}
		p, err := a.Encrypt(plaintexts[i])
		require.NoError(t, err)
		packets[i] = p
	}

	order := []int{0, 2, 1, 3, 5, 4, 6, 7, 9, 8}
	for _, idx := range order {
		pt, err := b.Decrypt(packets[idx])
		require.NoError(t, err, "packet %d", idx)
		require.Equal(t, plaintexts[idx], pt)
	}
}

func TestSkipBeyondWindowFails(t *testing.T) {
	a, b := bootstrapPair(t, ratchet.BalancedFlow, 4)

	var last *wire.Packet
	for i := 0; i < 10; i++ {
		p, err := a.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		last = p
	}

	_, err := b.Decrypt(last)
	require.ErrorIs(t, err, ratchet.ErrSkipTooLarge)
}

func TestTamperedCiphertextFailsAuth(t *testing.T) {
	a, b := bootstrapPair(t, ratchet.BalancedFlow, ratchet.DefaultMaxSkip)

	const tamperAt = 2
	for i := 0; i < 3; i++ {
		p, err := a.Encrypt([]byte{byte(i)})
		require.NoError(t, err)

		if i == tamperAt {
			p.Ciphertext[len(p.Ciphertext)-1] ^= 0xFF
			_, err = b.Decrypt(p)
			require.ErrorIs(t, err, ratchet.ErrAuthFailure)
			require.EqualValues(t, i, b.RecvCount(), "recv_count must not advance on failure")
			continue
		}
		_, err = b.Decrypt(p)
		require.NoError(t, err)
	}
}

func TestPostCompromiseSecurityAfterPulse(t *testing.T) {
	a, b := bootstrapPair(t, ratchet.BalancedFlow, ratchet.DefaultMaxSkip)

	// The adversary captures A's state before any pulse occurs.
	compromisedSnapshot := a.Snapshot()

	// Stress lowers A's message threshold so a pulse comes sooner. Burst
	// protection suppresses pulses once A has sent 8 messages in a row with
	// nothing inbound, so B acknowledges every flow message to keep A's
	// outbound streak short.
	a.AdaptToStress(true)
	var pulsePacket *wire.Packet
	for i := 0; i < 40; i++ {
		p, err := a.Encrypt([]byte("pulse message"))
		require.NoError(t, err)
		if len(p.KEMCiphertext) > 0 {
			pulsePacket = p
			break
		}
		_, err = b.Decrypt(p)
		require.NoError(t, err)
		ack, err := b.Encrypt([]byte("ack"))
		require.NoError(t, err)
		_, err = a.Decrypt(ack)
		require.NoError(t, err)
	}
	require.NotNil(t, pulsePacket, "expected a pulse within 40 messages under stress")
	_, err := b.Decrypt(pulsePacket)
	require.NoError(t, err)

	// B now replies on its freshly rotated chain, derived from a root key
	// the adversary's stale snapshot never saw.
	reply, err := b.Encrypt([]byte("reply after pcs recovery"))
	require.NoError(t, err)

	compromised, err := ratchet.Restore(compromisedSnapshot)
	require.NoError(t, err)

	_, err = compromised.Decrypt(reply)
	require.Error(t, err, "pre-pulse snapshot must not decrypt B's post-pulse reply")
}

func TestSerializationRoundTrip(t *testing.T) {
	a, _ := bootstrapPair(t, ratchet.BalancedFlow, ratchet.DefaultMaxSkip)

	_, err := a.Encrypt([]byte("advance state a bit"))
	require.NoError(t, err)

	snap := a.Snapshot()
	for _, useCBOR := range []bool{true, false} {
		encoded, err := snap.Serialize(useCBOR)
		require.NoError(t, err)

		decoded, err := ratchet.Deserialize(encoded)
		require.NoError(t, err)
		require.Equal(t, snap.RootKey, decoded.RootKey)
		require.Equal(t, snap.SendChainKey, decoded.SendChainKey)
		require.Equal(t, snap.SendCount, decoded.SendCount)
	}
}

func TestSerializationRoundTripWithPassword(t *testing.T) {
	a, _ := bootstrapPair(t, ratchet.BalancedFlow, ratchet.DefaultMaxSkip)
	snap := a.Snapshot()

	password := []byte("pw")
	encoded, err := snap.Export(true, password)
	require.NoError(t, err)

	restored, err := ratchet.FromSerialized(encoded, password)
	require.NoError(t, err)
	require.Equal(t, snap.RootKey, restored.RootKey)

	_, err = ratchet.FromSerialized(encoded, []byte("wrong password"))
	require.Error(t, err)
}

func TestResumedSessionContinuesExchanging(t *testing.T) {
	a, b := bootstrapPair(t, ratchet.BalancedFlow, ratchet.DefaultMaxSkip)

	first, err := a.Encrypt([]byte("first"))
	require.NoError(t, err)
	_, err = b.Decrypt(first)
	require.NoError(t, err)

	snapA := a.Snapshot()
	encoded, err := snapA.Export(true, []byte("pw"))
	require.NoError(t, err)

	restoredState, err := ratchet.FromSerialized(encoded, []byte("pw"))
	require.NoError(t, err)
	resumed, err := ratchet.Restore(restoredState)
	require.NoError(t, err)

	p, err := resumed.Encrypt([]byte("second"))
	require.NoError(t, err)

	pt, err := b.Decrypt(p)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), pt)
}
