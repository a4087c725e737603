package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/pqfsr/pkg/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := &wire.Packet{
		Version:       wire.Version,
		Count:         7,
		PrevSendCount: 3,
		KEMCiphertext: []byte("ciphertext-of-kem"),
		RatchetPublic: []byte("new-ratchet-public-key"),
		Ciphertext:    []byte("sealed-payload-with-tag"),
	}
	copy(p.SemanticTag[:], []byte("0123456789abcdef"))

	encoded, err := p.Encode()
	require.NoError(t, err)

	decoded, err := wire.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, p.Version, decoded.Version)
	require.Equal(t, p.Count, decoded.Count)
	require.Equal(t, p.PrevSendCount, decoded.PrevSendCount)
	require.Equal(t, p.KEMCiphertext, decoded.KEMCiphertext)
	require.Equal(t, p.RatchetPublic, decoded.RatchetPublic)
	require.Equal(t, p.SemanticTag, decoded.SemanticTag)
	require.Equal(t, p.Ciphertext, decoded.Ciphertext)
}

func TestEncodeDecodeWithoutOptionalFields(t *testing.T) {
	p := &wire.Packet{
		Version:    wire.Version,
		Count:      0,
		Ciphertext: []byte("flow-only-payload"),
	}

	encoded, err := p.Encode()
	require.NoError(t, err)

	decoded, err := wire.Decode(encoded)
	require.NoError(t, err)
	require.Nil(t, decoded.KEMCiphertext)
	require.Nil(t, decoded.RatchetPublic)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := wire.Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	p := &wire.Packet{Version: wire.Version, Ciphertext: []byte("x")}
	encoded, err := p.Encode()
	require.NoError(t, err)

	_, err = wire.Decode(append(encoded, 0xFF))
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestAADCoversHeaderThroughSemanticTag(t *testing.T) {
	p := &wire.Packet{
		Version:       wire.Version,
		Count:         1,
		RatchetPublic: []byte("pub"),
		Ciphertext:    []byte("payload"),
	}
	aad := p.AAD()

	p2 := *p
	p2.Ciphertext = []byte("different payload, same header")
	require.Equal(t, aad, p2.AAD())

	p3 := *p
	p3.Count = 2
	require.NotEqual(t, aad, p3.AAD())
}
