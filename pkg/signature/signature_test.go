package signature_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/pqfsr/pkg/signature"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := signature.Generate()
	require.NoError(t, err)

	msg := []byte("handshake transcript")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.Len(t, sig, signature.SignatureSize)

	pub, err := signature.ParsePublicKey(kp.PublicKey())
	require.NoError(t, err)
	require.True(t, signature.Verify(pub, msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := signature.Generate()
	require.NoError(t, err)

	sig, err := kp.Sign([]byte("original"))
	require.NoError(t, err)

	pub, err := signature.ParsePublicKey(kp.PublicKey())
	require.NoError(t, err)
	require.False(t, signature.Verify(pub, []byte("tampered"), sig))
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := signature.ParsePublicKey([]byte("not a key"))
	require.Error(t, err)
}
