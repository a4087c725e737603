package kem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kamune-org/pqfsr/pkg/kem"
)

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	k, err := kem.Generate()
	require.NoError(t, err)

	ct, ss1, err := kem.Encapsulate(k.PublicKey())
	require.NoError(t, err)
	require.Len(t, ss1, kem.SharedSecretSize)

	ss2, err := k.Decapsulate(ct)
	require.NoError(t, err)
	require.Equal(t, ss1, ss2)
}

func TestRestoreFromSeed(t *testing.T) {
	k, err := kem.Generate()
	require.NoError(t, err)

	restored, err := kem.Restore(k.Seed())
	require.NoError(t, err)
	require.Equal(t, k.PublicKey(), restored.PublicKey())
}

func TestEncapsulateRejectsInvalidPublicKey(t *testing.T) {
	_, _, err := kem.Encapsulate([]byte("too short"))
	require.Error(t, err)
}
