package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSharedSecretAgreesBothDirections(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	secretA, err := deriveSharedSecret(a.Private, b.Public)
	require.NoError(t, err)
	secretB, err := deriveSharedSecret(b.Private, a.Public)
	require.NoError(t, err)

	require.Equal(t, secretA, secretB)
	require.Len(t, secretA, sharedSecretLen)
}

func TestGenerateKeyPairProducesDistinctKeys(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEqual(t, a.Private, b.Private)
	require.NotEqual(t, a.Public, b.Public)
}
