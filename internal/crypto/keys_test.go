package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt()
	require.NoError(t, err)
	b, err := GenerateSalt()
	require.NoError(t, err)

	assert.Len(t, a, SaltSize)
	assert.NotEqual(t, a, b)
}

func TestDeriveKey(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	k1, err := DeriveKey("correct horse", salt)
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	// детерминирован для той же фразы и соли
	k2, err := DeriveKey("correct horse", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveKey("battery staple", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	other, err := GenerateSalt()
	require.NoError(t, err)
	k4, err := DeriveKey("correct horse", other)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestDeriveKey_Errors(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = DeriveKey("", salt)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	_, err = DeriveKey("phrase", salt[:8])
	assert.ErrorContains(t, err, "salt must be 32 bytes")
}
