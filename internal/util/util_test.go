package util

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	assert.Len(t, a, 64)
	_, err = hex.DecodeString(a)
	assert.NoError(t, err)

	b, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRandomUnlockCode(t *testing.T) {
	code, err := RandomUnlockCode()
	require.NoError(t, err)
	assert.Regexp(t, `^\d{9}$`, code)
}

func TestUserIDHasher(t *testing.T) {
	hash := UserIDHasher([]byte("salt-one"))

	a := hash("AAABBB80A01H501X")
	assert.Len(t, a, 32)
	assert.NotContains(t, a, "AAABBB80A01H501X")
	assert.Equal(t, a, hash("AAABBB80A01H501X"))
	assert.NotEqual(t, a, hash("ZZZXXX80A01H501K"))

	// A different salt yields uncorrelatable hashes.
	other := UserIDHasher([]byte("salt-two"))
	assert.NotEqual(t, a, other("AAABBB80A01H501X"))
}
