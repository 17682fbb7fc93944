package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, kp.Save(dir))

	loaded, err := LoadKeyPair(dir)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicHex(), loaded.PublicHex())

	sig := loaded.Sign([]byte("entry-hash"))
	ok, err := VerifySignatureFromHex(kp.PublicHex(), []byte("entry-hash"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignatureFromHex(kp.PublicHex(), []byte("other"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadKeyPairMissing(t *testing.T) {
	_, err := LoadKeyPair(t.TempDir())
	assert.Error(t, err)

	_, err = VerifySignatureFromHex("abcd", nil, "")
	assert.Error(t, err)
}
