package keys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "node.key")
	pubPath := filepath.Join(dir, "node.pub")

	require.NoError(t, GenerateAndSave(privPath, pubPath))

	priv, err := LoadPrivateKey(privPath)
	require.NoError(t, err)
	pub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)

	assert.Equal(t, 0, priv.PublicKey.N.Cmp(pub.N), "private key's public half should match the saved public key")
}

func TestLoadTrustedPublicKeysMissingDirReturnsEmpty(t *testing.T) {
	keys, err := LoadTrustedPublicKeys(filepath.Join(t.TempDir(), "nonexistent"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLoadTrustedPublicKeysIndexesByStem(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateAndSave(filepath.Join(dir, "throwaway.key"), filepath.Join(dir, "node-a.pem")))

	keys, err := LoadTrustedPublicKeys(dir)
	require.NoError(t, err)
	assert.Contains(t, keys, "node-a")
}
