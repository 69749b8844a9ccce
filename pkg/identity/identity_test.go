package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSignVerify(t *testing.T) {
	ident, err := Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ident.NodeID, NodeIDPrefix))

	data := []byte("karma intent payload")
	sig := ident.Sign(data)
	assert.True(t, ident.Verify(sig, data))
	assert.False(t, ident.Verify(sig, []byte("tampered")))

	ok, err := Verify(ident.PublicKeyHex(), sig, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeriveIsDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	a, err := Derive(secret)
	require.NoError(t, err)
	b, err := Derive(secret)
	require.NoError(t, err)
	assert.Equal(t, a.NodeID, b.NodeID)
	assert.Equal(t, a.PublicKeyHex(), b.PublicKeyHex())

	c, err := Derive([]byte("a different operator key 1234567"))
	require.NoError(t, err)
	assert.NotEqual(t, a.NodeID, c.NodeID)

	_, err = Derive(nil)
	assert.Error(t, err)
}

func TestKeystorePlaintextRoundTrip(t *testing.T) {
	t.Setenv(EnvMasterPassword, "")
	path := filepath.Join(t.TempDir(), "identity.key")

	ident, err := Generate()
	require.NoError(t, err)
	require.NoError(t, ident.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ident.NodeID, loaded.NodeID)

	sig := loaded.Sign([]byte("x"))
	assert.True(t, ident.Verify(sig, []byte("x")))
}

func TestKeystoreEncryptedRoundTrip(t *testing.T) {
	t.Setenv(EnvMasterPassword, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), "identity.key")

	ident, err := Generate()
	require.NoError(t, err)
	require.NoError(t, ident.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ident.PublicKeyHex(), loaded.PublicKeyHex())

	// Wrong password must fail, not silently return garbage.
	t.Setenv(EnvMasterPassword, "wrong")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestEnsureGeneratesOnce(t *testing.T) {
	t.Setenv(EnvMasterPassword, "")
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := Ensure(path)
	require.NoError(t, err)
	second, err := Ensure(path)
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
}
