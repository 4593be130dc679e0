package keystore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/cryptox"
	"github.com/syncweave/securecore/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "keystore.json"), logging.NewDefault())
	require.NoError(t, s.Initialize("master-password"))
	t.Cleanup(s.Close)
	return s
}

func TestAccessorsBeforeInitialize(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "keystore.json"), logging.NewDefault())

	_, err := s.GetSecret("anything")
	assert.ErrorIs(t, err, common.ErrNotInitialized)

	_, err = s.StoreKey("a", KeyTypeSymmetric, []byte("k"), nil)
	assert.ErrorIs(t, err, common.ErrNotInitialized)

	assert.ErrorIs(t, s.RotateMasterKey("x"), common.ErrNotInitialized)
}

func TestStoreAndRetrieve(t *testing.T) {
	s := newTestStore(t)

	secret := cryptox.RandBytes(32)
	pub := cryptox.RandBytes(32)
	id, err := s.StoreKey("device-identity", KeyTypeSigning, secret, pub)
	require.NoError(t, err)

	byID, err := s.GetSecret(id)
	require.NoError(t, err)
	assert.Equal(t, secret, byID)

	byAlias, err := s.GetSecret("device-identity")
	require.NoError(t, err)
	assert.Equal(t, secret, byAlias)

	gotPub, err := s.GetPublic(id)
	require.NoError(t, err)
	assert.Equal(t, pub, gotPub)

	_, err = s.GetSecret("no-such-key")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSecretsEncryptedOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	s := New(path, logging.NewDefault())
	require.NoError(t, s.Initialize("master-password"))
	defer s.Close()

	secret := []byte("super-secret-key-material-bytes!")
	_, err := s.StoreKey("sym", KeyTypeSymmetric, secret, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(secret))

	var sf map[string]any
	require.NoError(t, json.Unmarshal(raw, &sf))
	keys, ok := sf["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 1)
	// each entry is a [id, record] tuple
	pair, ok := keys[0].([]any)
	require.True(t, ok)
	assert.Len(t, pair, 2)
}

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "keystore.json")
	s := New(path, logging.NewDefault())
	require.NoError(t, s.Initialize("pw"))
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestReloadWithCorrectPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	s := New(path, logging.NewDefault())
	require.NoError(t, s.Initialize("pw"))
	secret := cryptox.RandBytes(32)
	id, err := s.StoreKey("k", KeyTypeSymmetric, secret, nil)
	require.NoError(t, err)
	s.Close()

	reloaded := New(path, logging.NewDefault())
	require.NoError(t, reloaded.Initialize("pw"))
	defer reloaded.Close()

	got, err := reloaded.GetSecret(id)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	wrong := New(path, logging.NewDefault())
	assert.True(t, errors.Is(wrong.Initialize("not-the-password"), ErrWrongPassword))
}

func TestRotateMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	s := New(path, logging.NewDefault())
	require.NoError(t, s.Initialize("old-password"))

	secrets := map[string][]byte{}
	for _, alias := range []string{"a", "b", "c"} {
		sec := cryptox.RandBytes(32)
		id, err := s.StoreKey(alias, KeyTypeSymmetric, sec, nil)
		require.NoError(t, err)
		secrets[id] = sec
	}

	require.NoError(t, s.RotateMasterKey("new-password"))

	for id, want := range secrets {
		got, err := s.GetSecret(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	s.Close()

	reloaded := New(path, logging.NewDefault())
	require.NoError(t, reloaded.Initialize("new-password"))
	defer reloaded.Close()
	for id, want := range secrets {
		got, err := reloaded.GetSecret(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	stale := New(path, logging.NewDefault())
	assert.Error(t, stale.Initialize("old-password"))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	id, err := s.StoreKey("gone", KeyTypeSymmetric, []byte("secret"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))
	_, err = s.GetSecret(id)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, s.Delete(id), common.ErrNotFound)
}

func TestList_HidesSecretMaterial(t *testing.T) {
	s := newTestStore(t)

	_, err := s.StoreKey("one", KeyTypeSigning, []byte("s1"), []byte("p1"))
	require.NoError(t, err)
	_, err = s.StoreKey("two", KeyTypeSymmetric, []byte("s2"), nil)
	require.NoError(t, err)

	keys, err := s.List()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "one", keys[0].Alias)
	for _, k := range keys {
		assert.Nil(t, k.Ciphertext)
		assert.Nil(t, k.IV)
		assert.Nil(t, k.Tag)
	}
}
