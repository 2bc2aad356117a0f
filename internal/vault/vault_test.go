package vault_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "signet.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	return vault.New(st)
}

func TestCreatePlainKeyIsImmediatelyActive(t *testing.T) {
	v := newTestVault(t)

	info, err := v.Create("alice", "", "")
	require.NoError(t, err)
	require.Equal(t, vault.StatusOnline, info.Status)
	require.False(t, info.Encrypted)
	require.NotEmpty(t, info.PubKey)

	priv, ok := v.PrivateKeyHex("alice")
	require.True(t, ok)
	require.Len(t, priv, 64)
}

func TestCreateEncryptedKeyStartsLocked(t *testing.T) {
	v := newTestVault(t)

	info, err := v.Create("bob", "correct horse battery staple", "")
	require.NoError(t, err)
	require.Equal(t, vault.StatusLocked, info.Status)
	require.True(t, info.Encrypted)

	_, ok := v.PrivateKeyHex("bob")
	require.False(t, ok)
}

func TestUnlockWithWrongPassphraseFails(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Create("carol", "swordfish", "")
	require.NoError(t, err)

	err = v.Unlock("carol", "wrong passphrase")
	require.ErrorIs(t, err, vault.ErrInvalidPassphrase)

	err = v.Unlock("carol", "swordfish")
	require.NoError(t, err)

	_, ok := v.PrivateKeyHex("carol")
	require.True(t, ok)
}

func TestLockEvictsActiveMaterial(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Create("dave", "hunter2", "")
	require.NoError(t, err)
	require.NoError(t, v.Unlock("dave", "hunter2"))

	require.NoError(t, v.Lock("dave"))
	_, ok := v.PrivateKeyHex("dave")
	require.False(t, ok)

	require.ErrorIs(t, v.Lock("dave"), vault.ErrNotActive)
}

func TestCreateWithDuplicateNameFails(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Create("erin", "", "")
	require.NoError(t, err)

	_, err = v.Create("erin", "", "")
	require.ErrorIs(t, err, vault.ErrNameInUse)
}

func TestRenamePreservesActivation(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Create("frank", "", "")
	require.NoError(t, err)

	require.NoError(t, v.Rename("frank", "francine"))

	priv, ok := v.PrivateKeyHex("francine")
	require.True(t, ok)
	require.NotEmpty(t, priv)

	_, ok = v.PrivateKeyHex("frank")
	require.False(t, ok)
}

func TestSetPassphraseThenUnlockRoundTrips(t *testing.T) {
	v := newTestVault(t)
	info, err := v.Create("grace", "", "")
	require.NoError(t, err)
	plainPriv, _ := v.PrivateKeyHex("grace")

	require.NoError(t, v.SetPassphrase("grace", "new-passphrase"))
	require.ErrorIs(t, v.SetPassphrase("grace", "again"), vault.ErrAlreadyEncrypted)

	require.NoError(t, v.Lock("grace"))
	require.NoError(t, v.Unlock("grace", "new-passphrase"))

	priv, ok := v.PrivateKeyHex("grace")
	require.True(t, ok)
	require.Equal(t, plainPriv, priv)
	require.Equal(t, info.PubKey, mustPubKey(t, v, "grace"))
}

func TestDeleteRequiresPassphraseForEncryptedKey(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Create("heidi", "topsecret", "")
	require.NoError(t, err)

	_, err = v.Delete("heidi", "")
	require.ErrorIs(t, err, vault.ErrPassphraseRequired)

	_, err = v.Delete("heidi", "wrong")
	require.ErrorIs(t, err, vault.ErrInvalidPassphrase)

	_, err = v.Delete("heidi", "topsecret")
	require.NoError(t, err)

	list, err := v.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestActivationCallbackFiresOnCreateAndUnlock(t *testing.T) {
	v := newTestVault(t)

	var activated []string
	v.SetActivationCallback(func(name, pubKeyHex, privKeyHex string) {
		activated = append(activated, name)
	})
	var deactivated []string
	v.SetDeactivationCallback(func(name string) {
		deactivated = append(deactivated, name)
	})

	_, err := v.Create("ivan", "", "")
	require.NoError(t, err)
	require.Equal(t, []string{"ivan"}, activated)

	_, err = v.Create("judy", "pw", "")
	require.NoError(t, err)
	require.Equal(t, []string{"ivan"}, activated)

	require.NoError(t, v.Unlock("judy", "pw"))
	require.Equal(t, []string{"ivan", "judy"}, activated)

	require.NoError(t, v.Lock("judy"))
	require.Equal(t, []string{"judy"}, deactivated)
}

func mustPubKey(t *testing.T, v *vault.Vault, name string) string {
	t.Helper()
	list, err := v.List()
	require.NoError(t, err)
	for _, k := range list {
		if k.Name == name {
			return k.PubKey
		}
	}
	t.Fatalf("key %s not found", name)
	return ""
}
