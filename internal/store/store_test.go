package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "signet.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDetectsSQLiteByDefault(t *testing.T) {
	st := newTestStore(t)
	require.Equal(t, "sqlite", st.Driver())
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Migrate())
}

func TestKeyRecordRoundTrip(t *testing.T) {
	st := newTestStore(t)

	rec := store.KeyRecord{Name: "alice", PubKey: "pubkey-hex", PlainPrivKey: "priv-hex"}
	require.NoError(t, st.InsertKeyRecord(rec))

	got, err := st.GetKeyRecord("alice")
	require.NoError(t, err)
	require.Equal(t, "pubkey-hex", got.PubKey)
	require.False(t, got.Encrypted)

	_, err = st.GetKeyRecord("does-not-exist")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertKeyRecordRejectsDuplicateName(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertKeyRecord(store.KeyRecord{Name: "alice", PubKey: "a"}))

	err := st.InsertKeyRecord(store.KeyRecord{Name: "alice", PubKey: "b"})
	require.ErrorIs(t, err, store.ErrNameInUse)
}

func TestRenameKeyRecordPropagatesToKeyUsers(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.InsertKeyRecord(store.KeyRecord{Name: "alice", PubKey: "a"}))
	_, err := st.CreateKeyUser("alice", "remote-pubkey", "", store.TrustParanoid)
	require.NoError(t, err)

	require.NoError(t, st.RenameKeyRecord("alice", "alice2"))

	users, err := st.ListKeyUsers("alice2")
	require.NoError(t, err)
	require.Len(t, users, 1)
}
