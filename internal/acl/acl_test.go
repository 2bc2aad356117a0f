package acl_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/acl"
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

func TestEvaluateFirstContactIsUndecided(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)

	d, err := e.Evaluate("alice", "deadbeef", "ping", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Undecided, d)
}

func TestEvaluateRevokedKeyUserIsDenied(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)

	id, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustFull)
	require.NoError(t, err)
	require.NoError(t, st.RevokeKeyUser(id))

	d, err := e.Evaluate("alice", "deadbeef", "ping", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Denied, d)
}

func TestEvaluateFullTrustPermitsEverything(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)
	_, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustFull)
	require.NoError(t, err)

	d, err := e.Evaluate("alice", "deadbeef", "nip44_decrypt", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Permitted, d)
}

func TestEvaluateParanoidAlwaysAsks(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)
	_, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustParanoid)
	require.NoError(t, err)

	d, err := e.Evaluate("alice", "deadbeef", "ping", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Undecided, d)
}

func TestEvaluateReasonableTrustSafeVsSensitiveKind(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)
	_, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustReasonable)
	require.NoError(t, err)

	d, err := e.Evaluate("alice", "deadbeef", "sign_event", 1) // text note, SAFE
	require.NoError(t, err)
	require.Equal(t, acl.Permitted, d)

	d, err = e.Evaluate("alice", "deadbeef", "sign_event", 4) // encrypted DM, SENSITIVE
	require.NoError(t, err)
	require.Equal(t, acl.Undecided, d)

	d, err = e.Evaluate("alice", "deadbeef", "sign_event", 99999) // unknown kind
	require.NoError(t, err)
	require.Equal(t, acl.Undecided, d)

	d, err = e.Evaluate("alice", "deadbeef", "nip44_encrypt", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Undecided, d)
}

func TestEvaluateExplicitConditionOverridesTrustDefault(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)
	id, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustFull)
	require.NoError(t, err)
	require.NoError(t, st.AddSigningCondition(id, "sign_event", "1", false))

	d, err := e.Evaluate("alice", "deadbeef", "sign_event", 1)
	require.NoError(t, err)
	require.Equal(t, acl.Denied, d)

	d, err = e.Evaluate("alice", "deadbeef", "sign_event", 6)
	require.NoError(t, err)
	require.Equal(t, acl.Permitted, d)
}

func TestEvaluateGlobalDenyOverridesEverything(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)
	id, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustFull)
	require.NoError(t, err)
	require.NoError(t, st.AddSigningCondition(id, "*", "all", false))

	d, err := e.Evaluate("alice", "deadbeef", "ping", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Denied, d)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	st := newTestStore(t)
	e := acl.New(st)
	id, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustParanoid)
	require.NoError(t, err)

	d, err := e.Evaluate("alice", "deadbeef", "ping", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Undecided, d)

	require.NoError(t, st.UpdateTrustLevel(id, store.TrustFull))
	e.Invalidate("alice", "deadbeef")

	d, err = e.Evaluate("alice", "deadbeef", "ping", 0)
	require.NoError(t, err)
	require.Equal(t, acl.Permitted, d)
}
