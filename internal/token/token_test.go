package token_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/token"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "signet.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIssueAndRedeem(t *testing.T) {
	db := newTestStore(t)
	ts := token.New(db)

	policyID, err := db.CreatePolicy("read-only", []store.PolicyRule{
		{Method: "sign_event", Kind: "1", Allow: true},
	})
	require.NoError(t, err)

	tok, err := ts.Issue("alice", &policyID, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Secret)

	kuID, err := db.CreateKeyUser("alice", "deadbeef", "", store.TrustReasonable)
	require.NoError(t, err)

	fetched, err := ts.Lookup(tok.Secret)
	require.NoError(t, err)
	require.NoError(t, ts.Redeem(fetched, kuID))

	allow, found, err := db.MatchCondition(kuID, "sign_event", "1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, allow)
}

func TestRedeemTwiceFails(t *testing.T) {
	db := newTestStore(t)
	ts := token.New(db)

	tok, err := ts.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	kuID, err := db.CreateKeyUser("alice", "deadbeef", "", store.TrustReasonable)
	require.NoError(t, err)

	require.NoError(t, ts.Redeem(&tok, kuID))
	err = ts.Redeem(&tok, kuID)
	require.ErrorIs(t, err, token.ErrAlreadyRedeemed)
}

func TestRedeemExpiredFails(t *testing.T) {
	db := newTestStore(t)
	ts := token.New(db)

	tok, err := ts.Issue("alice", nil, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	kuID, err := db.CreateKeyUser("alice", "deadbeef", "", store.TrustReasonable)
	require.NoError(t, err)

	err = ts.Redeem(&tok, kuID)
	require.ErrorIs(t, err, token.ErrExpired)
}
