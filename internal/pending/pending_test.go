package pending_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/store"
)

type recordingBus struct {
	events []string
}

func (b *recordingBus) Publish(topic string, _ interface{}) { b.events = append(b.events, topic) }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "signet.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newRequest(keyName, method string) store.Request {
	return store.Request{
		ID:           uuid.NewString(),
		KeyName:      keyName,
		RemotePubkey: "deadbeef",
		Method:       method,
		Params:       "[]",
		CreatedAt:    time.Now(),
	}
}

func TestParkThenApproveResolvesWaiter(t *testing.T) {
	st := newTestStore(t)
	bus := &recordingBus{}
	q := pending.New(st, bus)

	req := newRequest("alice", "ping")
	ch, err := q.Park(req)
	require.NoError(t, err)

	require.NoError(t, q.Approve(req.ID, pending.Scope{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := pending.Await(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, pending.Approved, d.Outcome)
	require.Contains(t, bus.events, "request:approved")
}

func TestDenyResolvesWaiter(t *testing.T) {
	st := newTestStore(t)
	q := pending.New(st, nil)

	req := newRequest("alice", "sign_event")
	ch, err := q.Park(req)
	require.NoError(t, err)
	require.NoError(t, q.Deny(req.ID))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := pending.Await(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, pending.Denied, d.Outcome)
}

func TestApproveTwiceFailsMonoDecision(t *testing.T) {
	st := newTestStore(t)
	q := pending.New(st, nil)

	req := newRequest("alice", "ping")
	_, err := q.Park(req)
	require.NoError(t, err)

	require.NoError(t, q.Approve(req.ID, pending.Scope{}))
	err = q.Approve(req.ID, pending.Scope{})
	require.ErrorIs(t, err, pending.ErrAlreadyProcessed)
}

func TestApproveWithAlwaysAllowInsertsCondition(t *testing.T) {
	st := newTestStore(t)
	q := pending.New(st, nil)

	kuID, err := st.CreateKeyUser("alice", "deadbeef", "", store.TrustParanoid)
	require.NoError(t, err)

	req := newRequest("alice", "ping")
	_, err = q.Park(req)
	require.NoError(t, err)

	require.NoError(t, q.Approve(req.ID, pending.Scope{AlwaysAllow: true}))

	allow, found, err := st.MatchCondition(kuID, "ping", "")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, allow)
}

func TestExpirePollFallback(t *testing.T) {
	st := newTestStore(t)
	q := pending.New(st, nil)

	req := newRequest("alice", "ping")
	req.CreatedAt = time.Now().Add(-2 * time.Minute)
	_, err := q.Park(req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := q.PollForDecision(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, "expired", got.Status(time.Now()))
}
