package audit_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/audit"
	"github.com/klppl/signet/internal/eventbus"
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

func TestRecordPublishesStatsUpdated(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New()
	l := audit.New(st, bus)

	ch, cancel := bus.Subscribe()
	defer cancel()

	require.NoError(t, l.Record("approved", "ping", "[]", nil, store.ApprovalManual))

	select {
	case ev := <-ch:
		require.Equal(t, eventbus.TopicStatsUpdated, ev.Topic)
	default:
		t.Fatal("expected a stats:updated event")
	}
}

func TestBuildDashboard(t *testing.T) {
	st := newTestStore(t)
	l := audit.New(st, nil)

	require.NoError(t, l.Record("approved", "ping", "[]", nil, store.ApprovalManual))

	dash, err := l.BuildDashboard(10)
	require.NoError(t, err)
	require.Equal(t, 1, dash.Stats.ApprovedToday)
	require.Len(t, dash.Recent, 1)
}
