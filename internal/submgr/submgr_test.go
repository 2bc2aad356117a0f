package submgr_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/submgr"
)

type fakePool struct {
	mu         sync.Mutex
	subscribes int
	pingErr    error
	pingCalls  int
}

func (f *fakePool) Subscribe(_ nostr.Filter, _ func(*nostr.Event), _ string, _ func()) func() {
	f.mu.Lock()
	f.subscribes++
	f.mu.Unlock()
	return func() {}
}

func (f *fakePool) Publish(context.Context, *nostr.Event) {}

func (f *fakePool) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
	return f.pingErr
}

func (f *fakePool) snapshot() (subs, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.pingCalls
}

func TestSubscribeRegistersWithPool(t *testing.T) {
	f := &fakePool{}
	m := submgr.New(f)

	cancel := m.Subscribe(nostr.Filter{Kinds: []int{24133}}, func(*nostr.Event) {}, "sub-1", nil)
	defer cancel()

	subs, _ := f.snapshot()
	require.Equal(t, 1, subs)
}

func TestHeartbeatFailureTriggersRestart(t *testing.T) {
	f := &fakePool{pingErr: errors.New("no EOSE")}
	m := submgr.New(f)
	m.SetInterval(20 * time.Millisecond)

	m.Subscribe(nostr.Filter{Kinds: []int{24133}}, func(*nostr.Event) {}, "sub-1", nil)

	// First failed ping at ~20ms; the restart runs after the 2s debounce
	// plus 500ms quiescence, so the run must outlast ~2.52s.
	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	subs, pings := f.snapshot()
	require.GreaterOrEqual(t, pings, 1)
	require.GreaterOrEqual(t, subs, 2) // initial + at least one restart
}
