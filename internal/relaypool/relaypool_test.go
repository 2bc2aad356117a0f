package relaypool_test

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/relaypool"
)

func TestAddAndRemoveRelay(t *testing.T) {
	p := relaypool.New(nil)
	defer p.Close()

	require.True(t, p.AddRelay("wss://relay.example.com"))
	require.False(t, p.AddRelay("wss://relay.example.com"))
	require.Equal(t, []string{"wss://relay.example.com"}, p.Relays())

	require.True(t, p.RemoveRelay("wss://relay.example.com"))
	require.False(t, p.RemoveRelay("wss://relay.example.com"))
	require.Empty(t, p.Relays())
}

func TestStatusesReflectConfiguredRelays(t *testing.T) {
	p := relaypool.New([]string{"wss://a.example.com", "wss://b.example.com"})
	defer p.Close()

	statuses := p.Statuses()
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		require.Equal(t, relaypool.Disconnected, s.State)
		require.False(t, s.CircuitOpen)
	}
}

func TestPublishWithNoRelaysIsANoop(t *testing.T) {
	p := relaypool.New(nil)
	defer p.Close()

	ev := &nostr.Event{ID: "deadbeef", Kind: 1}
	done := make(chan struct{})
	go func() {
		p.Publish(context.Background(), ev)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish with zero relays should return immediately")
	}
}
