package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/eventbus"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := eventbus.New()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(eventbus.TopicAppConnected, map[string]string{"key": "alice"})

	select {
	case ev := <-ch:
		require.Equal(t, eventbus.TopicAppConnected, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	b := eventbus.New()
	_, cancel := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	cancel()
	require.Equal(t, 0, b.SubscriberCount())
	cancel() // idempotent
}

func TestSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := eventbus.New()
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(eventbus.TopicStatsUpdated, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
