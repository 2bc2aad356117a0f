// Package eventbus implements signet's in-process publish/subscribe:
// best-effort fanout of lifecycle events to control-plane subscribers (SSE
// clients, the dashboard), with no backpressure and no replay for late
// joiners.
package eventbus

import "sync"

// bufferCapacity is the per-subscriber channel size. A subscriber whose
// buffer fills is dropped events, not blocked.
const bufferCapacity = 64

// Topics is the fixed topic list; publishers should use these
// constants rather than ad-hoc strings.
const (
	TopicConnected           = "connected"
	TopicRequestCreated      = "request:created"
	TopicRequestApproved     = "request:approved"
	TopicRequestDenied       = "request:denied"
	TopicRequestExpired      = "request:expired"
	TopicRequestAutoApproved = "request:auto_approved"
	TopicStatsUpdated        = "stats:updated"
	TopicAppConnected        = "app:connected"
	TopicAppRevoked          = "app:revoked"
	TopicKeyCreated          = "key:created"
	TopicKeyUnlocked         = "key:unlocked"
	TopicKeyDeleted          = "key:deleted"
	TopicRelaysUpdated       = "relays:updated"
)

// Event is one delivered message: a topic and an arbitrary JSON-serializable
// payload.
type Event struct {
	Topic   string
	Payload interface{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus fans Event values out to all current subscribers. The zero value is
// not usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers an event to every current subscriber. A subscriber whose
// channel is full is skipped rather than blocked — slow consumers lose
// events, not the publisher.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel and a cancel
// func that must be called once the subscriber is done (e.g. the SSE
// connection closes).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	s := &subscriber{ch: make(chan Event, bufferCapacity)}
	b.subs[id] = s

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, id)
		close(s.ch)
	}
	return s.ch, cancel
}

// SubscriberCount reports the number of live subscribers, for dashboard
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
