// Package pending implements the parked-request queue: requests the
// ACL evaluator could not decide are persisted with allowed=NULL and await
// either a control-plane decision or their 60-second TTL.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klppl/signet/internal/store"
)

// TTL matches store.PendingTTL: a parked request that receives no decision
// within this window resolves as Expired.
const TTL = store.PendingTTL

// Outcome is how a parked request was resolved.
type Outcome int

const (
	Approved Outcome = iota
	Denied
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "expired"
	}
}

// Decision is delivered to a waiter when a parked request resolves.
type Decision struct {
	Outcome Outcome
}

// EventPublisher is the subset of the event bus the queue needs. Kept as an
// interface here so pending does not import eventbus directly — the daemon
// wires the concrete implementation at startup.
type EventPublisher interface {
	Publish(topic string, payload interface{})
}

// Scope carries the optional "always allow" instruction from an approve
// call ("if scope.always_allow is set, also insert an allow
// SigningCondition").
type Scope struct {
	AlwaysAllow bool
	TrustLevel  store.TrustLevel // used only when the parked request's method is "connect"
}

// ErrAlreadyProcessed is returned by Approve/Deny when the request already
// has a decision.
var ErrAlreadyProcessed = store.ErrAlreadyProcessed

// ErrNotFound means the request id does not exist.
var ErrNotFound = store.ErrNotFound

type waiter struct {
	ch chan Decision
}

// Queue tracks in-memory waiters for requests parked in the database.
type Queue struct {
	mu      sync.Mutex
	waiters map[string]*waiter

	store *store.Store
	bus   EventPublisher
}

// New builds a Queue over store, publishing lifecycle events to bus.
func New(st *store.Store, bus EventPublisher) *Queue {
	return &Queue{
		waiters: make(map[string]*waiter),
		store:   st,
		bus:     bus,
	}
}

// Park persists req (allowed=NULL) and returns a channel that delivers
// exactly one Decision: from Approve/Deny, or Expired once TTL elapses.
// The returned channel is always eventually sent to and is never closed,
// so a single receive always completes.
func (q *Queue) Park(req store.Request) (<-chan Decision, error) {
	if err := q.store.InsertRequest(req); err != nil {
		return nil, fmt.Errorf("park request: %w", err)
	}

	w := &waiter{ch: make(chan Decision, 1)}
	q.mu.Lock()
	q.waiters[req.ID] = w
	q.mu.Unlock()

	deadline := req.CreatedAt.Add(TTL)
	time.AfterFunc(time.Until(deadline), func() { q.expire(req.ID) })

	return w.ch, nil
}

// Await blocks on ch until a decision arrives or ctx is cancelled.
func Await(ctx context.Context, ch <-chan Decision) (Decision, error) {
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Approve records an approval, optionally widening the KeyUser's standing
// permissions per scope, and wakes the waiter.
func (q *Queue) Approve(id string, scope Scope) error {
	req, err := q.store.GetRequest(id)
	if err != nil {
		return err
	}
	if err := q.store.DecideRequest(id, true); err != nil {
		return err
	}

	if scope.AlwaysAllow {
		if err := q.applyScope(req, scope); err != nil {
			return fmt.Errorf("approve: apply scope: %w", err)
		}
	}

	if q.bus != nil {
		q.bus.Publish("request:approved", map[string]string{"id": id})
	}
	q.resolve(id, Decision{Outcome: Approved})
	return nil
}

// Deny records a denial and wakes the waiter.
func (q *Queue) Deny(id string) error {
	if err := q.store.DecideRequest(id, false); err != nil {
		return err
	}
	if q.bus != nil {
		q.bus.Publish("request:denied", map[string]string{"id": id})
	}
	q.resolve(id, Decision{Outcome: Denied})
	return nil
}

// applyScope persists the "always allow" standing permission implied by an
// approval. For connect, the caller's chosen trust level is applied
// to the KeyUser rather than an explicit condition.
func (q *Queue) applyScope(req *store.Request, scope Scope) error {
	ku, err := q.store.GetKeyUser(req.KeyName, req.RemotePubkey)
	if errors.Is(err, store.ErrNotFound) {
		return nil // connect handling creates the KeyUser separately
	}
	if err != nil {
		return err
	}

	if req.Method == "connect" {
		trust := scope.TrustLevel
		if trust == "" {
			trust = store.TrustReasonable
		}
		return q.store.UpdateTrustLevel(ku.ID, trust)
	}

	kind := "all"
	if req.Method == "sign_event" {
		kind = sniffKind(req.Params)
	}
	return q.store.AddSigningCondition(ku.ID, req.Method, kind, true)
}

// sniffKind extracts the "kind" field from a serialized unsigned event
// params array without fully unmarshalling the event structure.
func sniffKind(paramsJSON string) string {
	var params []json.RawMessage
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil || len(params) == 0 {
		return "all"
	}
	var ev struct {
		Kind int `json:"kind"`
	}
	if err := json.Unmarshal(params[0], &ev); err != nil {
		return "all"
	}
	return fmt.Sprintf("%d", ev.Kind)
}

// List returns a page of requests by status, delegating to the store.
func (q *Queue) List(status string, limit, offset int) ([]store.Request, error) {
	return q.store.ListRequests(status, limit, offset)
}

// Cleanup bulk-deletes pending rows parked before olderThan.
func (q *Queue) Cleanup(olderThan time.Time) (int64, error) {
	return q.store.CleanupExpiredRequests(olderThan)
}

func (q *Queue) expire(id string) {
	q.mu.Lock()
	w, ok := q.waiters[id]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ch <- Decision{Outcome: Expired}:
	default:
	}
	q.mu.Lock()
	delete(q.waiters, id)
	q.mu.Unlock()
}

// Poll backoff parameters for HTTP long-poll callers that cannot subscribe
// to the event bus directly.
const (
	pollInitial    = 100 * time.Millisecond
	pollMultiplier = 1.5
	pollCap        = 2 * time.Second
	pollTimeout    = 65 * time.Second
)

// PollForDecision polls the request record with exponential backoff until
// it leaves the pending state or pollTimeout elapses, for callers that
// cannot hold a waiter channel across an HTTP request/response cycle.
func (q *Queue) PollForDecision(ctx context.Context, id string) (*store.Request, error) {
	deadline := time.Now().Add(pollTimeout)
	delay := pollInitial

	for {
		req, err := q.store.GetRequest(id)
		if err != nil {
			return nil, err
		}
		if req.Status(time.Now()) != "pending" {
			return req, nil
		}
		if time.Now().After(deadline) {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * pollMultiplier)
		if delay > pollCap {
			delay = pollCap
		}
	}
}

func (q *Queue) resolve(id string, d Decision) {
	q.mu.Lock()
	w, ok := q.waiters[id]
	delete(q.waiters, id)
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.ch <- d:
	default:
	}
}
