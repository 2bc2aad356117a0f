// Package relaypool maintains signet's relay connections: an
// ordered set of relay URLs, per-relay circuit breakers, fan-out publish,
// and multiplexed subscribe with reconnect-on-drop.
package relaypool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"
)

// ConnState is a relay connection's lifecycle stage.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Authenticated
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

const (
	cbCooldown    = 5 * time.Minute
	cbThreshold   = 3
	healthPeriod  = 30 * time.Second
	maxReconnect  = 30 * time.Second
	eoseWait      = 10 * time.Second
	subEventQueue = 64
)

// circuit is a per-relay circuit breaker, grounded on the teacher's
// publish-side breaker: cbThreshold consecutive failures opens it for
// cbCooldown before a half-open retry.
type circuit struct {
	mu        sync.Mutex
	failCount int
	openedAt  time.Time
	open      bool
}

func (c *circuit) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	if time.Since(c.openedAt) >= cbCooldown {
		c.open = false
		c.failCount = 0
		return false
	}
	return true
}

func (c *circuit) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if !c.open && c.failCount >= cbThreshold {
		c.open = true
		c.openedAt = time.Now()
	}
}

func (c *circuit) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.failCount = 0
}

// relayState tracks one relay's connection lifecycle and reconnect backoff.
type relayState struct {
	mu           sync.Mutex
	status       ConnState
	attempts     int
	reconnecting bool
	circuit      *circuit
}

func (r *relayState) setStatus(s ConnState) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *relayState) getStatus() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// backoff returns min(1s * 2^attempts, 30s) and increments attempts.
func (r *relayState) backoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := time.Duration(1<<uint(minInt(r.attempts, 5))) * time.Second
	if d > maxReconnect {
		d = maxReconnect
	}
	r.attempts++
	return d
}

func (r *relayState) resetAttempts() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// beginReconnect marks a reconnect as scheduled, returning false if one is
// already in flight (so the health loop and a publish failure don't both
// schedule a timer for the same relay).
func (r *relayState) beginReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconnecting {
		return false
	}
	r.reconnecting = true
	return true
}

func (r *relayState) endReconnect() {
	r.mu.Lock()
	r.reconnecting = false
	r.mu.Unlock()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RelayStatus is the public view of one relay for the admin API.
type RelayStatus struct {
	URL         string
	State       ConnState
	CircuitOpen bool
}

// AuditFunc is invoked once per relay per publish attempt, for the audit
// logger ("per-relay success and failure are reported via optional
// callbacks").
type AuditFunc func(relayURL string, event *nostr.Event, err error)

// Outbound publish rate limit, matching the teacher's Publisher.limiter:
// 2 events/sec per pool with a short burst allowance for threaded replies,
// so signet doesn't trip anti-spam circuits on strict relays during bursts.
const (
	publishRateLimit = rate.Limit(2)
	publishRateBurst = 5
)

type subscription struct {
	id      string
	filter  nostr.Filter
	onEvent func(*nostr.Event)
	onEOSE  func()
	cancel  context.CancelFunc
}

// Pool owns a dynamic set of relay URLs, their connection states, and every
// live subscription, replaying subscriptions onto relays added after the
// fact.
type Pool struct {
	mu     sync.RWMutex
	relays []string
	states map[string]*relayState
	subs   map[string]*subscription

	simple  *nostr.SimplePool
	auditFn AuditFunc
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pool seeded with the given relay URLs. Call Start to begin
// the health loop; Subscribe/Publish work immediately.
func New(relays []string) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		relays: append([]string{}, relays...),
		states: make(map[string]*relayState, len(relays)),
		subs:   make(map[string]*subscription),
		simple:  nostr.NewSimplePool(ctx),
		limiter: rate.NewLimiter(publishRateLimit, publishRateBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, r := range relays {
		p.states[r] = &relayState{circuit: &circuit{}}
	}
	return p
}

// SetAuditFunc registers the callback invoked after every per-relay publish
// attempt.
func (p *Pool) SetAuditFunc(f AuditFunc) { p.auditFn = f }

// Start runs the background health loop until ctx is cancelled or Close is
// called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(healthPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.forceReconnectStale()
			}
		}
	}()
}

// Close tears down the pool's background work and all live subscriptions.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	for _, s := range p.subs {
		s.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// AddRelay appends a relay and registers it on every live subscription.
// Returns false if already present.
func (p *Pool) AddRelay(url string) bool {
	p.mu.Lock()
	for _, r := range p.relays {
		if r == url {
			p.mu.Unlock()
			return false
		}
	}
	p.relays = append(p.relays, url)
	p.states[url] = &relayState{circuit: &circuit{}}
	subs := p.snapshotSubs()
	p.mu.Unlock()

	for _, s := range subs {
		p.restartSubscription(s)
	}
	return true
}

// RemoveRelay drops a relay from the pool. Returns false if not present.
func (p *Pool) RemoveRelay(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.relays {
		if r == url {
			p.relays = append(p.relays[:i], p.relays[i+1:]...)
			delete(p.states, url)
			return true
		}
	}
	return false
}

// Relays returns the current relay URL list.
func (p *Pool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string{}, p.relays...)
}

// Statuses returns per-relay connection and circuit state for the admin API.
func (p *Pool) Statuses() []RelayStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RelayStatus, 0, len(p.relays))
	for _, url := range p.relays {
		st := p.states[url]
		out = append(out, RelayStatus{URL: url, State: st.getStatus(), CircuitOpen: st.circuit.isOpen()})
	}
	return out
}

// ResetCircuit clears a relay's circuit-breaker state, e.g. from the admin UI.
func (p *Pool) ResetCircuit(url string) {
	p.mu.RLock()
	st := p.states[url]
	p.mu.RUnlock()
	if st != nil {
		st.circuit.recordSuccess()
	}
}

// Publish dispatches event to every relay with a closed circuit,
// concurrently, and returns as soon as dispatch has started — it does not
// wait for per-relay OK responses.
func (p *Pool) Publish(ctx context.Context, event *nostr.Event) {
	if err := p.limiter.Wait(ctx); err != nil {
		slog.Warn("relaypool: outbound rate limit wait failed", "id", event.ID, "error", err)
		return
	}

	p.mu.RLock()
	relays := append([]string{}, p.relays...)
	states := make(map[string]*relayState, len(p.states))
	for k, v := range p.states {
		states[k] = v
	}
	p.mu.RUnlock()

	active := make([]string, 0, len(relays))
	for _, url := range relays {
		if !states[url].circuit.isOpen() {
			active = append(active, url)
		}
	}
	if len(active) == 0 {
		slog.Warn("relaypool: publish skipped, all circuits open", "id", event.ID)
		return
	}

	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for result := range p.simple.PublishMany(pubCtx, active, *event) {
			st := states[result.RelayURL]
			if result.Error != nil {
				st.circuit.recordFailure()
				st.setStatus(Disconnected)
				p.scheduleReconnect(result.RelayURL, st)
			} else {
				st.circuit.recordSuccess()
				st.resetAttempts()
				st.setStatus(Connected)
			}
			if p.auditFn != nil {
				p.auditFn(result.RelayURL, event, result.Error)
			}
		}
	}()
}

// Subscribe registers filter under id across every current relay (and any
// relay added later), invoking onEvent for each matching event and onEOSE
// the first time any relay reports end-of-stored-events. The returned
// close_fn unregisters the subscription.
func (p *Pool) Subscribe(filter nostr.Filter, onEvent func(*nostr.Event), id string, onEOSE func()) func() {
	sub := &subscription{id: id, filter: filter, onEvent: onEvent, onEOSE: onEOSE}

	p.mu.Lock()
	p.subs[id] = sub
	p.mu.Unlock()

	p.restartSubscription(sub)

	return func() {
		p.mu.Lock()
		s, ok := p.subs[id]
		delete(p.subs, id)
		p.mu.Unlock()
		if ok && s.cancel != nil {
			s.cancel()
		}
	}
}

func (p *Pool) snapshotSubs() []*subscription {
	out := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, s)
	}
	return out
}

// restartSubscription (re)establishes sub against the current relay list.
// Any prior goroutine for this subscription is cancelled first.
func (p *Pool) restartSubscription(sub *subscription) {
	p.mu.Lock()
	if sub.cancel != nil {
		sub.cancel()
	}
	subCtx, cancel := context.WithCancel(p.ctx)
	sub.cancel = cancel
	relays := append([]string{}, p.relays...)
	p.mu.Unlock()

	if len(relays) == 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSubscription(subCtx, relays, sub)
	}()
}

func (p *Pool) runSubscription(ctx context.Context, relays []string, sub *subscription) {
	eoseFired := false
	for ev := range p.simple.SubMany(ctx, relays, nostr.Filters{sub.filter}) {
		if ev.Event != nil {
			sub.onEvent(ev.Event)
			continue
		}
		if !eoseFired && sub.onEOSE != nil {
			eoseFired = true
			sub.onEOSE()
		}
	}
}

// Ping opens a throwaway subscription matching no real events and waits up
// to eoseWait for EOSE from any relay, used by the subscription manager's
// heartbeat probe.
func (p *Pool) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, eoseWait)
	defer cancel()

	future := nostr.Timestamp(time.Now().AddDate(1, 0, 0).Unix())
	filter := nostr.Filter{Kinds: []int{0}, Since: &future, Limit: 1}

	done := make(chan struct{})
	var once sync.Once
	cancelProbe := p.Subscribe(filter, func(*nostr.Event) {}, fmt.Sprintf("ping-probe-%d", time.Now().UnixNano()), func() {
		once.Do(func() { close(done) })
	})
	defer cancelProbe()

	select {
	case <-done:
		return nil
	case <-probeCtx.Done():
		return fmt.Errorf("relaypool: ping probe timed out waiting for EOSE")
	}
}

// scheduleReconnect arranges for a subscription restart after
// min(1s*2^attempts, 30s), per relay. Only one pending reconnect
// timer per relay is allowed at a time.
func (p *Pool) scheduleReconnect(url string, st *relayState) {
	if !st.beginReconnect() {
		return
	}
	delay := st.backoff()
	time.AfterFunc(delay, func() {
		defer st.endReconnect()
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		st.setStatus(Connecting)
		p.mu.RLock()
		subs := p.snapshotSubs()
		p.mu.RUnlock()
		for _, s := range subs {
			p.restartSubscription(s)
		}
	})
}

// forceReconnectStale resubscribes relays whose status is not Connected, on
// the health-loop cadence.
func (p *Pool) forceReconnectStale() {
	p.mu.RLock()
	stale := make([]string, 0)
	for url, st := range p.states {
		if st.getStatus() != Connected {
			stale = append(stale, url)
		}
	}
	subs := p.snapshotSubs()
	p.mu.RUnlock()

	if len(stale) == 0 {
		return
	}
	slog.Debug("relaypool: health loop reconnecting stale relays", "relays", stale)
	for _, s := range subs {
		p.restartSubscription(s)
	}
}
