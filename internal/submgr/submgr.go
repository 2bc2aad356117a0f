// Package submgr wraps the relay pool with the invariant that every
// registered subscription stays live on at least one relay: a
// heartbeat loop detects sleep/wake gaps and dead connections, and debounces
// subscription restarts.
package submgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/signet/internal/relaypool"
)

const (
	// DefaultHeartbeatInterval is the default heartbeat cadence.
	DefaultHeartbeatInterval = 60 * time.Second
	sleepWakeMultiplier      = 3
	debounceDelay            = 2 * time.Second
	restartQuiescence        = 500 * time.Millisecond
)

// entry is one managed (id, filter, on_event) triple the manager can
// recreate after a restart.
type entry struct {
	id      string
	filter  nostr.Filter
	onEvent func(*nostr.Event)
	onEOSE  func()
}

// Pool is the subset of relaypool.Pool the manager drives.
type Pool interface {
	Subscribe(filter nostr.Filter, onEvent func(*nostr.Event), id string, onEOSE func()) func()
	Publish(ctx context.Context, event *nostr.Event)
	Ping(ctx context.Context) error
}

var _ Pool = (*relaypool.Pool)(nil)

// Manager owns every long-lived subscription signet's NIP-46 backends
// register, restarting them as a group whenever the heartbeat detects
// trouble.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]entry
	closeFns map[string]func()

	pool     Pool
	interval time.Duration

	restartPending bool
	restartTimer   *time.Timer

	lastTick time.Time
}

// New builds a Manager over pool with the default heartbeat interval.
func New(pool Pool) *Manager {
	return &Manager{
		entries:  make(map[string]entry),
		closeFns: make(map[string]func()),
		pool:     pool,
		interval: DefaultHeartbeatInterval,
		lastTick: time.Now(),
	}
}

// SetInterval overrides the heartbeat interval; call before Run.
func (m *Manager) SetInterval(d time.Duration) { m.interval = d }

// Subscribe registers (id, filter, onEvent) and starts it immediately.
// Unlike relaypool.Subscribe, the manager remembers the triple so it can be
// recreated after a restart; the returned close_fn both stops the live
// subscription and forgets the triple.
func (m *Manager) Subscribe(filter nostr.Filter, onEvent func(*nostr.Event), id string, onEOSE func()) func() {
	m.mu.Lock()
	m.entries[id] = entry{id: id, filter: filter, onEvent: onEvent, onEOSE: onEOSE}
	cancel := m.pool.Subscribe(filter, onEvent, id, onEOSE)
	m.closeFns[id] = cancel
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.entries, id)
		if c, ok := m.closeFns[id]; ok {
			c()
			delete(m.closeFns, id)
		}
	}
}

// Publish delegates to the underlying pool; publishing needs no
// subscription bookkeeping, so the manager is a passthrough here. This
// makes Manager satisfy backend.Relays alongside relaypool.Pool.
func (m *Manager) Publish(ctx context.Context, event *nostr.Event) {
	m.pool.Publish(ctx, event)
}

// Run drives the heartbeat loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.mu.Lock()
	m.lastTick = time.Now()
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	elapsed := time.Since(m.lastTick)
	m.lastTick = time.Now()
	m.mu.Unlock()

	if elapsed > time.Duration(sleepWakeMultiplier)*m.interval {
		slog.Warn("submgr: sleep/wake gap detected, restarting subscriptions", "elapsed", elapsed)
		m.scheduleRestart()
		return
	}

	if err := m.pool.Ping(ctx); err != nil {
		slog.Warn("submgr: heartbeat ping failed", "error", err)
		m.scheduleRestart()
		return
	}
	slog.Debug("submgr: heartbeat ok")
}

// scheduleRestart debounces bursts of restart triggers into a single
// restart, coalesced over debounceDelay.
func (m *Manager) scheduleRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restartPending {
		return
	}
	m.restartPending = true
	m.restartTimer = time.AfterFunc(debounceDelay, m.restart)
}

// restart closes every managed subscription, waits restartQuiescence, then
// recreates each one from its remembered triple.
func (m *Manager) restart() {
	m.mu.Lock()
	entries := make([]entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	closeFns := m.closeFns
	m.closeFns = make(map[string]func())
	m.mu.Unlock()

	for _, c := range closeFns {
		c()
	}

	time.Sleep(restartQuiescence)

	m.mu.Lock()
	for _, e := range entries {
		cancel := m.pool.Subscribe(e.filter, e.onEvent, e.id, e.onEOSE)
		m.closeFns[e.id] = cancel
	}
	m.restartPending = false
	m.mu.Unlock()

	slog.Info("submgr: subscriptions restarted", "count", len(entries))
}
