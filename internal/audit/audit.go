// Package audit records approval/denial history and aggregates the
// dashboard counters on top of the store package, publishing stats:updated
// whenever a write changes the picture.
package audit

import (
	"time"

	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/store"
)

// Logger writes audit entries and serves aggregate stats.
type Logger struct {
	store *store.Store
	bus   *eventbus.Bus
}

// New builds a Logger over store, publishing to bus (may be nil in tests).
func New(st *store.Store, bus *eventbus.Bus) *Logger {
	return &Logger{store: st, bus: bus}
}

// Record writes one audit row and republishes the current stats snapshot.
func (l *Logger) Record(entryType, method, params string, keyUserID *int64, approval store.ApprovalType) error {
	if err := l.store.WriteLogEntry(entryType, method, params, keyUserID, approval); err != nil {
		return err
	}
	l.publishStats()
	return nil
}

// Recent returns up to limit audit rows, newest first.
func (l *Logger) Recent(limit int) ([]store.LogEntry, error) {
	return l.store.RecentLogEntries(limit)
}

// Stats returns the current dashboard counters.
func (l *Logger) Stats() (store.Stats, error) {
	return l.store.Stats()
}

// HourlyActivity returns the 24-hour histogram for the dashboard.
func (l *Logger) HourlyActivity() ([]store.HourBucket, error) {
	return l.store.HourlyActivity()
}

// Dashboard bundles everything /dashboard needs in one round trip set.
type Dashboard struct {
	Stats  store.Stats
	Recent []store.LogEntry
	Hourly []store.HourBucket
}

// BuildDashboard assembles a Dashboard snapshot.
func (l *Logger) BuildDashboard(recentLimit int) (Dashboard, error) {
	stats, err := l.Stats()
	if err != nil {
		return Dashboard{}, err
	}
	recent, err := l.Recent(recentLimit)
	if err != nil {
		return Dashboard{}, err
	}
	hourly, err := l.HourlyActivity()
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{Stats: stats, Recent: recent, Hourly: hourly}, nil
}

func (l *Logger) publishStats() {
	if l.bus == nil {
		return
	}
	stats, err := l.store.Stats()
	if err != nil {
		return
	}
	l.bus.Publish(eventbus.TopicStatsUpdated, stats)
}

// CleanupInterval is a 60-second sweep cadence. No janitor in the daemon
// runs on it: cmd/signetd purges requests on its own pendingCleanupInterval,
// and expired connection tokens are not swept automatically.
const CleanupInterval = 60 * time.Second
