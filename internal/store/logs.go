package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// ApprovalType classifies how a request was authorized, for the audit log.
type ApprovalType string

const (
	ApprovalManual          ApprovalType = "manual"
	ApprovalAutoTrust       ApprovalType = "auto_trust"
	ApprovalAutoPermission  ApprovalType = "auto_permission"
)

// LogEntry is one audit record: an approval, denial, auto-approval, or
// registration.
type LogEntry struct {
	ID           int64
	Type         string // "approved" | "denied" | "registered" | ...
	Method       string
	Params       string
	KeyUserID    *int64
	ApprovalType ApprovalType
	CreatedAt    time.Time
}

// WriteLogEntry appends an audit record. Best-effort on the NIP-46 path:
// the backend discards its error, so it never reaches the response.
func (s *Store) WriteLogEntry(entryType, method, params string, keyUserID *int64, approval ApprovalType) error {
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO log_entries (type, method, params, key_user_id, approval_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		entryType, method, params, keyUserID, string(approval), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	return nil
}

// RecentLogEntries returns up to limit entries, newest first.
func (s *Store) RecentLogEntries(limit int) ([]LogEntry, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT id, type, method, params, key_user_id, approval_type, created_at
		FROM log_entries ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent log entries: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var keyUserID sql.NullInt64
		var approval string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Method, &e.Params, &keyUserID, &approval, &createdAt); err != nil {
			return nil, err
		}
		if keyUserID.Valid {
			e.KeyUserID = &keyUserID.Int64
		}
		e.ApprovalType = ApprovalType(approval)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats holds aggregate counters for the dashboard.
type Stats struct {
	TotalKeys        int
	TotalKeyUsers    int
	ActiveKeyUsers   int
	PendingRequests  int
	ApprovedToday    int
	DeniedToday      int
	AutoApprovedToday int
}

// Stats aggregates dashboard counters in a small number of round trips.
func (s *Store) Stats() (Stats, error) {
	var st Stats

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM key_records`).Scan(&st.TotalKeys); err != nil {
		return st, fmt.Errorf("stats: keys: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM key_users`).Scan(&st.TotalKeyUsers); err != nil {
		return st, fmt.Errorf("stats: key_users: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM key_users WHERE revoked_at IS NULL`).Scan(&st.ActiveKeyUsers); err != nil {
		return st, fmt.Errorf("stats: active key_users: %w", err)
	}

	cutoff := time.Now().Unix() - int64(PendingTTL.Seconds())
	if err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM requests WHERE allowed IS NULL AND created_at >= ?`), cutoff).
		Scan(&st.PendingRequests); err != nil {
		return st, fmt.Errorf("stats: pending: %w", err)
	}

	dayAgo := time.Now().Add(-24 * time.Hour).Unix()
	if err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM log_entries WHERE type = 'approved' AND created_at >= ?`), dayAgo).
		Scan(&st.ApprovedToday); err != nil {
		return st, fmt.Errorf("stats: approved today: %w", err)
	}
	if err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM log_entries WHERE type = 'denied' AND created_at >= ?`), dayAgo).
		Scan(&st.DeniedToday); err != nil {
		return st, fmt.Errorf("stats: denied today: %w", err)
	}
	if err := s.db.QueryRow(s.rebind(`
		SELECT COUNT(*) FROM log_entries
		WHERE approval_type IN ('auto_trust','auto_permission') AND created_at >= ?`), dayAgo).
		Scan(&st.AutoApprovedToday); err != nil {
		return st, fmt.Errorf("stats: auto approved today: %w", err)
	}

	return st, nil
}

// HourBucket is one hour of the /dashboard hourly histogram: the hour's
// start as a Unix timestamp and the number of log entries in that hour.
type HourBucket struct {
	HourUnix int64
	Count    int
}

// HourlyActivity returns log_entries counts bucketed by hour over the last
// 24 hours, oldest first. Hours with no entries are omitted.
func (s *Store) HourlyActivity() ([]HourBucket, error) {
	since := time.Now().Add(-24 * time.Hour).Unix()
	rows, err := s.db.Query(s.rebind(`
		SELECT created_at, 1 FROM log_entries WHERE created_at >= ? ORDER BY created_at`), since)
	if err != nil {
		return nil, fmt.Errorf("hourly activity: %w", err)
	}
	defer rows.Close()

	buckets := make(map[int64]int)
	for rows.Next() {
		var ts int64
		var one int
		if err := rows.Scan(&ts, &one); err != nil {
			return nil, err
		}
		hour := ts - (ts % 3600)
		buckets[hour]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]HourBucket, 0, len(buckets))
	for h, c := range buckets {
		out = append(out, HourBucket{HourUnix: h, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HourUnix < out[j].HourUnix })
	return out, nil
}
