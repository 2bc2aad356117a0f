package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PendingTTL is how long an undecided request remains pending before it is
// treated as expired.
const PendingTTL = 60 * time.Second

// Request is one inbound NIP-46 call record.
type Request struct {
	ID           string
	KeyName      string
	RemotePubkey string
	Method       string
	Params       string // serialized JSON params array
	Allowed      *bool  // nil = pending
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Status reports the request's current lifecycle state as of now.
func (r Request) Status(now time.Time) string {
	switch {
	case r.Allowed == nil && now.Sub(r.CreatedAt) >= PendingTTL:
		return "expired"
	case r.Allowed == nil:
		return "pending"
	case *r.Allowed:
		return "approved"
	default:
		return "denied"
	}
}

// InsertRequest persists a new pending request (allowed=NULL).
func (s *Store) InsertRequest(r Request) error {
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO requests (id, key_name, remote_pubkey, method, params, allowed, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`),
		r.ID, r.KeyName, r.RemotePubkey, r.Method, r.Params, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
		FROM requests WHERE id = ?`), id)
	return scanRequest(row)
}

func scanRequest(row *sql.Row) (*Request, error) {
	var r Request
	var allowed, processedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&r.ID, &r.KeyName, &r.RemotePubkey, &r.Method, &r.Params, &allowed, &createdAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	if allowed.Valid {
		b := allowed.Int64 != 0
		r.Allowed = &b
	}
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0).UTC()
		r.ProcessedAt = &t
	}
	return &r, nil
}

// ErrAlreadyProcessed means a decision has already been recorded for this
// request id.
var ErrAlreadyProcessed = errors.New("store: request already processed")

// DecideRequest atomically sets allowed=approve for a still-pending request.
// Exactly one caller among concurrent approve/deny calls on the same id
// succeeds; all others observe ErrAlreadyProcessed. This is the
// "UPDATE ... WHERE allowed IS NULL" conditional-update idiom.
func (s *Store) DecideRequest(id string, approve bool) error {
	res, err := s.db.Exec(s.rebind(`
		UPDATE requests SET allowed = ?, processed_at = ? WHERE id = ? AND allowed IS NULL`),
		boolToInt(approve), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("decide request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// ListRequests returns a page of requests filtered by status
// ("pending"|"approved"|"denied"|"expired"), newest first.
func (s *Store) ListRequests(status string, limit, offset int) ([]Request, error) {
	var query string
	nowUnix := time.Now().Unix()
	cutoff := nowUnix - int64(PendingTTL.Seconds())

	switch status {
	case "pending":
		query = fmt.Sprintf(`SELECT id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
			FROM requests WHERE allowed IS NULL AND created_at >= %d
			ORDER BY created_at DESC LIMIT ? OFFSET ?`, cutoff)
	case "expired":
		query = fmt.Sprintf(`SELECT id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
			FROM requests WHERE allowed IS NULL AND created_at < %d
			ORDER BY created_at DESC LIMIT ? OFFSET ?`, cutoff)
	case "approved":
		query = `SELECT id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
			FROM requests WHERE allowed = 1 ORDER BY created_at DESC LIMIT ? OFFSET ?`
	case "denied":
		query = `SELECT id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
			FROM requests WHERE allowed = 0 ORDER BY created_at DESC LIMIT ? OFFSET ?`
	default:
		query = `SELECT id, key_name, remote_pubkey, method, params, allowed, created_at, processed_at
			FROM requests ORDER BY created_at DESC LIMIT ? OFFSET ?`
	}

	rows, err := s.db.Query(s.rebind(query), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		var allowed, processedAt sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.KeyName, &r.RemotePubkey, &r.Method, &r.Params, &allowed, &createdAt, &processedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		if allowed.Valid {
			b := allowed.Int64 != 0
			r.Allowed = &b
		}
		if processedAt.Valid {
			t := time.Unix(processedAt.Int64, 0).UTC()
			r.ProcessedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CleanupExpiredRequests bulk-deletes pending rows older than olderThan.
// Audit history survives independently in log_entries.
func (s *Store) CleanupExpiredRequests(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM requests WHERE allowed IS NULL AND created_at < ?`), olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired requests: %w", err)
	}
	return res.RowsAffected()
}
