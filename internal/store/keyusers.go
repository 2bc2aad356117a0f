package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TrustLevel is a KeyUser's auto-approval tier.
type TrustLevel string

const (
	TrustParanoid   TrustLevel = "paranoid"
	TrustReasonable TrustLevel = "reasonable"
	TrustFull       TrustLevel = "full"
)

// KeyUser is the join of (key name, remote pubkey): a client introduced to
// a key.
type KeyUser struct {
	ID            int64
	KeyName       string
	RemotePubkey  string
	Description   string
	TrustLevel    TrustLevel
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	RevokedAt     *time.Time
	SuspendedAt   *time.Time
	SuspendUntil  *time.Time
}

// IsSuspended reports whether the KeyUser is currently suspended, as of now.
func (k KeyUser) IsSuspended(now time.Time) bool {
	if k.SuspendedAt == nil {
		return false
	}
	if k.SuspendUntil == nil {
		return true
	}
	return now.Before(*k.SuspendUntil)
}

// GetKeyUser returns the non-revoked KeyUser for (keyName, remotePubkey), if
// any. ErrNotFound means first contact.
func (s *Store) GetKeyUser(keyName, remotePubkey string) (*KeyUser, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT id, key_name, remote_pubkey, description, trust_level,
		       created_at, last_used_at, revoked_at, suspended_at, suspend_until
		FROM key_users
		WHERE key_name = ? AND remote_pubkey = ? AND revoked_at IS NULL`),
		keyName, remotePubkey)
	return scanKeyUser(row)
}

// GetKeyUserByID loads a KeyUser by its numeric id, revoked or not (used by
// the apps admin endpoints).
func (s *Store) GetKeyUserByID(id int64) (*KeyUser, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT id, key_name, remote_pubkey, description, trust_level,
		       created_at, last_used_at, revoked_at, suspended_at, suspend_until
		FROM key_users WHERE id = ?`), id)
	return scanKeyUser(row)
}

func scanKeyUser(row *sql.Row) (*KeyUser, error) {
	var k KeyUser
	var trust string
	var createdAt int64
	var lastUsed, revokedAt, suspendedAt, suspendUntil sql.NullInt64
	err := row.Scan(&k.ID, &k.KeyName, &k.RemotePubkey, &k.Description, &trust,
		&createdAt, &lastUsed, &revokedAt, &suspendedAt, &suspendUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan key user: %w", err)
	}
	k.TrustLevel = TrustLevel(trust)
	k.CreatedAt = time.Unix(createdAt, 0).UTC()
	k.LastUsedAt = nullTime(lastUsed)
	k.RevokedAt = nullTime(revokedAt)
	k.SuspendedAt = nullTime(suspendedAt)
	k.SuspendUntil = nullTime(suspendUntil)
	return &k, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// CreateKeyUser inserts a new, non-revoked KeyUser and returns its id.
func (s *Store) CreateKeyUser(keyName, remotePubkey, description string, trust TrustLevel) (int64, error) {
	res, err := s.db.Exec(s.rebind(`
		INSERT INTO key_users (key_name, remote_pubkey, description, trust_level, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		keyName, remotePubkey, description, string(trust), time.Now().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("create key user: %w", err)
	}
	return res.LastInsertId()
}

// ListKeyUsers returns every KeyUser (revoked included) for a key, newest first.
func (s *Store) ListKeyUsers(keyName string) ([]KeyUser, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT id, key_name, remote_pubkey, description, trust_level,
		       created_at, last_used_at, revoked_at, suspended_at, suspend_until
		FROM key_users WHERE key_name = ? ORDER BY created_at DESC`), keyName)
	if err != nil {
		return nil, fmt.Errorf("list key users: %w", err)
	}
	defer rows.Close()

	var out []KeyUser
	for rows.Next() {
		var k KeyUser
		var trust string
		var createdAt int64
		var lastUsed, revokedAt, suspendedAt, suspendUntil sql.NullInt64
		if err := rows.Scan(&k.ID, &k.KeyName, &k.RemotePubkey, &k.Description, &trust,
			&createdAt, &lastUsed, &revokedAt, &suspendedAt, &suspendUntil); err != nil {
			return nil, err
		}
		k.TrustLevel = TrustLevel(trust)
		k.CreatedAt = time.Unix(createdAt, 0).UTC()
		k.LastUsedAt = nullTime(lastUsed)
		k.RevokedAt = nullTime(revokedAt)
		k.SuspendedAt = nullTime(suspendedAt)
		k.SuspendUntil = nullTime(suspendUntil)
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeKeyUser permanently marks a KeyUser revoked (irreversible).
func (s *Store) RevokeKeyUser(id int64) error {
	res, err := s.db.Exec(s.rebind(`UPDATE key_users SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`),
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("revoke key user: %w", err)
	}
	return checkRowsAffected(res)
}

// RevokeAllForKey revokes every non-revoked KeyUser for a key and returns
// the number of rows affected (used by vault delete).
func (s *Store) RevokeAllForKey(keyName string) (int64, error) {
	res, err := s.db.Exec(s.rebind(`UPDATE key_users SET revoked_at = ? WHERE key_name = ? AND revoked_at IS NULL`),
		time.Now().Unix(), keyName)
	if err != nil {
		return 0, fmt.Errorf("revoke all for key: %w", err)
	}
	return res.RowsAffected()
}

// SuspendKeyUser marks a KeyUser suspended. until may be nil for indefinite.
func (s *Store) SuspendKeyUser(id int64, until *time.Time) error {
	var untilUnix sql.NullInt64
	if until != nil {
		untilUnix = sql.NullInt64{Int64: until.Unix(), Valid: true}
	}
	res, err := s.db.Exec(s.rebind(`UPDATE key_users SET suspended_at = ?, suspend_until = ? WHERE id = ?`),
		time.Now().Unix(), untilUnix, id)
	if err != nil {
		return fmt.Errorf("suspend key user: %w", err)
	}
	return checkRowsAffected(res)
}

// UnsuspendKeyUser clears suspension state.
func (s *Store) UnsuspendKeyUser(id int64) error {
	res, err := s.db.Exec(s.rebind(`UPDATE key_users SET suspended_at = NULL, suspend_until = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("unsuspend key user: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateTrustLevel changes a KeyUser's trust tier (PATCH /apps/:id).
func (s *Store) UpdateTrustLevel(id int64, trust TrustLevel) error {
	res, err := s.db.Exec(s.rebind(`UPDATE key_users SET trust_level = ? WHERE id = ?`), string(trust), id)
	if err != nil {
		return fmt.Errorf("update trust level: %w", err)
	}
	return checkRowsAffected(res)
}

// TouchLastUsed updates last_used_at best-effort: the update runs
// synchronously on the caller's goroutine and its error is discarded.
func (s *Store) TouchLastUsed(id int64) {
	_, _ = s.db.Exec(s.rebind(`UPDATE key_users SET last_used_at = ? WHERE id = ?`), time.Now().Unix(), id)
}
