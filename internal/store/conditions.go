package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SigningCondition is an explicit ACL rule attached to a KeyUser.
// Kind is string-encoded; "all" matches any event kind.
type SigningCondition struct {
	ID        int64
	KeyUserID int64
	Method    string
	Kind      string
	Allow     bool
}

// AddSigningCondition inserts an explicit allow/deny rule for a KeyUser.
func (s *Store) AddSigningCondition(keyUserID int64, method, kind string, allow bool) error {
	if kind == "" {
		kind = "all"
	}
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO signing_conditions (key_user_id, method, kind, allow) VALUES (?, ?, ?, ?)`),
		keyUserID, method, kind, boolToInt(allow),
	)
	if err != nil {
		return fmt.Errorf("add signing condition: %w", err)
	}
	return nil
}

// HasGlobalDeny reports whether a KeyUser has an explicit
// method='*',allow=false row: a full block.
func (s *Store) HasGlobalDeny(keyUserID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(s.rebind(`
		SELECT COUNT(*) FROM signing_conditions WHERE key_user_id = ? AND method = '*' AND allow = 0`),
		keyUserID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has global deny: %w", err)
	}
	return n > 0, nil
}

// MatchCondition looks up the explicit rule for (method, kind) per the
// step 3: for sign_event, match rows where kind is 'all' or the event
// kind's decimal string; for other methods, match on method alone.
// found is false when no explicit rule exists.
func (s *Store) MatchCondition(keyUserID int64, method, kind string) (allow bool, found bool, err error) {
	var query string
	var args []interface{}
	if method == "sign_event" {
		query = `SELECT allow FROM signing_conditions
			WHERE key_user_id = ? AND method = ? AND (kind = 'all' OR kind = ?)
			ORDER BY CASE WHEN kind = 'all' THEN 1 ELSE 0 END LIMIT 1`
		args = []interface{}{keyUserID, method, kind}
	} else {
		query = `SELECT allow FROM signing_conditions WHERE key_user_id = ? AND method = ? LIMIT 1`
		args = []interface{}{keyUserID, method}
	}

	var allowInt int
	err = s.db.QueryRow(s.rebind(query), args...).Scan(&allowInt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("match condition: %w", err)
	}
	return allowInt != 0, true, nil
}

// ConditionsForKeyUser returns every explicit rule on a KeyUser (used by the
// apps detail endpoint).
func (s *Store) ConditionsForKeyUser(keyUserID int64) ([]SigningCondition, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT id, key_user_id, method, kind, allow FROM signing_conditions WHERE key_user_id = ?`),
		keyUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("conditions for key user: %w", err)
	}
	defer rows.Close()

	var out []SigningCondition
	for rows.Next() {
		var c SigningCondition
		var allowInt int
		if err := rows.Scan(&c.ID, &c.KeyUserID, &c.Method, &c.Kind, &allowInt); err != nil {
			return nil, err
		}
		c.Allow = allowInt != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
