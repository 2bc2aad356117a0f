package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConnectionToken is a one-shot secret redeemable in a connect call.
type ConnectionToken struct {
	ID         string
	KeyName    string
	Secret     string
	PolicyID   *int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RedeemedAt *time.Time
	KeyUserID  *int64
}

// PolicyRule is one rule within a Policy bundle.
type PolicyRule struct {
	Method string
	Kind   string
	Allow  bool
}

// InsertConnectionToken creates a new unredeemed token.
func (s *Store) InsertConnectionToken(t ConnectionToken) error {
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO connection_tokens (id, key_name, secret, policy_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		t.ID, t.KeyName, t.Secret, t.PolicyID, t.CreatedAt.Unix(), t.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert connection token: %w", err)
	}
	return nil
}

// GetConnectionTokenBySecret loads a token by its secret value, regardless
// of redemption state.
func (s *Store) GetConnectionTokenBySecret(secret string) (*ConnectionToken, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT id, key_name, secret, policy_id, created_at, expires_at, redeemed_at, key_user_id
		FROM connection_tokens WHERE secret = ?`), secret)
	return scanConnectionToken(row)
}

func scanConnectionToken(row *sql.Row) (*ConnectionToken, error) {
	var t ConnectionToken
	var policyID, redeemedAt, keyUserID sql.NullInt64
	var createdAt, expiresAt int64
	err := row.Scan(&t.ID, &t.KeyName, &t.Secret, &policyID, &createdAt, &expiresAt, &redeemedAt, &keyUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection token: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if policyID.Valid {
		t.PolicyID = &policyID.Int64
	}
	if redeemedAt.Valid {
		rt := time.Unix(redeemedAt.Int64, 0).UTC()
		t.RedeemedAt = &rt
	}
	if keyUserID.Valid {
		t.KeyUserID = &keyUserID.Int64
	}
	return &t, nil
}

// ErrTokenAlreadyRedeemed means the conditional UPDATE lost the race (or the
// token was redeemed earlier) — atomic redemption.
var ErrTokenAlreadyRedeemed = errors.New("store: token already redeemed")

// RedeemToken atomically claims an unredeemed, unexpired token, materializes
// its policy's rules as SigningConditions on keyUserID, and attaches the
// token to that KeyUser — all in one transaction, so a crash mid-materialize
// can never leave partial SigningCondition rows committed against a token
// that's eligible for retry (mirrors RenameKeyRecord's tx.Begin/defer
// Rollback/Commit shape for the same reason: several statements that must
// all land or none do).
func (s *Store) RedeemToken(tokenID string, keyUserID int64, policyID *int64, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("redeem token: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(s.rebind(`
		UPDATE connection_tokens SET redeemed_at = ?
		WHERE id = ? AND redeemed_at IS NULL AND expires_at > ?`),
		now.Unix(), tokenID, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("redeem token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenAlreadyRedeemed
	}

	if policyID != nil {
		rows, err := tx.Query(s.rebind(`SELECT method, kind, allow FROM policy_rules WHERE policy_id = ?`), *policyID)
		if err != nil {
			return fmt.Errorf("redeem token: load policy rules: %w", err)
		}
		var rules []PolicyRule
		for rows.Next() {
			var r PolicyRule
			var allowInt int
			if err := rows.Scan(&r.Method, &r.Kind, &allowInt); err != nil {
				rows.Close()
				return fmt.Errorf("redeem token: scan policy rule: %w", err)
			}
			r.Allow = allowInt != 0
			rules = append(rules, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("redeem token: policy rules: %w", err)
		}
		rows.Close()

		for _, r := range rules {
			kind := r.Kind
			if kind == "" {
				kind = "all"
			}
			if _, err := tx.Exec(s.rebind(`
				INSERT INTO signing_conditions (key_user_id, method, kind, allow) VALUES (?, ?, ?, ?)`),
				keyUserID, r.Method, kind, boolToInt(r.Allow),
			); err != nil {
				return fmt.Errorf("redeem token: apply policy rule: %w", err)
			}
		}
	}

	if _, err := tx.Exec(s.rebind(`UPDATE connection_tokens SET key_user_id = ? WHERE id = ?`), keyUserID, tokenID); err != nil {
		return fmt.Errorf("redeem token: attach key user: %w", err)
	}

	return tx.Commit()
}

// ListConnectionTokens returns every token for a key, newest first.
func (s *Store) ListConnectionTokens(keyName string) ([]ConnectionToken, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT id, key_name, secret, policy_id, created_at, expires_at, redeemed_at, key_user_id
		FROM connection_tokens WHERE key_name = ? ORDER BY created_at DESC`), keyName)
	if err != nil {
		return nil, fmt.Errorf("list connection tokens: %w", err)
	}
	defer rows.Close()

	var out []ConnectionToken
	for rows.Next() {
		var t ConnectionToken
		var policyID, redeemedAt, keyUserID sql.NullInt64
		var createdAt, expiresAt int64
		if err := rows.Scan(&t.ID, &t.KeyName, &t.Secret, &policyID, &createdAt, &expiresAt, &redeemedAt, &keyUserID); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		if policyID.Valid {
			t.PolicyID = &policyID.Int64
		}
		if redeemedAt.Valid {
			rt := time.Unix(redeemedAt.Int64, 0).UTC()
			t.RedeemedAt = &rt
		}
		if keyUserID.Valid {
			t.KeyUserID = &keyUserID.Int64
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteConnectionToken removes a token.
func (s *Store) DeleteConnectionToken(id string) error {
	res, err := s.db.Exec(s.rebind(`DELETE FROM connection_tokens WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete connection token: %w", err)
	}
	return checkRowsAffected(res)
}

// CleanupExpiredTokens removes unredeemed tokens past expiry.
func (s *Store) CleanupExpiredTokens(now time.Time) (int64, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM connection_tokens WHERE redeemed_at IS NULL AND expires_at < ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired tokens: %w", err)
	}
	return res.RowsAffected()
}

// ─── Policies ─────────────────────────────────────────────────────────────────

// CreatePolicy stores a named bundle of PolicyRules and returns its id.
func (s *Store) CreatePolicy(name string, rules []PolicyRule) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("create policy: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(s.rebind(`INSERT INTO policies (name) VALUES (?)`), name)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrNameInUse
		}
		return 0, fmt.Errorf("create policy: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		kind := r.Kind
		if kind == "" {
			kind = "all"
		}
		if _, err := tx.Exec(s.rebind(`
			INSERT INTO policy_rules (policy_id, method, kind, allow) VALUES (?, ?, ?, ?)`),
			id, r.Method, kind, boolToInt(r.Allow),
		); err != nil {
			return 0, fmt.Errorf("create policy: rule: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// PolicyRules returns every rule belonging to a policy.
func (s *Store) PolicyRules(policyID int64) ([]PolicyRule, error) {
	rows, err := s.db.Query(s.rebind(`SELECT method, kind, allow FROM policy_rules WHERE policy_id = ?`), policyID)
	if err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	defer rows.Close()

	var out []PolicyRule
	for rows.Next() {
		var r PolicyRule
		var allowInt int
		if err := rows.Scan(&r.Method, &r.Kind, &allowInt); err != nil {
			return nil, err
		}
		r.Allow = allowInt != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
