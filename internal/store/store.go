// Package store handles database connectivity, migrations, and data access
// for signet. It supports both SQLite (default, zero external
// dependencies) and PostgreSQL (for multi-key fleet deployments),
// selected from the DATABASE_URL scheme.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods
// used by the key vault, ACL evaluator, pending queue, and token store.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. url can be:
//   - a bare file path like "signet.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL allows concurrent readers alongside the single writer; a small
		// pool lets ACL cache misses and dashboard queries proceed without
		// queuing behind every pending-request write. busy_timeout makes
		// SQLite's writer serialisation a graceful retry instead of an
		// immediate SQLITE_BUSY surfaced to the caller.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the selected driver name ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.driver
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// commonMigrations lists DDL shared between SQLite and PostgreSQL; any new
// migration must be appended here.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS key_records (
		name           TEXT PRIMARY KEY,
		encrypted      INTEGER NOT NULL DEFAULT 0,
		plain_privkey  TEXT,
		salt           BLOB,
		iv             BLOB,
		ciphertext     BLOB,
		pubkey         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS key_users (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		key_name       TEXT NOT NULL,
		remote_pubkey  TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		trust_level    TEXT NOT NULL DEFAULT 'paranoid',
		created_at     INTEGER NOT NULL,
		last_used_at   INTEGER,
		revoked_at     INTEGER,
		suspended_at   INTEGER,
		suspend_until  INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS key_users_active
		ON key_users(key_name, remote_pubkey) WHERE revoked_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS key_users_key_name ON key_users(key_name, remote_pubkey)`,
	`CREATE TABLE IF NOT EXISTS signing_conditions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		key_user_id  INTEGER NOT NULL,
		method       TEXT NOT NULL,
		kind         TEXT NOT NULL DEFAULT 'all',
		allow        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS signing_conditions_user ON signing_conditions(key_user_id, method, kind)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id            TEXT PRIMARY KEY,
		key_name      TEXT NOT NULL,
		remote_pubkey TEXT NOT NULL,
		method        TEXT NOT NULL,
		params        TEXT NOT NULL,
		allowed       INTEGER,
		created_at    INTEGER NOT NULL,
		processed_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS requests_pending ON requests(allowed, created_at)`,
	`CREATE TABLE IF NOT EXISTS connection_tokens (
		id            TEXT PRIMARY KEY,
		key_name      TEXT NOT NULL,
		secret        TEXT NOT NULL,
		policy_id     INTEGER,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		redeemed_at   INTEGER,
		key_user_id   INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS connection_tokens_secret ON connection_tokens(secret)`,
	`CREATE TABLE IF NOT EXISTS policies (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		name  TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS policy_rules (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		policy_id  INTEGER NOT NULL,
		method     TEXT NOT NULL,
		kind       TEXT NOT NULL DEFAULT 'all',
		allow      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS policy_rules_policy ON policy_rules(policy_id)`,
	`CREATE TABLE IF NOT EXISTS log_entries (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		type            TEXT NOT NULL,
		method          TEXT NOT NULL,
		params          TEXT NOT NULL DEFAULT '',
		key_user_id     INTEGER,
		approval_type   TEXT NOT NULL,
		created_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS log_entries_created ON log_entries(created_at)`,
}

// ph returns the n-th positional placeholder for the active driver.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// rebind rewrites a query written with ?-placeholders into the active
// driver's placeholder syntax. SQLite queries pass through unchanged.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}
