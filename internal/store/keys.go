package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the key-record data-access methods; the vault
// and HTTP layers map these to the key-vault operation error table.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrNameInUse     = errors.New("store: name in use")
	ErrAlreadyExists = errors.New("store: already exists")
)

// KeyRecord is the persisted form of a Key record: either plain private
// key bytes (hex) or an AES-256-GCM wrapped ciphertext, plus the derived
// public key.
type KeyRecord struct {
	Name         string
	Encrypted    bool
	PlainPrivKey string // hex-encoded 32 bytes; set only when !Encrypted
	Salt         []byte
	IV           []byte
	Ciphertext   []byte
	PubKey       string
}

// InsertKeyRecord creates a new key record. Returns ErrNameInUse if the name
// is already taken.
func (s *Store) InsertKeyRecord(rec KeyRecord) error {
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO key_records (name, encrypted, plain_privkey, salt, iv, ciphertext, pubkey)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.Name, boolToInt(rec.Encrypted), rec.PlainPrivKey, rec.Salt, rec.IV, rec.Ciphertext, rec.PubKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameInUse
		}
		return fmt.Errorf("insert key record: %w", err)
	}
	return nil
}

// GetKeyRecord loads a key record by name.
func (s *Store) GetKeyRecord(name string) (*KeyRecord, error) {
	var rec KeyRecord
	var encrypted int
	err := s.db.QueryRow(s.rebind(`
		SELECT name, encrypted, COALESCE(plain_privkey,''), salt, iv, ciphertext, pubkey
		FROM key_records WHERE name = ?`), name,
	).Scan(&rec.Name, &encrypted, &rec.PlainPrivKey, &rec.Salt, &rec.IV, &rec.Ciphertext, &rec.PubKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key record: %w", err)
	}
	rec.Encrypted = encrypted != 0
	return &rec, nil
}

// ListKeyRecords returns all key records ordered by name.
func (s *Store) ListKeyRecords() ([]KeyRecord, error) {
	rows, err := s.db.Query(`SELECT name, encrypted, COALESCE(plain_privkey,''), salt, iv, ciphertext, pubkey
		FROM key_records ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list key records: %w", err)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		var rec KeyRecord
		var encrypted int
		if err := rows.Scan(&rec.Name, &encrypted, &rec.PlainPrivKey, &rec.Salt, &rec.IV, &rec.Ciphertext, &rec.PubKey); err != nil {
			return nil, err
		}
		rec.Encrypted = encrypted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateKeyRecordEncryption rewrites the stored material for name (used by
// set_passphrase, which moves a plain key to wrapped form).
func (s *Store) UpdateKeyRecordEncryption(name string, rec KeyRecord) error {
	res, err := s.db.Exec(s.rebind(`
		UPDATE key_records SET encrypted = ?, plain_privkey = ?, salt = ?, iv = ?, ciphertext = ?
		WHERE name = ?`),
		boolToInt(rec.Encrypted), rec.PlainPrivKey, rec.Salt, rec.IV, rec.Ciphertext, name,
	)
	if err != nil {
		return fmt.Errorf("update key record: %w", err)
	}
	return checkRowsAffected(res)
}

// RenameKeyRecord renames a key and propagates the new name to every
// key_users/requests/connection_tokens row bearing the old name, all inside
// one transaction so partial renames can never be observed.
func (s *Store) RenameKeyRecord(oldName, newName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("rename key: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(s.rebind(`UPDATE key_records SET name = ? WHERE name = ?`), newName, oldName)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameInUse
		}
		return fmt.Errorf("rename key: %w", err)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	for _, stmt := range []string{
		`UPDATE key_users SET key_name = ? WHERE key_name = ?`,
		`UPDATE requests SET key_name = ? WHERE key_name = ?`,
		`UPDATE connection_tokens SET key_name = ? WHERE key_name = ?`,
	} {
		if _, err := tx.Exec(s.rebind(stmt), newName, oldName); err != nil {
			return fmt.Errorf("rename key: propagate: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteKeyRecord removes the key record. The caller is responsible for
// revoking associated KeyUsers first.
func (s *Store) DeleteKeyRecord(name string) error {
	res, err := s.db.Exec(s.rebind(`DELETE FROM key_records WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete key record: %w", err)
	}
	return checkRowsAffected(res)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
