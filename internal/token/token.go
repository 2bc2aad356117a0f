// Package token implements one-shot connection tokens: a
// control-plane-issued secret that a NIP-46 client can redeem in place of
// the admin secret to establish a connection pre-scoped by a policy.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/signet/internal/store"
)

// DefaultTTL is how long an unredeemed token remains valid.
const DefaultTTL = 24 * time.Hour

// secretBytes is the length of the random token secret before hex-encoding.
const secretBytes = 24

var (
	ErrNotFound        = store.ErrNotFound
	ErrAlreadyRedeemed = store.ErrTokenAlreadyRedeemed
	ErrExpired         = errors.New("token: expired")
)

// Store wraps the database layer with token-specific issuance and
// redemption logic.
type Store struct {
	db *store.Store
}

// New builds a token.Store over db.
func New(db *store.Store) *Store {
	return &Store{db: db}
}

// Issue creates a new unredeemed token for keyName, optionally bound to a
// named Policy bundle (policyID may be nil for no pre-scoped rules). Returns
// the stored token, including its opaque secret.
func (s *Store) Issue(keyName string, policyID *int64, ttl time.Duration) (store.ConnectionToken, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	secret, err := randomSecret()
	if err != nil {
		return store.ConnectionToken{}, fmt.Errorf("issue token: %w", err)
	}

	t := store.ConnectionToken{
		ID:        uuid.NewString(),
		KeyName:   keyName,
		Secret:    secret,
		PolicyID:  policyID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.db.InsertConnectionToken(t); err != nil {
		return store.ConnectionToken{}, err
	}
	return t, nil
}

// Lookup finds a token by its secret without redeeming it, used to
// distinguish "connect with a token" from "connect with the admin secret"
// before committing to redemption.
func (s *Store) Lookup(secret string) (*store.ConnectionToken, error) {
	return s.db.GetConnectionTokenBySecret(secret)
}

// Redeem atomically claims a token and materializes its policy rules as
// SigningConditions on keyUserID, all in a single transaction: the claim,
// every policy rule insert, and the KeyUser attach either all land or none
// do, so a crash mid-materialize can never leave partial SigningConditions
// committed against a token still eligible for retry.
func (s *Store) Redeem(t *store.ConnectionToken, keyUserID int64) error {
	now := time.Now()
	if now.After(t.ExpiresAt) {
		return ErrExpired
	}
	return s.db.RedeemToken(t.ID, keyUserID, t.PolicyID, now)
}

// List returns every token issued for keyName.
func (s *Store) List(keyName string) ([]store.ConnectionToken, error) {
	return s.db.ListConnectionTokens(keyName)
}

// Revoke deletes an unredeemed (or redeemed) token outright.
func (s *Store) Revoke(id string) error {
	return s.db.DeleteConnectionToken(id)
}

// Cleanup removes tokens past expiry that were never redeemed.
func (s *Store) Cleanup(now time.Time) (int64, error) {
	return s.db.CleanupExpiredTokens(now)
}

func randomSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
