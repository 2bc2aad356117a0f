// Package vault implements signet's key vault: at-rest storage of
// secp256k1 private keys, optionally AES-256-GCM wrapped under a
// passphrase, with an unlock/lock lifecycle and per-key backend
// activation.
package vault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/signet/internal/cryptoprim"
	"github.com/klppl/signet/internal/store"
)

// Sentinel errors matching the key-vault per-operation error table.
var (
	ErrNotFound              = store.ErrNotFound
	ErrNameInUse             = store.ErrNameInUse
	ErrInvalidSecretEncoding = errors.New("vault: invalid secret encoding")
	ErrNotEncrypted          = errors.New("vault: key is not encrypted")
	ErrInvalidPassphrase     = cryptoprim.ErrInvalidPassphrase
	ErrNotActive             = errors.New("vault: key is not active")
	ErrEmptyName             = errors.New("vault: name must not be empty")
	ErrAlreadyEncrypted      = errors.New("vault: key is already encrypted")
	ErrEmptyPassphrase       = errors.New("vault: passphrase must not be empty")
	ErrPassphraseRequired    = errors.New("vault: passphrase required to delete an encrypted key")
)

// Status is a key's online/offline/locked state as surfaced by List.
type Status string

const (
	StatusOnline  Status = "online"
	StatusLocked  Status = "locked"
	StatusOffline Status = "offline"
)

// KeyInfo is the public view of a vault key returned by create/list.
type KeyInfo struct {
	Name      string
	PubKey    string
	Status    Status
	Encrypted bool
}

// ActivationFunc is invoked whenever a key becomes resident in memory
// (created or unlocked). It must be idempotent: the vault may call it twice
// in a row for the same key without the backend starting two instances.
type ActivationFunc func(name, pubKeyHex, privKeyHex string)

// DeactivationFunc is invoked when a key is locked, so its backend can stop.
type DeactivationFunc func(name string)

// activeKey pins a key's raw 32-byte private key in a buffer the vault owns
// and can genuinely zero on Lock/Delete — lent out to callers by value as a
// hex string only for the lifetime of a single request, never stored as the
// long-lived representation.
type activeKey struct {
	privKey   []byte
	pubKeyHex string
}

// Vault owns the lifecycle of every signing key the daemon custodies.
type Vault struct {
	mu     sync.RWMutex
	store  *store.Store
	active map[string]activeKey

	onActivate   ActivationFunc
	onDeactivate DeactivationFunc
}

// New creates a Vault backed by store. Nothing is activated until
// ActivatePlainKeys or individual unlock/create calls run.
func New(st *store.Store) *Vault {
	return &Vault{
		store:  st,
		active: make(map[string]activeKey),
	}
}

// SetActivationCallback registers the callback invoked when a key becomes
// online. Resolves the vault/backend cyclic reference the teacher's
// design notes call out: the backend registers here instead of the vault
// importing the backend package.
func (v *Vault) SetActivationCallback(f ActivationFunc) { v.onActivate = f }

// SetDeactivationCallback registers the callback invoked when a key is locked.
func (v *Vault) SetDeactivationCallback(f DeactivationFunc) { v.onDeactivate = f }

// Create adds a new key. If secretHex is empty a fresh secp256k1 key is
// generated; otherwise it must be a 32-byte hex-encoded private key. If
// passphrase is non-empty the key is stored AES-256-GCM wrapped; otherwise
// it is stored plain and activated immediately.
func (v *Vault) Create(name, passphrase, secretHex string) (KeyInfo, error) {
	if name == "" {
		return KeyInfo{}, ErrEmptyName
	}

	var privHex string
	if secretHex == "" {
		privHex = nostr.GeneratePrivateKey()
	} else {
		raw, err := hex.DecodeString(secretHex)
		if err != nil || len(raw) != 32 {
			return KeyInfo{}, ErrInvalidSecretEncoding
		}
		privHex = secretHex
	}

	pubHex, err := nostr.GetPublicKey(privHex)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("%w: %v", ErrInvalidSecretEncoding, err)
	}

	rec := store.KeyRecord{Name: name, PubKey: pubHex}
	if passphrase != "" {
		wk, err := cryptoprim.AESGCMWrap(passphrase, mustDecodeHex(privHex))
		if err != nil {
			return KeyInfo{}, fmt.Errorf("wrap key: %w", err)
		}
		rec.Encrypted = true
		rec.Salt, rec.IV, rec.Ciphertext = wk.Salt, wk.IV, wk.Ciphertext
	} else {
		rec.PlainPrivKey = privHex
	}

	if err := v.store.InsertKeyRecord(rec); err != nil {
		return KeyInfo{}, err
	}

	info := KeyInfo{Name: name, PubKey: pubHex, Encrypted: rec.Encrypted, Status: StatusLocked}
	if !rec.Encrypted {
		v.activate(name, pubHex, privHex)
		info.Status = StatusOnline
	}
	slog.Info("vault: key created", "name", name, "encrypted", rec.Encrypted)
	return info, nil
}

// Unlock decrypts an encrypted key's material into memory and activates its
// backend.
func (v *Vault) Unlock(name, passphrase string) error {
	rec, err := v.store.GetKeyRecord(name)
	if err != nil {
		return err
	}
	if !rec.Encrypted {
		return ErrNotEncrypted
	}

	plain, err := cryptoprim.AESGCMUnwrap(passphrase, &cryptoprim.WrappedKey{
		Salt: rec.Salt, IV: rec.IV, Ciphertext: rec.Ciphertext,
	})
	if err != nil {
		return ErrInvalidPassphrase
	}

	v.activate(name, rec.PubKey, hex.EncodeToString(plain))
	slog.Info("vault: key unlocked", "name", name)
	return nil
}

// Lock evicts a key's material from memory and stops its backend. The key
// remains encrypted at rest and can be unlocked again later.
func (v *Vault) Lock(name string) error {
	v.mu.Lock()
	ak, ok := v.active[name]
	if !ok {
		v.mu.Unlock()
		return ErrNotActive
	}
	cryptoprim.Zero(ak.privKey)
	delete(v.active, name)
	v.mu.Unlock()

	if v.onDeactivate != nil {
		v.onDeactivate(name)
	}
	slog.Info("vault: key locked", "name", name)
	return nil
}

// ActivatePlainKeys brings every unencrypted key back online after a
// restart, running the activation callback for each. Encrypted keys stay
// locked until a caller supplies their passphrase via Unlock.
func (v *Vault) ActivatePlainKeys() error {
	recs, err := v.store.ListKeyRecords()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Encrypted {
			continue
		}
		v.activate(rec.Name, rec.PubKey, rec.PlainPrivKey)
	}
	return nil
}

// List returns every key ordered by name with its current status.
func (v *Vault) List() ([]KeyInfo, error) {
	recs, err := v.store.ListKeyRecords()
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]KeyInfo, 0, len(recs))
	for _, rec := range recs {
		status := StatusOffline
		if _, active := v.active[rec.Name]; active {
			status = StatusOnline
		} else if rec.Encrypted {
			status = StatusLocked
		}
		out = append(out, KeyInfo{Name: rec.Name, PubKey: rec.PubKey, Status: status, Encrypted: rec.Encrypted})
	}
	return out, nil
}

// Rename changes a key's name, propagating to all dependent rows, and
// updates the in-memory active-set key under the same lock as the DB write
// so neither can be observed out of sync with the other.
func (v *Vault) Rename(oldName, newName string) error {
	if newName == "" {
		return ErrEmptyName
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.RenameKeyRecord(oldName, newName); err != nil {
		return err
	}
	if ak, ok := v.active[oldName]; ok {
		delete(v.active, oldName)
		v.active[newName] = ak
	}
	return nil
}

// SetPassphrase wraps a currently-plain key under a new passphrase. The key
// stays active (its in-memory material is unaffected).
func (v *Vault) SetPassphrase(name, passphrase string) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	rec, err := v.store.GetKeyRecord(name)
	if err != nil {
		return err
	}
	if rec.Encrypted {
		return ErrAlreadyEncrypted
	}

	privBytes := mustDecodeHex(rec.PlainPrivKey)
	wk, err := cryptoprim.AESGCMWrap(passphrase, privBytes)
	if err != nil {
		return fmt.Errorf("wrap key: %w", err)
	}

	return v.store.UpdateKeyRecordEncryption(name, store.KeyRecord{
		Encrypted: true, Salt: wk.Salt, IV: wk.IV, Ciphertext: wk.Ciphertext,
	})
}

// Delete removes a key record and revokes all its KeyUsers, returning the
// revoked count. Encrypted keys require the correct passphrase as proof of
// possession before deletion.
func (v *Vault) Delete(name, passphrase string) (int64, error) {
	rec, err := v.store.GetKeyRecord(name)
	if err != nil {
		return 0, err
	}
	if rec.Encrypted {
		if passphrase == "" {
			return 0, ErrPassphraseRequired
		}
		if _, err := cryptoprim.AESGCMUnwrap(passphrase, &cryptoprim.WrappedKey{
			Salt: rec.Salt, IV: rec.IV, Ciphertext: rec.Ciphertext,
		}); err != nil {
			return 0, ErrInvalidPassphrase
		}
	}

	v.mu.Lock()
	if ak, ok := v.active[name]; ok {
		cryptoprim.Zero(ak.privKey)
		delete(v.active, name)
	}
	v.mu.Unlock()
	if v.onDeactivate != nil {
		v.onDeactivate(name)
	}

	revoked, err := v.store.RevokeAllForKey(name)
	if err != nil {
		return 0, err
	}
	if err := v.store.DeleteKeyRecord(name); err != nil {
		return 0, err
	}
	slog.Info("vault: key deleted", "name", name, "revoked_key_users", revoked)
	return revoked, nil
}

// PrivateKeyHex returns a hex-encoded copy of the in-memory private key for
// an active key, for the NIP-46 backend to sign/encrypt/decrypt with.
// Returns ("", false) if the key is not currently active (e.g. it was
// locked mid-request). The vault's own long-lived copy stays in the pinned
// byte buffer backing activeKey.privKey, which Lock/Delete zero for real;
// go-nostr and cryptoprim's hex-based APIs leave no cheaper way to hand the
// secret to a single call than materializing this short-lived string.
func (v *Vault) PrivateKeyHex(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ak, ok := v.active[name]
	if !ok {
		return "", false
	}
	return hex.EncodeToString(ak.privKey), true
}

func (v *Vault) activate(name, pubHex, privHex string) {
	raw := mustDecodeHex(privHex)
	v.mu.Lock()
	v.active[name] = activeKey{privKey: raw, pubKeyHex: pubHex}
	v.mu.Unlock()

	if v.onActivate != nil {
		v.onActivate(name, pubHex, privHex)
	}
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		// Private key hex is always validated before storage; a decode
		// failure here means on-disk corruption, not a recoverable input error.
		panic("vault: corrupt private key hex: " + err.Error())
	}
	return b
}

