package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidPassphrase is returned by Unwrap when the AES-GCM tag fails to
// authenticate, i.e. the supplied passphrase was wrong.
var ErrInvalidPassphrase = errors.New("cryptoprim: invalid passphrase")

// PBKDF2Iterations is the iteration count used to derive the AES-256 wrap
// key from a passphrase. 600,000 rounds of HMAC-SHA256 matches current
// OWASP guidance for PBKDF2-HMAC-SHA256 as of this writing.
const PBKDF2Iterations = 600_000

// SaltSize is the length in bytes of the random salt generated for each
// wrap operation.
const SaltSize = 16

// nonceSize is the AES-GCM IV length.
const nonceSize = 12

// WrappedKey is the at-rest encoding of a passphrase-protected private key:
// PBKDF2 salt, AES-GCM IV, and the ciphertext with its authentication tag
// appended (the format store.Store persists as key_records.salt/iv/ciphertext).
type WrappedKey struct {
	Salt       []byte
	IV         []byte
	Ciphertext []byte // includes the GCM tag
}

// deriveWrapKey derives a 32-byte AES-256 key from passphrase and salt using
// PBKDF2-HMAC-SHA256 with PBKDF2Iterations rounds.
func deriveWrapKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, 32, sha256.New)
}

// AESGCMWrap encrypts plaintext (32 raw private-key bytes) under a key
// derived from passphrase via PBKDF2-HMAC-SHA256, using a fresh random salt
// and a fresh random 12-byte IV.
func AESGCMWrap(passphrase string, plaintext []byte) (*WrappedKey, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	key := deriveWrapKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	return &WrappedKey{Salt: salt, IV: iv, Ciphertext: ciphertext}, nil
}

// Zero overwrites b in place with zero bytes. Unlike zeroing a string (which
// always operates on a copy, since Go strings are immutable), this mutates
// the caller's actual backing array — the vault uses it to scrub a private
// key's pinned buffer on lock or delete.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// AESGCMUnwrap decrypts a WrappedKey under a key derived from passphrase and
// the stored salt. Returns ErrInvalidPassphrase if the GCM tag does not
// authenticate (wrong passphrase or corrupted record).
func AESGCMUnwrap(passphrase string, wk *WrappedKey) ([]byte, error) {
	key := deriveWrapKey(passphrase, wk.Salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, wk.IV, wk.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}
