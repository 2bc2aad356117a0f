// Package cryptoprim implements the cryptographic primitives signet's key
// vault and NIP-46 backend are built on: event signing, NIP-44 v2
// conversation encryption, and AES-256-GCM at-rest wrapping.
package cryptoprim

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidCiphertext is returned by Nip44Decrypt when the payload's
// version, MAC, or padding does not check out.
var ErrInvalidCiphertext = errors.New("cryptoprim: invalid ciphertext")

const (
	nip44Version     = 2
	nip44HKDFSalt    = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

// ConversationKey derives the NIP-44 conversation key shared by privKeyHex
// and pubKeyHex via ECDH over secp256k1 followed by HKDF-extract.
func ConversationKey(privKeyHex, pubKeyHex string) ([]byte, error) {
	privBytes, err := decodeHex32(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("conversation key: private key: %w", err)
	}
	pubBytes, err := decodeHex32(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("conversation key: public key: %w", err)
	}

	privKey, _ := btcec.PrivKeyFromBytes(privBytes)
	pubKey, err := parseXOnlyPubKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("conversation key: %w", err)
	}

	sharedX, _ := pubKey.ToECDSA().Curve.ScalarMult(pubKey.X(), pubKey.Y(), privKey.Serialize())
	sharedXBytes := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(sharedXBytes[32-len(raw):], raw)

	return hkdf.Extract(sha256.New, sharedXBytes, []byte(nip44HKDFSalt)), nil
}

func parseXOnlyPubKey(pubBytes []byte) (*btcec.PublicKey, error) {
	withPrefix := append([]byte{0x02}, pubBytes...)
	pubKey, err := btcec.ParsePubKey(withPrefix)
	if err == nil {
		return pubKey, nil
	}
	withPrefix[0] = 0x03
	pubKey, err = btcec.ParsePubKey(withPrefix)
	if err != nil {
		return nil, errors.New("invalid public key")
	}
	return pubKey, nil
}

func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 || len(nonce) != 32 {
		return nil, nil, nil, errors.New("invalid key/nonce length")
	}
	keys := make([]byte, 76)
	if _, err := hkdf.Expand(sha256.New, conversationKey, nonce).Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

// calcPaddedLen implements the NIP-44 padding-length schedule: messages up
// to 32 bytes round up to 32; above that, round up to the nearest 1/8th of
// the next power of two (min chunk 32).
func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << (int(math.Floor(math.Log2(float64(unpaddedLen-1)))) + 1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, errors.New("invalid plaintext length")
	}
	padded := calcPaddedLen(n)
	out := make([]byte, 2+padded)
	binary.BigEndian.PutUint16(out[0:2], uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrInvalidCiphertext
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 {
		return nil, ErrInvalidCiphertext
	}
	if len(padded) != 2+calcPaddedLen(n) {
		return nil, ErrInvalidCiphertext
	}
	return padded[2 : 2+n], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// Nip44Encrypt encrypts plaintext under conversationKey with a fresh random
// 32-byte nonce, returning the base64 envelope.
func Nip44Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return nip44EncryptWithNonce(plaintext, conversationKey, nonce)
}

func nip44EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}
	cs, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cs.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	out := make([]byte, 1+32+len(ciphertext)+32)
	out[0] = nip44Version
	copy(out[1:33], nonce)
	copy(out[33:33+len(ciphertext)], ciphertext)
	copy(out[33+len(ciphertext):], mac)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Nip44Decrypt decrypts a base64 NIP-44 v2 envelope under conversationKey.
func Nip44Decrypt(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", ErrInvalidCiphertext
	}
	if data[0] != nip44Version {
		return "", ErrInvalidCiphertext
	}
	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if !hmac.Equal(hmacAAD(hmacKey, ciphertext, nonce), mac) {
		return "", ErrInvalidCiphertext
	}
	cs, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	padded := make([]byte, len(ciphertext))
	cs.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

func decodeHex32(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("expected 32 bytes")
	}
	return b, nil
}
