package backend

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/signet/internal/cryptoprim"
)

// execute runs an already-authorized NIP-46 method and returns its result
// string, or an error to be surfaced as the RPC error field.
func (b *Backend) execute(req rpcRequest, privHex string) (string, error) {
	switch req.Method {
	case "connect":
		return "ack", nil

	case "get_public_key":
		return b.pubKeyHex, nil

	case "ping":
		return "pong", nil

	case "sign_event":
		return b.executeSignEvent(req, privHex)

	case "nip44_encrypt":
		return b.executeNip44Encrypt(req, privHex)

	case "nip44_decrypt":
		return b.executeNip44Decrypt(req, privHex)

	case "nip04_encrypt", "nip04_decrypt":
		return "", fmt.Errorf("nip04 is deprecated, use nip44")

	default:
		return "", fmt.Errorf("unknown method %q", req.Method)
	}
}

func (b *Backend) executeSignEvent(req rpcRequest, privHex string) (string, error) {
	if len(req.Params) < 1 {
		return "", fmt.Errorf("sign_event: missing event param")
	}

	var event nostr.Event
	if err := json.Unmarshal([]byte(req.Params[0]), &event); err != nil {
		return "", fmt.Errorf("sign_event: invalid unsigned event: %w", err)
	}
	event.PubKey = b.pubKeyHex

	if err := cryptoprim.SignEvent(privHex, &event); err != nil {
		return "", fmt.Errorf("sign_event: %w", err)
	}

	out, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("sign_event: marshal signed event: %w", err)
	}
	return string(out), nil
}

func (b *Backend) executeNip44Encrypt(req rpcRequest, privHex string) (string, error) {
	if len(req.Params) < 2 {
		return "", fmt.Errorf("nip44_encrypt: expected [pubkey, plaintext]")
	}
	convKey, err := cryptoprim.ConversationKey(privHex, req.Params[0])
	if err != nil {
		return "", fmt.Errorf("nip44_encrypt: %w", err)
	}
	return cryptoprim.Nip44Encrypt(req.Params[1], convKey)
}

func (b *Backend) executeNip44Decrypt(req rpcRequest, privHex string) (string, error) {
	if len(req.Params) < 2 {
		return "", fmt.Errorf("nip44_decrypt: expected [pubkey, ciphertext]")
	}
	convKey, err := cryptoprim.ConversationKey(privHex, req.Params[0])
	if err != nil {
		return "", fmt.Errorf("nip44_decrypt: %w", err)
	}
	return cryptoprim.Nip44Decrypt(req.Params[1], convKey)
}
