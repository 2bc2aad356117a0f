package backend

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/signet/internal/cryptoprim"
)

// rpcResponse is the NIP-46 reply envelope: either {id, result} or
// {id, result:"error", error:"<msg>"}.
type rpcResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// respond builds, encrypts, signs, and publishes the NIP-46 reply to
// inbound. A non-nil rpcErr produces the error-shaped envelope; Unauthorized
// becomes the fixed "Not authorized" message the spec calls for.
func (b *Backend) respond(ctx context.Context, inbound *nostr.Event, reqID, result string, rpcErr error, privHex string, convKey []byte) {
	resp := rpcResponse{ID: reqID, Result: result}
	if rpcErr != nil {
		resp.Result = "error"
		if rpcErr == errUnauthorized {
			resp.Error = "Not authorized"
		} else {
			resp.Error = rpcErr.Error()
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("backend: marshal response", "key", b.keyName, "error", err)
		return
	}

	ciphertext, err := cryptoprim.Nip44Encrypt(string(payload), convKey)
	if err != nil {
		slog.Error("backend: encrypt response", "key", b.keyName, "error", err)
		return
	}

	out := &nostr.Event{
		PubKey:    b.pubKeyHex,
		CreatedAt: nostr.Now(),
		Kind:      kindNIP46,
		Tags:      nostr.Tags{{"p", inbound.PubKey}},
		Content:   ciphertext,
	}
	if err := cryptoprim.SignEvent(privHex, out); err != nil {
		slog.Error("backend: sign response", "key", b.keyName, "error", err)
		return
	}

	b.relays.Publish(ctx, out)
}
