package backend

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/signet/internal/cryptoprim"
	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/store"
)

// handleConnect implements the connect-with-secret special case. A
// connect call with no second param falls through to the ordinary
// ACL/pending-ask flow, same as any other method.
func (b *Backend) handleConnect(ctx context.Context, event *nostr.Event, req rpcRequest, privHex string, convKey []byte) {
	if len(req.Params) < 2 || req.Params[1] == "" {
		b.runAskFlow(ctx, event, req, privHex, convKey)
		return
	}

	secret := req.Params[1]

	if b.tokens != nil {
		if tok, err := b.tokens.Lookup(secret); err == nil && tok.KeyName == b.keyName {
			b.handleTokenConnect(ctx, event, req, tok, privHex, convKey)
			return
		}
	}

	if b.adminSecret == "" {
		b.runAskFlow(ctx, event, req, privHex, convKey)
		return
	}

	if !secretsMatch(b.adminSecret, secret) {
		slog.Warn("backend: connect secret mismatch, dropping", "key", b.keyName, "remote", event.PubKey)
		return
	}

	ku, err := b.upsertKeyUser(event.PubKey, store.TrustReasonable)
	if err != nil {
		slog.Error("backend: connect auto-approve failed", "key", b.keyName, "error", err)
		return
	}

	if b.bus != nil {
		b.bus.Publish(eventbus.TopicAppConnected, map[string]interface{}{"key_user_id": ku.ID, "key": b.keyName})
	}
	b.audit("approved", "connect", event, store.ApprovalAutoTrust)
	b.respond(ctx, event, req.ID, "ack", nil, privHex, convKey)
}

// handleTokenConnect redeems a one-shot connection token. Redemption
// failure — already redeemed, expired, or any downstream error — is a
// silent drop, matching the secret-mismatch case.
func (b *Backend) handleTokenConnect(ctx context.Context, event *nostr.Event, req rpcRequest, tok *store.ConnectionToken, privHex string, convKey []byte) {
	ku, err := b.upsertKeyUser(event.PubKey, store.TrustReasonable)
	if err != nil {
		slog.Error("backend: connect token upsert failed", "key", b.keyName, "error", err)
		return
	}
	if err := b.tokens.Redeem(tok, ku.ID); err != nil {
		slog.Warn("backend: connect token redemption failed, dropping", "key", b.keyName, "error", err)
		return
	}

	if b.bus != nil {
		b.bus.Publish(eventbus.TopicAppConnected, map[string]interface{}{"key_user_id": ku.ID, "key": b.keyName})
	}
	b.audit("approved", "connect", event, store.ApprovalAutoPermission)
	b.respond(ctx, event, req.ID, "ack", nil, privHex, convKey)
}

// runAskFlow routes a connect call with no usable secret through the same
// ACL-evaluate/park-and-await path every other method uses.
func (b *Backend) runAskFlow(ctx context.Context, event *nostr.Event, req rpcRequest, privHex string, convKey []byte) {
	result, rpcErr := b.authorizeAndExecute(ctx, event, req, privHex)
	if rpcErr == errSilentDrop {
		return
	}
	b.respond(ctx, event, req.ID, result, rpcErr, privHex, convKey)
}

// upsertKeyUser finds or creates the KeyUser for remotePubkey and ensures a
// standing allow SigningCondition for "connect" exists, so a subsequent
// reconnect is recognized without re-asking.
func (b *Backend) upsertKeyUser(remotePubkey string, trust store.TrustLevel) (*store.KeyUser, error) {
	ku, err := b.store.GetKeyUser(b.keyName, remotePubkey)
	if errors.Is(err, store.ErrNotFound) {
		id, cerr := b.store.CreateKeyUser(b.keyName, remotePubkey, "", trust)
		if cerr != nil {
			return nil, cerr
		}
		ku, err = b.store.GetKeyUserByID(id)
	}
	if err != nil {
		return nil, err
	}

	if _, found, merr := b.store.MatchCondition(ku.ID, "connect", ""); merr == nil && !found {
		_ = b.store.AddSigningCondition(ku.ID, "connect", "all", true)
	}
	return ku, nil
}

// secretsMatch compares two secrets: a byte-length
// pre-check (cheap, not timing-sensitive since length alone reveals little)
// followed by a constant-time comparison of their lowercase-trimmed forms.
func secretsMatch(admin, client string) bool {
	a := strings.ToLower(strings.TrimSpace(admin))
	c := strings.ToLower(strings.TrimSpace(client))
	if len(a) != len(c) {
		return false
	}
	return cryptoprim.TimingSafeEqual([]byte(a), []byte(c))
}
