// Package backend implements the NIP-46 remote-signer protocol:
// one instance per active key, listening for kind-24133 requests, running
// them through the ACL evaluator and pending queue, and publishing signed
// responses.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/klppl/signet/internal/acl"
	"github.com/klppl/signet/internal/cryptoprim"
	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/token"
)

// kindNIP46 is the event kind NIP-46 requests and responses travel as.
const kindNIP46 = 24133

// handlerDrainTimeout bounds how long Stop waits for in-flight handler
// tasks before abandoning them.
const handlerDrainTimeout = 5 * time.Second

// Relays is the subset of the relay layer the backend needs: subscribe for
// inbound requests, publish responses. Satisfied by both relaypool.Pool and
// submgr.Manager.
type Relays interface {
	Subscribe(filter nostr.Filter, onEvent func(*nostr.Event), id string, onEOSE func()) func()
	Publish(ctx context.Context, event *nostr.Event)
}

// KeyMaterial exposes the vault's active-key lookup without the backend
// importing the vault package directly.
type KeyMaterial interface {
	PrivateKeyHex(name string) (string, bool)
}

// Backend is one running NIP-46 instance for a single key.
type Backend struct {
	keyName     string
	pubKeyHex   string
	adminSecret string

	vault   KeyMaterial
	store   *store.Store
	acl     *acl.Evaluator
	pending *pending.Queue
	tokens  *token.Store
	relays  Relays
	bus     *eventbus.Bus

	unsubscribe func()
	inFlight    chan struct{} // semaphore-as-counter: len(inFlight) tracks live handlers
}

// Deps bundles a Backend's collaborators, resolving the wiring the vault's
// activation callback must supply.
type Deps struct {
	Vault       KeyMaterial
	Store       *store.Store
	ACL         *acl.Evaluator
	Pending     *pending.Queue
	Tokens      *token.Store
	Relays      Relays
	Bus         *eventbus.Bus
	AdminSecret string
}

// New builds a Backend for keyName/pubKeyHex. Call Start to begin serving.
func New(keyName, pubKeyHex string, deps Deps) *Backend {
	return &Backend{
		keyName:     keyName,
		pubKeyHex:   pubKeyHex,
		adminSecret: deps.AdminSecret,
		vault:       deps.Vault,
		store:       deps.Store,
		acl:         deps.ACL,
		pending:     deps.Pending,
		tokens:      deps.Tokens,
		relays:      deps.Relays,
		bus:         deps.Bus,
		inFlight:    make(chan struct{}, 256),
	}
}

// Start subscribes to kind-24133 events addressed to this key's pubkey and
// begins handling them. Idempotent: calling twice on an already-started
// backend is a no-op.
func (b *Backend) Start() {
	if b.unsubscribe != nil {
		return
	}
	filter := nostr.Filter{
		Kinds: []int{kindNIP46},
		Tags:  nostr.TagMap{"p": []string{b.pubKeyHex}},
	}
	b.unsubscribe = b.relays.Subscribe(filter, b.onEvent, "nip46:"+b.keyName, nil)
	slog.Info("backend: started", "key", b.keyName, "pubkey", b.pubKeyHex)
}

// Stop unsubscribes and waits briefly for in-flight handlers to drain.
func (b *Backend) Stop() {
	if b.unsubscribe == nil {
		return
	}
	b.unsubscribe()
	b.unsubscribe = nil

	// Holding every semaphore slot at once means no handler is running.
	deadline := time.After(handlerDrainTimeout)
	acquired := 0
	defer func() {
		for ; acquired > 0; acquired-- {
			<-b.inFlight
		}
	}()
	for acquired < cap(b.inFlight) {
		select {
		case b.inFlight <- struct{}{}:
			acquired++
		case <-deadline:
			slog.Warn("backend: stop timed out draining in-flight handlers", "key", b.keyName)
			return
		}
	}
}

// onEvent is the relay subscription callback: spawns a short-lived handler
// task per inbound event, so one blocked ACL lookup never stalls
// other requests for the same key.
func (b *Backend) onEvent(event *nostr.Event) {
	select {
	case b.inFlight <- struct{}{}:
	default:
		slog.Warn("backend: handler backlog full, dropping event", "key", b.keyName, "id", event.ID)
		return
	}
	go func() {
		defer func() { <-b.inFlight }()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("backend: panic in request handler", "key", b.keyName, "panic", r)
			}
		}()
		b.HandleEvent(context.Background(), event)
	}()
}

// rpcRequest is the decrypted NIP-46 call envelope.
type rpcRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// HandleEvent runs one inbound event through Received → Verified →
// Decrypted → Authorized|Parked → Executed → Responded. Exported so a
// caller can drive a single request synchronously; the live subscription
// path (onEvent) wraps it in its own goroutine per event.
func (b *Backend) HandleEvent(ctx context.Context, event *nostr.Event) {
	if !cryptoprim.VerifyEvent(event) {
		slog.Warn("backend: dropping event with bad signature", "key", b.keyName, "id", event.ID)
		return // Received-stage failure: silent drop, no response.
	}

	privHex, ok := b.vault.PrivateKeyHex(b.keyName)
	if !ok {
		slog.Warn("backend: key not active, dropping request", "key", b.keyName)
		return
	}

	convKey, err := cryptoprim.ConversationKey(privHex, event.PubKey)
	if err != nil {
		slog.Error("backend: conversation key derivation failed", "key", b.keyName, "error", err)
		return
	}

	plaintext, err := cryptoprim.Nip44Decrypt(event.Content, convKey)
	if err != nil {
		slog.Warn("backend: decrypt failed", "key", b.keyName, "remote", event.PubKey, "error", err)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		slog.Warn("backend: malformed request payload", "key", b.keyName, "remote", event.PubKey)
		return
	}

	if req.Method == "connect" {
		b.handleConnect(ctx, event, req, privHex, convKey)
		return
	}

	result, rpcErr := b.authorizeAndExecute(ctx, event, req, privHex)
	if rpcErr == errSilentDrop {
		return
	}
	b.respond(ctx, event, req.ID, result, rpcErr, privHex, convKey)
}

// authorizeAndExecute runs the ACL evaluator for non-connect methods,
// parking on Undecided, and executes the method once authorized.
func (b *Backend) authorizeAndExecute(ctx context.Context, event *nostr.Event, req rpcRequest, privHex string) (string, error) {
	kind := 0
	if req.Method == "sign_event" && len(req.Params) > 0 {
		kind = sniffEventKind(req.Params[0])
	}

	decision, err := b.acl.Evaluate(b.keyName, event.PubKey, req.Method, kind)
	if err != nil {
		return "", fmt.Errorf("acl evaluation: %w", err)
	}

	switch decision {
	case acl.Denied:
		b.audit("denied", req.Method, event, store.ApprovalManual)
		return "", errUnauthorized
	case acl.Permitted:
		result, err := b.execute(req, privHex)
		approval := store.ApprovalAutoTrust
		if b.hasExplicitCondition(event.PubKey, req.Method, kind) {
			approval = store.ApprovalAutoPermission
		}
		b.audit("approved", req.Method, event, approval)
		return result, err
	default: // Undecided: park and await
		return b.parkAndAwait(ctx, event, req, privHex)
	}
}

func (b *Backend) hasExplicitCondition(remotePubkey, method string, kind int) bool {
	ku, err := b.store.GetKeyUser(b.keyName, remotePubkey)
	if err != nil {
		return false
	}
	kindStr := ""
	if method == "sign_event" {
		kindStr = strconv.Itoa(kind)
	}
	_, found, _ := b.store.MatchCondition(ku.ID, method, kindStr)
	return found
}

func (b *Backend) parkAndAwait(ctx context.Context, event *nostr.Event, req rpcRequest, privHex string) (string, error) {
	paramsJSON := marshalParamsForStorage(req.Params)
	pr := store.Request{
		ID:           uuid.NewString(),
		KeyName:      b.keyName,
		RemotePubkey: event.PubKey,
		Method:       req.Method,
		Params:       paramsJSON,
		CreatedAt:    time.Now(),
	}

	ch, err := b.pending.Park(pr)
	if err != nil {
		return "", fmt.Errorf("park request: %w", err)
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.TopicRequestCreated, map[string]string{"id": pr.ID})
	}

	decision, err := pending.Await(ctx, ch)
	if err != nil {
		return "", errSilentDrop
	}

	switch decision.Outcome {
	case pending.Approved:
		result, err := b.execute(req, privHex)
		b.audit("approved", req.Method, event, store.ApprovalManual)
		return result, err
	case pending.Denied:
		b.audit("denied", req.Method, event, store.ApprovalManual)
		return "", errUnauthorized
	default: // Expired
		return "", errSilentDrop
	}
}

func (b *Backend) audit(entryType, method string, event *nostr.Event, approval store.ApprovalType) {
	ku, err := b.store.GetKeyUser(b.keyName, event.PubKey)
	var kuID *int64
	if err == nil {
		kuID = &ku.ID
	}
	_ = b.store.WriteLogEntry(entryType, method, "", kuID, approval)
}

// marshalParamsForStorage re-encodes a NIP-46 params array for the requests
// table so that a JSON-object-shaped param (sign_event's unsigned event)
// lands unescaped — matching what pending.sniffKind expects when a parked
// sign_event request is later approved with "always allow".
func marshalParamsForStorage(params []string) string {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		if json.Valid([]byte(p)) {
			raw[i] = json.RawMessage(p)
			continue
		}
		encoded, _ := json.Marshal(p)
		raw[i] = encoded
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func sniffEventKind(paramsJSON string) int {
	var ev struct {
		Kind int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(paramsJSON), &ev); err != nil {
		return 0
	}
	return ev.Kind
}
