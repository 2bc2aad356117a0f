package backend_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/acl"
	"github.com/klppl/signet/internal/backend"
	"github.com/klppl/signet/internal/cryptoprim"
	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/token"
)

type fakeRelays struct {
	mu        sync.Mutex
	published []*nostr.Event
}

func (f *fakeRelays) Subscribe(nostr.Filter, func(*nostr.Event), string, func()) func() {
	return func() {}
}

func (f *fakeRelays) Publish(_ context.Context, event *nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
}

func (f *fakeRelays) last() *nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return nil
	}
	return f.published[len(f.published)-1]
}

type fakeVault struct{ priv string }

func (v fakeVault) PrivateKeyHex(string) (string, bool) { return v.priv, true }

type testRig struct {
	backend  *backend.Backend
	relays   *fakeRelays
	store    *store.Store
	keyName  string
	signerSK string
	signerPK string
	clientSK string
	clientPK string
	convKey  []byte
}

func newRig(t *testing.T, adminSecret string) testRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "signet.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	signerSK := nostr.GeneratePrivateKey()
	signerPK, err := nostr.GetPublicKey(signerSK)
	require.NoError(t, err)

	clientSK := nostr.GeneratePrivateKey()
	clientPK, err := nostr.GetPublicKey(clientSK)
	require.NoError(t, err)

	convKey, err := cryptoprim.ConversationKey(clientSK, signerPK)
	require.NoError(t, err)

	relays := &fakeRelays{}
	bus := eventbus.New()
	evaluator := acl.New(st)
	queue := pending.New(st, bus)
	tokens := token.New(st)

	be := backend.New("default", signerPK, backend.Deps{
		Vault:       fakeVault{priv: signerSK},
		Store:       st,
		ACL:         evaluator,
		Pending:     queue,
		Tokens:      tokens,
		Relays:      relays,
		Bus:         bus,
		AdminSecret: adminSecret,
	})

	return testRig{
		backend: be, relays: relays, store: st, keyName: "default",
		signerSK: signerSK, signerPK: signerPK,
		clientSK: clientSK, clientPK: clientPK, convKey: convKey,
	}
}

func (r testRig) send(t *testing.T, method string, params []string) *nostr.Event {
	t.Helper()
	id := "req-1"
	payload, err := json.Marshal(map[string]interface{}{"id": id, "method": method, "params": params})
	require.NoError(t, err)

	ciphertext, err := cryptoprim.Nip44Encrypt(string(payload), r.convKey)
	require.NoError(t, err)

	ev := &nostr.Event{
		PubKey:    r.clientPK,
		CreatedAt: nostr.Now(),
		Kind:      24133,
		Tags:      nostr.Tags{{"p", r.signerPK}},
		Content:   ciphertext,
	}
	require.NoError(t, cryptoprim.SignEvent(r.clientSK, ev))
	return ev
}

func (r testRig) decryptResponse(t *testing.T, ev *nostr.Event) map[string]string {
	t.Helper()
	plaintext, err := cryptoprim.Nip44Decrypt(ev.Content, r.convKey)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(plaintext), &out))
	return out
}

func approveKeyUser(t *testing.T, r testRig, trust store.TrustLevel) {
	t.Helper()
	_, err := r.store.CreateKeyUser(r.keyName, r.clientPK, "", trust)
	require.NoError(t, err)
}

func TestConnectWithMatchingAdminSecretAutoApproves(t *testing.T) {
	r := newRig(t, "s3cret")
	ev := r.send(t, "connect", []string{r.signerPK, "S3cret "})

	r.backend.Start()
	r.backend.HandleEvent(context.Background(), ev)

	require.Eventually(t, func() bool { return r.relays.last() != nil }, time.Second, 5*time.Millisecond)
	resp := r.decryptResponse(t, r.relays.last())
	require.Equal(t, "ack", resp["result"])

	ku, err := r.store.GetKeyUser(r.keyName, r.clientPK)
	require.NoError(t, err)
	require.Equal(t, store.TrustReasonable, ku.TrustLevel)
}

func TestConnectWithWrongSecretIsSilentlyDropped(t *testing.T) {
	r := newRig(t, "s3cret")
	ev := r.send(t, "connect", []string{r.signerPK, "wrong"})

	r.backend.HandleEvent(context.Background(), ev)
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, r.relays.last())
}

func TestGetPublicKeyForFullTrustUser(t *testing.T) {
	r := newRig(t, "")
	approveKeyUser(t, r, store.TrustFull)
	ev := r.send(t, "get_public_key", nil)

	r.backend.HandleEvent(context.Background(), ev)

	require.Eventually(t, func() bool { return r.relays.last() != nil }, time.Second, 5*time.Millisecond)
	resp := r.decryptResponse(t, r.relays.last())
	require.Equal(t, r.signerPK, resp["result"])
}

func TestSignEventForFullTrustUser(t *testing.T) {
	r := newRig(t, "")
	approveKeyUser(t, r, store.TrustFull)

	unsigned, err := json.Marshal(map[string]interface{}{
		"kind": 1, "content": "hello", "tags": []string{}, "created_at": time.Now().Unix(),
	})
	require.NoError(t, err)

	ev := r.send(t, "sign_event", []string{string(unsigned)})
	r.backend.HandleEvent(context.Background(), ev)

	require.Eventually(t, func() bool { return r.relays.last() != nil }, time.Second, 5*time.Millisecond)
	resp := r.decryptResponse(t, r.relays.last())

	var signed nostr.Event
	require.NoError(t, json.Unmarshal([]byte(resp["result"]), &signed))
	require.Equal(t, r.signerPK, signed.PubKey)
	ok, err := signed.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSignEventForParanoidUserParksRequest(t *testing.T) {
	r := newRig(t, "")
	approveKeyUser(t, r, store.TrustParanoid)

	unsigned, _ := json.Marshal(map[string]interface{}{"kind": 1, "content": "hi"})
	ev := r.send(t, "sign_event", []string{string(unsigned)})

	// authorizeAndExecute blocks awaiting a decision, so run it off the test
	// goroutine exactly as the live subscription path does (onEvent).
	go r.backend.HandleEvent(context.Background(), ev)

	require.Eventually(t, func() bool {
		reqs, err := r.store.ListRequests("pending", 10, 0)
		return err == nil && len(reqs) == 1
	}, time.Second, 5*time.Millisecond)
	require.Nil(t, r.relays.last())
}

func TestBadSignatureIsSilentlyDropped(t *testing.T) {
	r := newRig(t, "")
	ev := r.send(t, "ping", nil)
	ev.Content = "tampered" + ev.Content // corrupts the signed payload

	r.backend.HandleEvent(context.Background(), ev)
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, r.relays.last())
}
