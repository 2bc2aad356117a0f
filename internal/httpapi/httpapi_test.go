package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/acl"
	"github.com/klppl/signet/internal/audit"
	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/relaypool"
	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/token"
	"github.com/klppl/signet/internal/vault"
)

func newTestServer(t *testing.T, bearerToken string) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "signet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())

	bus := eventbus.New()
	v := vault.New(st)
	ev := acl.New(st)
	pq := pending.New(st, bus)
	tok := token.New(st)
	al := audit.New(st, bus)
	pool := relaypool.New([]string{"wss://relay.example.com"})

	return New(Config{BindAddr: ":0", BearerToken: bearerToken}, st, v, ev, pq, tok, pool, bus, al)
}

func doRequest(t *testing.T, s *Server, method, path, bearer, csrfCookie, csrfHeader string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if csrfCookie != "" {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: csrfCookie})
	}
	if csrfHeader != "" {
		req.Header.Set("X-CSRF-Token", csrfHeader)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestMissingBearerTokenIsRejected(t *testing.T) {
	s := newTestServer(t, "s3cr3t")
	rec := doRequest(t, s, http.MethodGet, "/keys", "", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidBearerTokenPasses(t *testing.T) {
	s := newTestServer(t, "s3cr3t")
	rec := doRequest(t, s, http.MethodGet, "/keys", "s3cr3t", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEmptyBearerTokenDisablesAuth(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/keys", "", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMutatingRouteRequiresCSRFToken(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodPost, "/keys", "", "", "", createKeyRequest{Name: "alice"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMismatchedCSRFTokenIsRejected(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodPost, "/keys", "", "cookie-value", "different-value", createKeyRequest{Name: "alice"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateKeyThenListRoundTrips(t *testing.T) {
	s := newTestServer(t, "")

	csrfRec := doRequest(t, s, http.MethodGet, "/csrf-token", "", "", "", nil)
	require.Equal(t, http.StatusOK, csrfRec.Code)
	var csrfResp map[string]string
	require.NoError(t, json.NewDecoder(csrfRec.Body).Decode(&csrfResp))
	csrfTok := csrfResp["csrf_token"]
	require.NotEmpty(t, csrfTok)

	createRec := doRequest(t, s, http.MethodPost, "/keys", "", csrfTok, csrfTok, createKeyRequest{Name: "alice"})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created vault.KeyInfo
	require.NoError(t, json.NewDecoder(createRec.Body).Decode(&created))
	require.Equal(t, "alice", created.Name)
	require.Equal(t, vault.StatusOnline, created.Status)

	listRec := doRequest(t, s, http.MethodGet, "/keys", "", "", "", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var keys []vault.KeyInfo
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&keys))
	require.Len(t, keys, 1)
	require.Equal(t, "alice", keys[0].Name)
}

func TestCreateDuplicateKeyNameConflicts(t *testing.T) {
	s := newTestServer(t, "")
	_, err := s.vault.Create("alice", "", "")
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/keys", "", "tok", "tok", createKeyRequest{Name: "alice"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRevokeUnknownAppReturnsNotFound(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodPost, "/apps/999/revoke", "", "tok", "tok", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAppsWithoutKeyNameIsBadRequest(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodGet, "/apps", "", "", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveUnknownRequestReturnsNotFound(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(t, s, http.MethodPost, "/requests/does-not-exist", "", "tok", "tok", decideRequestBody{Approve: true})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveParkedRequestUnblocksWaiter(t *testing.T) {
	s := newTestServer(t, "")
	_, err := s.store.CreateKeyUser("alice", "pubkey-hex", "", store.TrustParanoid)
	require.NoError(t, err)

	req := store.Request{ID: "req-1", KeyName: "alice", RemotePubkey: "pubkey-hex", Method: "get_public_key", Params: "[]", CreatedAt: time.Now()}
	ch, err := s.pending.Park(req)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/requests/req-1", "", "tok", "tok", decideRequestBody{Approve: true})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case d := <-ch:
		require.Equal(t, pending.Approved, d.Outcome)
	default:
		t.Fatal("expected a decision to have been delivered synchronously")
	}
}

func TestCreateAndListTokens(t *testing.T) {
	s := newTestServer(t, "")
	_, err := s.vault.Create("alice", "", "")
	require.NoError(t, err)

	createRec := doRequest(t, s, http.MethodPost, "/tokens", "", "tok", "tok", createTokenRequest{KeyName: "alice"})
	require.Equal(t, http.StatusCreated, createRec.Code)

	listRec := doRequest(t, s, http.MethodGet, "/tokens?key_name=alice", "", "", "", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var toks []store.ConnectionToken
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&toks))
	require.Len(t, toks, 1)
}

func TestGetConnectionListsBunkerURIs(t *testing.T) {
	s := newTestServer(t, "")
	_, err := s.vault.Create("alice", "", "")
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/connection", "", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	keys, ok := resp["keys"].([]interface{})
	require.True(t, ok)
	require.Len(t, keys, 1)
}
