package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleListTokens serves GET /tokens?key_name=....
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	keyName := r.URL.Query().Get("key_name")
	if keyName == "" {
		http.Error(w, "invalid request: key_name query parameter required", http.StatusBadRequest)
		return
	}
	toks, err := s.tokens.List(keyName)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, toks, http.StatusOK)
}

type createTokenRequest struct {
	KeyName    string `json:"key_name"`
	PolicyID   *int64 `json:"policy_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// handleCreateToken serves POST /tokens: issues a one-shot connection
// token and returns it with its secret. GET /tokens also lists each
// token's secret.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.KeyName == "" {
		http.Error(w, "invalid request: key_name required", http.StatusBadRequest)
		return
	}
	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	tok, err := s.tokens.Issue(req.KeyName, req.PolicyID, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, tok, http.StatusCreated)
}

// handleDeleteToken serves DELETE /tokens/:id.
func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tokens.Revoke(id); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": id}, http.StatusOK)
}
