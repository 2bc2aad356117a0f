package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/store"
)

const (
	defaultRequestsLimit = 50
	maxRequestsLimit     = 200
)

// handleListRequests serves GET /requests?status=pending&limit=&offset=.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "pending"
	}
	limit := queryInt(r, "limit", defaultRequestsLimit)
	if limit <= 0 || limit > maxRequestsLimit {
		limit = defaultRequestsLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	reqs, err := s.pending.List(status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, reqs, http.StatusOK)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// handleGetRequest serves GET /requests/:id.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, req, http.StatusOK)
}

type decideRequestBody struct {
	Approve     bool             `json:"approve"`
	AlwaysAllow bool             `json:"always_allow"`
	TrustLevel  store.TrustLevel `json:"trust_level"`
}

// handleDecideRequest serves POST /requests/:id: approve or deny a parked
// request, optionally widening standing permissions via always_allow.
func (s *Server) handleDecideRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body decideRequestBody
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.decide(id, body); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": id}, http.StatusOK)
}

func (s *Server) decide(id string, body decideRequestBody) error {
	if body.Approve {
		return s.pending.Approve(id, pending.Scope{AlwaysAllow: body.AlwaysAllow, TrustLevel: body.TrustLevel})
	}
	return s.pending.Deny(id)
}

type batchDecideBody struct {
	IDs     []string `json:"ids"`
	Approve bool     `json:"approve"`
}

type batchDecideResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// handleBatchDecideRequests serves POST /requests/batch: applies the same
// approve/deny decision to every listed id, collecting per-id failures
// rather than aborting the whole batch on the first error.
func (s *Server) handleBatchDecideRequests(w http.ResponseWriter, r *http.Request) {
	var body batchDecideBody
	if err := decodeJSON(r, &body); err != nil || len(body.IDs) == 0 {
		http.Error(w, "invalid request: ids required", http.StatusBadRequest)
		return
	}

	results := make([]batchDecideResult, 0, len(body.IDs))
	for _, id := range body.IDs {
		if err := s.decide(id, decideRequestBody{Approve: body.Approve}); err != nil {
			results = append(results, batchDecideResult{ID: id, Error: err.Error()})
			continue
		}
		results = append(results, batchDecideResult{ID: id})
	}
	jsonResponse(w, results, http.StatusOK)
}
