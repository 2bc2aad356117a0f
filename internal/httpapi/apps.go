package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/store"
)

// appView adds a human-readable relative "last used" string to a KeyUser,
// so the dashboard doesn't need its own timestamp-formatting logic.
type appView struct {
	store.KeyUser
	LastUsedHuman string `json:"last_used_human,omitempty"`
}

func newAppView(ku store.KeyUser) appView {
	v := appView{KeyUser: ku}
	if ku.LastUsedAt != nil {
		v.LastUsedHuman = humanize.Time(*ku.LastUsedAt)
	}
	return v
}

// handleListApps serves GET /apps?key_name=....
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	keyName := r.URL.Query().Get("key_name")
	if keyName == "" {
		http.Error(w, "invalid request: key_name query parameter required", http.StatusBadRequest)
		return
	}
	apps, err := s.store.ListKeyUsers(keyName)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]appView, len(apps))
	for i, a := range apps {
		views[i] = newAppView(a)
	}
	jsonResponse(w, views, http.StatusOK)
}

func parseAppID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type updateAppRequest struct {
	TrustLevel store.TrustLevel `json:"trust_level"`
}

// handleUpdateApp serves PATCH /apps/:id: currently supports changing an
// app's trust level.
func (s *Server) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		http.Error(w, "invalid request: id must be numeric", http.StatusBadRequest)
		return
	}
	var req updateAppRequest
	if err := decodeJSON(r, &req); err != nil || req.TrustLevel == "" {
		http.Error(w, "invalid request: trust_level required", http.StatusBadRequest)
		return
	}

	ku, err := s.store.GetKeyUserByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateTrustLevel(id, req.TrustLevel); err != nil {
		writeError(w, err)
		return
	}
	s.acl.Invalidate(ku.KeyName, ku.RemotePubkey)
	jsonResponse(w, map[string]string{"id": chi.URLParam(r, "id"), "trust_level": string(req.TrustLevel)}, http.StatusOK)
}

// handleRevokeApp serves POST /apps/:id/revoke.
func (s *Server) handleRevokeApp(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		http.Error(w, "invalid request: id must be numeric", http.StatusBadRequest)
		return
	}
	ku, err := s.store.GetKeyUserByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RevokeKeyUser(id); err != nil {
		writeError(w, err)
		return
	}
	s.acl.Invalidate(ku.KeyName, ku.RemotePubkey)
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicAppRevoked, map[string]int64{"id": id})
	}
	jsonResponse(w, map[string]string{"id": chi.URLParam(r, "id")}, http.StatusOK)
}

type suspendAppRequest struct {
	Until *time.Time `json:"until"`
}

// handleSuspendApp serves POST /apps/:id/suspend; an omitted until
// suspends indefinitely.
func (s *Server) handleSuspendApp(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		http.Error(w, "invalid request: id must be numeric", http.StatusBadRequest)
		return
	}
	var req suspendAppRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	ku, err := s.store.GetKeyUserByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SuspendKeyUser(id, req.Until); err != nil {
		writeError(w, err)
		return
	}
	s.acl.Invalidate(ku.KeyName, ku.RemotePubkey)
	jsonResponse(w, map[string]string{"id": chi.URLParam(r, "id")}, http.StatusOK)
}

// handleUnsuspendApp serves POST /apps/:id/unsuspend.
func (s *Server) handleUnsuspendApp(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		http.Error(w, "invalid request: id must be numeric", http.StatusBadRequest)
		return
	}
	ku, err := s.store.GetKeyUserByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UnsuspendKeyUser(id); err != nil {
		writeError(w, err)
		return
	}
	s.acl.Invalidate(ku.KeyName, ku.RemotePubkey)
	jsonResponse(w, map[string]string{"id": chi.URLParam(r, "id")}, http.StatusOK)
}
