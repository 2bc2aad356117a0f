package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListKeys serves GET /keys.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.vault.List()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, keys, http.StatusOK)
}

type createKeyRequest struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase"`
	SecretHex  string `json:"secret_hex"`
}

// handleCreateKey serves POST /keys: generates a fresh key when secret_hex
// is omitted, or imports the given 32-byte hex secret.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	info, err := s.vault.Create(req.Name, req.Passphrase, req.SecretHex)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish("key:created", info)
	}
	jsonResponse(w, info, http.StatusCreated)
}

type renameKeyRequest struct {
	NewName string `json:"new_name"`
}

// handleRenameKey serves PATCH /keys/:name.
func (s *Server) handleRenameKey(w http.ResponseWriter, r *http.Request) {
	oldName := chi.URLParam(r, "name")
	var req renameKeyRequest
	if err := decodeJSON(r, &req); err != nil || req.NewName == "" {
		http.Error(w, "invalid request: new_name required", http.StatusBadRequest)
		return
	}
	if err := s.vault.Rename(oldName, req.NewName); err != nil {
		writeError(w, err)
		return
	}
	s.acl.InvalidateKey(oldName)
	jsonResponse(w, map[string]string{"name": req.NewName}, http.StatusOK)
}

// handleDeleteKey serves DELETE /keys/:name?passphrase=....
func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	passphrase := r.URL.Query().Get("passphrase")
	revoked, err := s.vault.Delete(name, passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	s.acl.InvalidateKey(name)
	if s.bus != nil {
		s.bus.Publish("key:deleted", map[string]interface{}{"name": name, "revoked_key_users": revoked})
	}
	jsonResponse(w, map[string]interface{}{"name": name, "revoked_key_users": revoked}, http.StatusOK)
}

type unlockKeyRequest struct {
	Passphrase string `json:"passphrase"`
}

// handleUnlockKey serves POST /keys/:name/unlock.
func (s *Server) handleUnlockKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req unlockKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.Unlock(name, req.Passphrase); err != nil {
		writeError(w, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish("key:unlocked", map[string]string{"name": name})
	}
	jsonResponse(w, map[string]string{"name": name, "status": "online"}, http.StatusOK)
}

type setPassphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

// handleSetPassphrase serves POST /keys/:name/set-passphrase: wraps a
// currently-plain key under a passphrase.
func (s *Server) handleSetPassphrase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setPassphraseRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.vault.SetPassphrase(name, req.Passphrase); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"name": name, "encrypted": "true"}, http.StatusOK)
}
