package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/token"
	"github.com/klppl/signet/internal/vault"
)

// writeError maps a service-layer error to the HTTP status table: Invalid
// or required input gets 400, not-found 404, already-exists 409, anything
// else 500.
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	http.Error(w, err.Error(), status)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, token.ErrNotFound),
		errors.Is(err, pending.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrNameInUse),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, token.ErrAlreadyRedeemed),
		errors.Is(err, pending.ErrAlreadyProcessed):
		return http.StatusConflict

	case errors.Is(err, vault.ErrEmptyName),
		errors.Is(err, vault.ErrEmptyPassphrase),
		errors.Is(err, vault.ErrInvalidSecretEncoding),
		errors.Is(err, vault.ErrInvalidPassphrase),
		errors.Is(err, vault.ErrNotEncrypted),
		errors.Is(err, vault.ErrAlreadyEncrypted),
		errors.Is(err, vault.ErrPassphraseRequired),
		errors.Is(err, vault.ErrNotActive):
		return http.StatusBadRequest
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "required"):
		return http.StatusBadRequest
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "already exists") || strings.Contains(msg, "in use") || strings.Contains(msg, "already redeemed") || strings.Contains(msg, "already processed"):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
