// Package httpapi implements signet's HTTP control plane: the JSON API the
// dashboard and mobile clients use to manage keys, apps, pending requests,
// and connection tokens, plus the SSE stream that pushes event-bus topics
// to connected clients.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/signet/internal/acl"
	"github.com/klppl/signet/internal/audit"
	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/relaypool"
	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/token"
	"github.com/klppl/signet/internal/vault"
)

// Config is the subset of the daemon's configuration the HTTP layer needs.
type Config struct {
	BindAddr    string
	BaseURL     string
	BearerToken string
}

// Server is signet's HTTP control plane.
type Server struct {
	cfg     Config
	store   *store.Store
	vault   *vault.Vault
	acl     *acl.Evaluator
	pending *pending.Queue
	tokens  *token.Store
	relays  *relaypool.Pool
	bus     *eventbus.Bus
	audit   *audit.Logger

	logs *LogBroadcaster

	router    *chi.Mux
	startedAt time.Time
}

// New builds a Server wired to every collaborator package and pre-builds
// its router; call Start to begin serving.
func New(cfg Config, st *store.Store, v *vault.Vault, ev *acl.Evaluator, pq *pending.Queue, tok *token.Store, relays *relaypool.Pool, bus *eventbus.Bus, al *audit.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		vault:     v,
		acl:       ev,
		pending:   pq,
		tokens:    tok,
		relays:    relays,
		bus:       bus,
		audit:     al,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// SetLogBroadcaster wires the process log ring buffer into /events, so SSE
// subscribers see recent log lines alongside event-bus topics. Optional:
// without it /events only streams the event bus.
func (s *Server) SetLogBroadcaster(lb *LogBroadcaster) { s.logs = lb }

// Start serves the control plane until ctx is cancelled, then shuts down
// gracefully within a 10-second deadline.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.BindAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream holds its connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting http control plane", "addr", s.cfg.BindAddr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("http control plane shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http control plane error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, loggingMiddleware, middleware.Recoverer, corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)

		r.Get("/csrf-token", s.handleCSRFToken)
		r.Get("/connection", s.handleConnection)
		r.Get("/relays", s.handleRelays)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/events", s.handleEvents)

		r.Get("/keys", s.handleListKeys)
		r.With(s.requireCSRF).Post("/keys", s.handleCreateKey)
		r.With(s.requireCSRF).Patch("/keys/{name}", s.handleRenameKey)
		r.With(s.requireCSRF).Delete("/keys/{name}", s.handleDeleteKey)
		r.With(s.requireCSRF).Post("/keys/{name}/unlock", s.handleUnlockKey)
		r.With(s.requireCSRF).Post("/keys/{name}/set-passphrase", s.handleSetPassphrase)

		r.Get("/apps", s.handleListApps)
		r.With(s.requireCSRF).Patch("/apps/{id}", s.handleUpdateApp)
		r.With(s.requireCSRF).Post("/apps/{id}/revoke", s.handleRevokeApp)
		r.With(s.requireCSRF).Post("/apps/{id}/suspend", s.handleSuspendApp)
		r.With(s.requireCSRF).Post("/apps/{id}/unsuspend", s.handleUnsuspendApp)

		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/{id}", s.handleGetRequest)
		r.With(s.requireCSRF).Post("/requests/batch", s.handleBatchDecideRequests)
		r.With(s.requireCSRF).Post("/requests/{id}", s.handleDecideRequest)

		r.Get("/tokens", s.handleListTokens)
		r.With(s.requireCSRF).Post("/tokens", s.handleCreateToken)
		r.With(s.requireCSRF).Delete("/tokens/{id}", s.handleDeleteToken)
	})

	return r
}

// ─── Response helpers ──────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response", "error", err)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Flush passes through to the underlying writer so the /events SSE handler
// still finds an http.Flusher behind the logging middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
