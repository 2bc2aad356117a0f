// signetd is a NIP-46 remote-signer daemon: it custodies Nostr private
// keys and exposes them to client apps only through the NIP-46 protocol
// and an authenticated HTTP control plane, never handing a raw secret to
// a caller.
//
// Usage:
//
//	export SIGNET_ADMIN_SECRET=<bearer token for the control plane>
//	export SIGNET_RELAYS=wss://relay.damus.io,wss://nos.lol
//	export DATABASE_URL=signet.db
//	./signetd
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klppl/signet/internal/acl"
	"github.com/klppl/signet/internal/audit"
	"github.com/klppl/signet/internal/backend"
	"github.com/klppl/signet/internal/config"
	"github.com/klppl/signet/internal/eventbus"
	"github.com/klppl/signet/internal/httpapi"
	"github.com/klppl/signet/internal/pending"
	"github.com/klppl/signet/internal/relaypool"
	"github.com/klppl/signet/internal/store"
	"github.com/klppl/signet/internal/submgr"
	"github.com/klppl/signet/internal/token"
	"github.com/klppl/signet/internal/vault"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	// The broadcaster also ring-buffers recent lines for the /events "log" topic.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logs := httpapi.NewLogBroadcaster(os.Stdout)
	slog.SetDefault(slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting signet", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"bind_addr", cfg.BindAddr,
		"database", cfg.DatabaseURL,
		"relays", cfg.Relays,
		"local", cfg.Local,
	)
	if cfg.AdminSecret == "" {
		slog.Warn("SIGNET_ADMIN_SECRET is not set; the HTTP control plane is unauthenticated")
	}

	// ─── Database ─────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Graceful shutdown context ──────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Core collaborators ──────────────────────────────────────────────
	bus := eventbus.New()
	v := vault.New(st)
	ev := acl.New(st)
	pq := pending.New(st, bus)
	tok := token.New(st)
	al := audit.New(st, bus)

	pool := relaypool.New(cfg.Relays)
	sub := submgr.New(pool)

	// ─── Per-key NIP-46 backends, started/stopped as the vault
	// activates/deactivates keys ────────────────────────────────────────────
	backends := make(map[string]*backend.Backend)
	v.SetActivationCallback(func(name, pubKeyHex, privKeyHex string) {
		if _, exists := backends[name]; exists {
			return
		}
		b := backend.New(name, pubKeyHex, backend.Deps{
			Vault:       v,
			Store:       st,
			ACL:         ev,
			Pending:     pq,
			Tokens:      tok,
			Relays:      sub,
			Bus:         bus,
			AdminSecret: cfg.AdminSecret,
		})
		b.Start()
		backends[name] = b
		slog.Info("signetd: backend activated", "key", name)
	})
	v.SetDeactivationCallback(func(name string) {
		if b, ok := backends[name]; ok {
			b.Stop()
			delete(backends, name)
			slog.Info("signetd: backend deactivated", "key", name)
		}
	})

	if err := v.ActivatePlainKeys(); err != nil {
		slog.Error("failed to activate unencrypted keys", "error", err)
		os.Exit(1)
	}

	// ─── Start relay pool + subscription manager ─────────────────────────
	pool.Start(ctx)
	go sub.Run(ctx)

	// ─── Periodically sweep resolved pending requests out of the table ───
	go runPendingCleanup(ctx, pq)

	// ─── Start HTTP control plane ─────────────────────────────────────────
	srv := httpapi.New(httpapi.Config{
		BindAddr:    cfg.BindAddr,
		BaseURL:     cfg.BaseURL,
		BearerToken: cfg.AdminSecret,
	}, st, v, ev, pq, tok, pool, bus, al)
	srv.SetLogBroadcaster(logs)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("signetd stopped")
}

// pendingCleanupInterval is how often never-decided (pending or expired)
// requests older than pendingCleanupAge are purged from the requests table;
// approved and denied rows are kept.
const (
	pendingCleanupInterval = 15 * time.Minute
	pendingCleanupAge      = 24 * time.Hour
)

func runPendingCleanup(ctx context.Context, pq *pending.Queue) {
	ticker := time.NewTicker(pendingCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pq.Cleanup(time.Now().Add(-pendingCleanupAge))
			if err != nil {
				slog.Warn("signetd: pending cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("signetd: pending cleanup", "removed", n)
			}
		}
	}
}
