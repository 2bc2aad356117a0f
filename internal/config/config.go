// Package config loads signet's ambient, environment-variable driven
// configuration: the database location, the HTTP control plane's bind
// address and credentials, and the relay set every key publishes/listens
// on. The file-backed JSON config spec.md §6 describes (relays, keys
// each either {key: "nsec..."} or {iv, data}, bind address, base URL,
// admin secret, optional JWT secret) is a CLI-entrypoint concern layered
// on top of this package; FromJSON below is its documented seam.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every setting the daemon needs at construction time.
type Config struct {
	DatabaseURL string
	BindAddr    string
	BaseURL     string
	AdminSecret string
	JWTSecret   string
	Relays      []string
	Local       bool
}

// Load reads configuration from environment variables, the same shape as
// the teacher's Load(): sensible defaults for everything except
// SIGNET_ADMIN_SECRET, which callers should treat as required in
// production (an empty value merely disables bearer-token auth, useful
// for local dev).
func Load() *Config {
	relays := parseRelays(os.Getenv("SIGNET_RELAYS"))
	if len(relays) == 0 {
		relays = []string{"wss://relay.damus.io", "wss://nos.lol"}
	}

	local := getEnvBool("SIGNET_LOCAL")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		if local {
			dbURL = "signet.dev.db"
		} else {
			dbURL = "signet.db"
		}
	}

	return &Config{
		DatabaseURL: dbURL,
		BindAddr:    getEnv("SIGNET_BIND_ADDR", ":4646"),
		BaseURL:     getEnv("SIGNET_BASE_URL", "http://localhost:4646"),
		AdminSecret: os.Getenv("SIGNET_ADMIN_SECRET"),
		JWTSecret:   os.Getenv("SIGNET_JWT_SECRET"),
		Relays:      relays,
		Local:       local,
	}
}

// KeyMaterial is one entry of the JSON config file's "keys" object: either
// a plain nsec-style secret, or an {iv, data} pair already wrapped the way
// internal/vault wraps at-rest key material.
type KeyMaterial struct {
	Key  string `json:"key,omitempty"`
	IV   string `json:"iv,omitempty"`
	Data string `json:"data,omitempty"`
}

// FileConfig mirrors the JSON config file spec.md §6 describes: relays,
// named keys, bind address, base URL, admin secret, and an optional JWT
// secret. Left undocumented beyond this shape because parsing it and
// turning it into vault-ready records is CLI-entrypoint plumbing, not
// core daemon logic.
type FileConfig struct {
	Relays      []string               `json:"relays"`
	Keys        map[string]KeyMaterial `json:"keys"`
	BindAddr    string                 `json:"bind_addr"`
	BaseURL     string                 `json:"base_url"`
	AdminSecret string                 `json:"admin_secret"`
	JWTSecret   string                 `json:"jwt_secret,omitempty"`
}

// FromJSON parses the JSON config file format into a FileConfig. It does
// not import or populate the key vault: the CLI entrypoint is responsible
// for turning each entry's KeyMaterial into vault.Create/Unlock calls,
// since that wiring needs a live *store.Store and passphrase prompts this
// package has no business owning.
func FromJSON(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}
	if fc.BindAddr == "" {
		return nil, fmt.Errorf("config: bind_addr is required")
	}
	return &fc, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

func parseRelays(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseInt mirrors the teacher's tolerant-fallback parsing helper, kept
// here for config values future env vars may add.
func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
