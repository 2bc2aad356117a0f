package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klppl/signet/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SIGNET_RELAYS", "SIGNET_LOCAL", "DATABASE_URL", "SIGNET_BIND_ADDR", "SIGNET_BASE_URL", "SIGNET_ADMIN_SECRET", "SIGNET_JWT_SECRET"} {
		old, ok := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if ok {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg := config.Load()

	require.Equal(t, "signet.db", cfg.DatabaseURL)
	require.Equal(t, ":4646", cfg.BindAddr)
	require.Empty(t, cfg.AdminSecret)
	require.False(t, cfg.Local)
	require.NotEmpty(t, cfg.Relays)
}

func TestLoadReadsOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("SIGNET_RELAYS", "wss://a.example, wss://b.example")
	os.Setenv("SIGNET_LOCAL", "true")
	os.Setenv("SIGNET_ADMIN_SECRET", "s3cr3t")

	cfg := config.Load()
	require.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays)
	require.True(t, cfg.Local)
	require.Equal(t, "signet.dev.db", cfg.DatabaseURL)
	require.Equal(t, "s3cr3t", cfg.AdminSecret)
}

func TestFromJSONRequiresBindAddr(t *testing.T) {
	_, err := config.FromJSON([]byte(`{"relays":["wss://relay.example"]}`))
	require.Error(t, err)
}

func TestFromJSONParsesKeys(t *testing.T) {
	doc := []byte(`{
		"bind_addr": ":4646",
		"relays": ["wss://relay.example"],
		"keys": {
			"alice": {"key": "nsec1..."},
			"bob": {"iv": "aa", "data": "bb"}
		}
	}`)
	fc, err := config.FromJSON(doc)
	require.NoError(t, err)
	require.Equal(t, ":4646", fc.BindAddr)
	require.Equal(t, "nsec1...", fc.Keys["alice"].Key)
	require.Equal(t, "aa", fc.Keys["bob"].IV)
}
