package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.APIHost)
	assert.Equal(t, 0, cfg.APIPort)
	assert.Equal(t, 9090, cfg.OpsPort)
	assert.False(t, cfg.PublicHealth)
	assert.Equal(t, DefaultLedgerPath, cfg.LedgerPath)
	assert.Equal(t, DefaultReplayDBPath, cfg.ReplayDBPath)
	assert.Equal(t, LedgerBackendFile, cfg.LedgerBackend)
	assert.Equal(t, time.Hour, cfg.L3SLA)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Nil(t, cfg.Profile)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("QORE_API_HOST", "0.0.0.0")
	t.Setenv("QORE_API_PORT", "8787")
	t.Setenv("QORE_API_KEY", "k-evaluate")
	t.Setenv("QORE_API_PUBLIC_HEALTH", "true")
	t.Setenv("QORE_PROXY_API_KEY", "k-proxy")
	t.Setenv("QORE_ACTOR_KEYS", "kid1:s1, kid2:s2")
	t.Setenv("QORE_ZO_ALLOWED_MODELS", "gpt-4o, claude-sonnet")
	t.Setenv("QORE_ZO_REQUIRE_MODEL", "true")
	t.Setenv("QORE_STRICT_MODE", "true")
	t.Setenv("QORE_L3_SLA_SECONDS", "120")
	t.Setenv("QORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.APIHost)
	assert.Equal(t, 8787, cfg.APIPort)
	assert.Equal(t, "k-evaluate", cfg.APIKey)
	assert.True(t, cfg.PublicHealth)
	assert.Equal(t, "k-proxy", cfg.ProxyAPIKey)
	assert.Equal(t, map[string]string{"kid1": "s1", "kid2": "s2"}, cfg.ActorKeys)
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, cfg.AllowedModels)
	assert.True(t, cfg.RequireModel)
	assert.True(t, cfg.StrictMode)
	assert.Equal(t, 2*time.Minute, cfg.L3SLA)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct{ key, value string }{
		{"QORE_API_PORT", "not-a-port"},
		{"QORE_API_PUBLIC_HEALTH", "yep"},
		{"QORE_L3_SLA_SECONDS", "-5"},
		{"QORE_ACTOR_KEYS", "missing-secret"},
		{"QORE_LOG_LEVEL", "loud"},
		{"QORE_LEDGER_BACKEND", "etcd"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestPostgresBackendRequiresDSN(t *testing.T) {
	t.Setenv("QORE_LEDGER_BACKEND", "postgres")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("QORE_LEDGER_DSN", "postgres://ledger@localhost/failsafe")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, LedgerBackendPostgres, cfg.LedgerBackend)
}

const sampleProfile = `
server:
  host: 10.0.0.5
  port: 9999
  strict_mode: true
services:
  - name: sentinel
    url: http://localhost:7001/health
  - name: qorelogic
    url: http://localhost:7002/health
router:
  tier2:
    risk: R2
    novelty: medium
    confidence: medium
  ledger_writes:
    2: true
    3: true
policy:
  disable_rules: true
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestProfileAppliesUnderEnvironment(t *testing.T) {
	t.Setenv("QORE_CONFIG_FILE", writeProfile(t, sampleProfile))
	// Environment beats the profile for overlapping fields.
	t.Setenv("QORE_API_HOST", "127.0.0.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.APIHost, "env wins over profile")
	assert.Equal(t, 9999, cfg.APIPort, "profile wins over default")
	assert.True(t, cfg.StrictMode)

	require.NotNil(t, cfg.Profile)
	require.Len(t, cfg.Profile.Services, 2)
	assert.Equal(t, "sentinel", cfg.Profile.Services[0].Name)
	require.NotNil(t, cfg.Profile.Router.Tier2)
	assert.Equal(t, "medium", cfg.Profile.Router.Tier2.Novelty)
	assert.Equal(t, map[int]bool{2: true, 3: true}, cfg.Profile.Router.LedgerWrites)
	assert.True(t, cfg.Profile.Policy.DisableRules)
}

func TestProfileValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"service missing url", "services:\n  - name: sentinel\n"},
		{"bad risk", "router:\n  tier3:\n    risk: R9\n"},
		{"bad novelty", "router:\n  tier2:\n    novelty: extreme\n"},
		{"bad tier key", "router:\n  ledger_writes:\n    7: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadProfile(writeProfile(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestProfileFileMissing(t *testing.T) {
	t.Setenv("QORE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err, "a named profile that cannot be read is a hard failure")
}
