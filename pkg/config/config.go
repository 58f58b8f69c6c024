// Package config assembles the runtime configuration from three layers:
// built-in defaults, an optional YAML profile (QORE_CONFIG_FILE), and
// process environment variables. Environment always wins over the profile,
// the profile over defaults. Every knob the server honors is a named field
// here; nothing reads os.Getenv outside this package.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the durable state layout, relative to the workspace root.
const (
	DefaultLedgerPath   = ".failsafe/ledger/meta.ledger"
	DefaultReplayDBPath = ".failsafe/ledger/replay-protection.db"
	DefaultApprovalDir  = ".failsafe/approvals"
)

// Ledger backend selectors.
const (
	LedgerBackendFile     = "file"
	LedgerBackendPostgres = "postgres"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	// HTTP surface.
	APIHost      string
	APIPort      int
	OpsPort      int
	APIKey       string
	PublicHealth bool

	// LLM proxy.
	ProxyAPIKey    string
	ActorKeys      map[string]string
	ActorMasterKey string
	AllowedModels  []string
	RequireModel   bool
	UpstreamURL    string

	// Durable state.
	ReplayDBPath  string
	LedgerPath    string
	LedgerBackend string
	LedgerDSN     string
	WorkspaceRoot string

	// Policy.
	PolicyDir   string
	PolicyWatch bool

	// Pipeline behavior.
	AgentOSEnabled bool
	StrictMode     bool
	L3SLA          time.Duration

	// Operators and integrations.
	AdminJWTSecret string
	RedisAddr      string
	OTelEndpoint   string
	S3Endpoint     string

	LogLevel slog.Level

	// Profile carries the file-only settings (service registry entries,
	// tier thresholds, ledger-write map). Nil when no profile is loaded.
	Profile *Profile
}

// Load resolves the configuration. The profile, when named by
// QORE_CONFIG_FILE, is read first so the environment can override it.
func Load() (*Config, error) {
	cfg := &Config{
		APIHost:       "127.0.0.1",
		APIPort:       0,
		OpsPort:       9090,
		ReplayDBPath:  DefaultReplayDBPath,
		LedgerPath:    DefaultLedgerPath,
		LedgerBackend: LedgerBackendFile,
		L3SLA:         time.Hour,
		LogLevel:      slog.LevelInfo,
	}

	if path := os.Getenv("QORE_CONFIG_FILE"); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		cfg.Profile = profile
		profile.apply(cfg)
	}

	cfg.APIHost = envString("QORE_API_HOST", cfg.APIHost)
	cfg.APIKey = envString("QORE_API_KEY", cfg.APIKey)
	cfg.ProxyAPIKey = envString("QORE_PROXY_API_KEY", cfg.ProxyAPIKey)
	cfg.ActorMasterKey = envString("QORE_ACTOR_MASTER_KEY", cfg.ActorMasterKey)
	cfg.UpstreamURL = envString("QORE_ZO_UPSTREAM_URL", cfg.UpstreamURL)
	cfg.ReplayDBPath = envString("QORE_REPLAY_DB_PATH", cfg.ReplayDBPath)
	cfg.LedgerPath = envString("QORE_LEDGER_PATH", cfg.LedgerPath)
	cfg.LedgerBackend = envString("QORE_LEDGER_BACKEND", cfg.LedgerBackend)
	cfg.LedgerDSN = envString("QORE_LEDGER_DSN", cfg.LedgerDSN)
	cfg.WorkspaceRoot = envString("QORE_WORKSPACE_ROOT", cfg.WorkspaceRoot)
	cfg.PolicyDir = envString("QORE_POLICY_DIR", cfg.PolicyDir)
	cfg.AdminJWTSecret = envString("QORE_ADMIN_JWT_SECRET", cfg.AdminJWTSecret)
	cfg.RedisAddr = envString("QORE_RATELIMIT_REDIS_ADDR", cfg.RedisAddr)
	cfg.OTelEndpoint = envString("QORE_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.S3Endpoint = envString("QORE_S3_ENDPOINT", cfg.S3Endpoint)

	var err error
	if cfg.APIPort, err = envInt("QORE_API_PORT", cfg.APIPort); err != nil {
		return nil, err
	}
	if cfg.OpsPort, err = envInt("QORE_OPS_PORT", cfg.OpsPort); err != nil {
		return nil, err
	}
	if cfg.PublicHealth, err = envBool("QORE_API_PUBLIC_HEALTH", cfg.PublicHealth); err != nil {
		return nil, err
	}
	if cfg.RequireModel, err = envBool("QORE_ZO_REQUIRE_MODEL", cfg.RequireModel); err != nil {
		return nil, err
	}
	if cfg.PolicyWatch, err = envBool("QORE_POLICY_WATCH", cfg.PolicyWatch); err != nil {
		return nil, err
	}
	if cfg.AgentOSEnabled, err = envBool("QORE_AGENT_OS_ENABLED", cfg.AgentOSEnabled); err != nil {
		return nil, err
	}
	if cfg.StrictMode, err = envBool("QORE_STRICT_MODE", cfg.StrictMode); err != nil {
		return nil, err
	}

	if raw := os.Getenv("QORE_L3_SLA_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("config: QORE_L3_SLA_SECONDS: %q is not a positive integer", raw)
		}
		cfg.L3SLA = time.Duration(secs) * time.Second
	}

	if raw := os.Getenv("QORE_ZO_ALLOWED_MODELS"); raw != "" {
		cfg.AllowedModels = splitList(raw)
	}

	if raw := os.Getenv("QORE_ACTOR_KEYS"); raw != "" {
		keys, err := ParseActorKeys(raw)
		if err != nil {
			return nil, err
		}
		cfg.ActorKeys = keys
	}

	if raw := os.Getenv("QORE_LOG_LEVEL"); raw != "" {
		level, err := ParseLogLevel(raw)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	switch cfg.LedgerBackend {
	case LedgerBackendFile:
	case LedgerBackendPostgres:
		if cfg.LedgerDSN == "" {
			return nil, fmt.Errorf("config: ledger backend %q requires QORE_LEDGER_DSN", cfg.LedgerBackend)
		}
	default:
		return nil, fmt.Errorf("config: unknown ledger backend %q", cfg.LedgerBackend)
	}

	return cfg, nil
}

// ParseActorKeys decodes a comma list of kid:secret pairs.
func ParseActorKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range splitList(raw) {
		kid, secret, ok := strings.Cut(pair, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("config: QORE_ACTOR_KEYS entry %q is not kid:secret", pair)
		}
		keys[kid] = secret
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("config: QORE_ACTOR_KEYS is set but holds no keys")
	}
	return keys, nil
}

// ParseLogLevel maps a level name to its slog value.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", raw)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %q is not an integer", key, raw)
	}
	return v, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s: %q is not a boolean", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
