package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error loading defaults, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Router.Separator != ":" {
		t.Errorf("expected default router separator ':', got %q", cfg.Router.Separator)
	}
	if cfg.Ledger.MaxEntriesPerKey != 100 {
		t.Errorf("expected default ledger cap 100, got %d", cfg.Ledger.MaxEntriesPerKey)
	}
}

func TestLoadConfig_BackendValidation(t *testing.T) {
	tests := []struct {
		name     string
		backends []BackendConfig
		wantErr  string
	}{
		{
			name: "missing prefix",
			backends: []BackendConfig{
				{Command: "mcp-weather"},
			},
			wantErr: "must declare a non-empty prefix",
		},
		{
			name: "neither command nor remote_url",
			backends: []BackendConfig{
				{Prefix: "weather"},
			},
			wantErr: "must set exactly one of command or remote_url",
		},
		{
			name: "both command and remote_url",
			backends: []BackendConfig{
				{Prefix: "weather", Command: "mcp-weather", RemoteURL: "https://weather.example.com/mcp"},
			},
			wantErr: "must set exactly one of command or remote_url",
		},
		{
			name: "duplicate prefix",
			backends: []BackendConfig{
				{Prefix: "weather", Command: "mcp-weather"},
				{Prefix: "weather", RemoteURL: "https://weather.example.com/mcp"},
			},
			wantErr: "duplicate backend prefix",
		},
		{
			name: "prefix containing separator",
			backends: []BackendConfig{
				{Prefix: "weather:v2", Command: "mcp-weather"},
			},
			wantErr: "must not contain the router separator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			defer clearEnv()

			cfg := defaultConfig()
			cfg.Backends = tt.backends
			err := cfg.finalize()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_ValidBackends(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg := defaultConfig()
	cfg.Backends = []BackendConfig{
		{Prefix: "weather", Command: "mcp-weather", Args: []string{"--stdio"}},
		{Prefix: "search", RemoteURL: "https://search.example.com/mcp"},
	}
	if err := cfg.finalize(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Backends[0].RequestTimeout.Duration != 30*time.Second {
		t.Errorf("expected default request timeout 30s, got %v", cfg.Backends[0].RequestTimeout.Duration)
	}
}

func TestLoadConfig_MirrorRequiresRedisURL(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg := defaultConfig()
	cfg.Mirror.Enabled = true
	err := cfg.finalize()
	if err == nil {
		t.Fatal("expected error when mirror enabled without redis_url")
	}
	if !contains(err.Error(), "mirror.redis_url is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadConfig_AdminRequiresToken(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg := defaultConfig()
	cfg.Admin.Enabled = true
	err := cfg.finalize()
	if err == nil {
		t.Fatal("expected error when admin enabled without token")
	}
	if !contains(err.Error(), "admin.token is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

// Test helpers

func clearEnv() {
	envVars := []string{
		"PAYGATE_SERVER_ADDRESS", "PAYGATE_SERVER_READ_TIMEOUT", "PAYGATE_SERVER_WRITE_TIMEOUT",
		"PAYGATE_SERVER_IDLE_TIMEOUT", "PAYGATE_SERVER_DRAIN_TIMEOUT", "PAYGATE_SERVER_CORS_ALLOWED_ORIGINS",
		"PAYGATE_LOG_LEVEL", "PAYGATE_LOG_FORMAT", "PAYGATE_ENVIRONMENT",
		"PAYGATE_KEYSTORE_MAX_KEYS", "PAYGATE_KEYSTORE_SNAPSHOT_PATH", "PAYGATE_KEYSTORE_SNAPSHOT_EVERY",
		"PAYGATE_LEDGER_MAX_ENTRIES_PER_KEY",
		"PAYGATE_QUOTA_DAILY_CALLS", "PAYGATE_QUOTA_DAILY_CREDITS", "PAYGATE_QUOTA_MONTHLY_CALLS", "PAYGATE_QUOTA_MONTHLY_CREDITS",
		"PAYGATE_RATE_LIMIT_WINDOW_SECONDS", "PAYGATE_RATE_LIMIT_GLOBAL_CEILING", "PAYGATE_RATE_LIMIT_PER_KEY_CEILING",
		"PAYGATE_RATE_LIMIT_EDGE_ENABLED", "PAYGATE_RATE_LIMIT_EDGE_LIMIT", "PAYGATE_RATE_LIMIT_EDGE_WINDOW",
		"PAYGATE_GATE_SHADOW_MODE", "PAYGATE_GATE_REFUND_ON_FAILURE", "PAYGATE_GATE_FREE_METHODS",
		"PAYGATE_ROUTER_SEPARATOR",
		"PAYGATE_CIRCUIT_BREAKER_ENABLED", "PAYGATE_CIRCUIT_BREAKER_INTERVAL", "PAYGATE_CIRCUIT_BREAKER_TIMEOUT",
		"PAYGATE_MIRROR_ENABLED", "PAYGATE_MIRROR_REDIS_URL",
		"PAYGATE_SCOPED_TOKEN_ENABLED", "PAYGATE_SCOPED_TOKEN_SECRET",
		"PAYGATE_ADMIN_ENABLED", "PAYGATE_ADMIN_TOKEN",
		"PAYGATE_BACKEND_1_PREFIX", "PAYGATE_BACKEND_1_COMMAND", "PAYGATE_BACKEND_1_ARGS",
		"PAYGATE_BACKEND_1_REMOTE_URL", "PAYGATE_BACKEND_1_REQUEST_TIMEOUT",
	}
	for _, key := range envVars {
		os.Unsetenv(key)
	}
}

func contains(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	if len(s) < len(substr) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
