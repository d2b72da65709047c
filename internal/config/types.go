package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	KeyStore       KeyStoreConfig       `yaml:"keystore"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Quota          QuotaConfig          `yaml:"quota"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Gate           GateConfig           `yaml:"gate"`
	Backends       []BackendConfig      `yaml:"backends"`
	Router         RouterConfig         `yaml:"router"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Mirror         MirrorConfig         `yaml:"mirror"`
	ScopedToken    ScopedTokenConfig    `yaml:"scoped_token"`
	Admin          AdminConfig          `yaml:"admin"`
	Pricing        PricingConfig        `yaml:"pricing"`
}

// PricingConfig holds the static per-tool pricing table the Gate charges
// against. Tool names are matched against the fully prefixed name (e.g.
// "web:search"); a tool with no entry is charged pricing.DefaultPrice.
type PricingConfig struct {
	Rules map[string]PricingRule `yaml:"rules"`
}

// PricingRule mirrors pricing.Rule for YAML decoding.
type PricingRule struct {
	BasePrice int64  `yaml:"base_price"`
	PerUnit   int64  `yaml:"per_unit"`
	UnitField string `yaml:"unit_field"`
	MinPrice  int64  `yaml:"min_price"`
	MaxPrice  int64  `yaml:"max_price"`
}

// ServerConfig holds HTTP server configuration for the /mcp edge.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	DrainTimeout       Duration `yaml:"drain_timeout"` // graceful shutdown: time to wait for in-flight requests
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// KeyStoreConfig configures the authoritative API-key account store.
type KeyStoreConfig struct {
	MaxKeys       int      `yaml:"max_keys"`       // 0 = unlimited
	SnapshotPath  string   `yaml:"snapshot_path"`  // optional atomic snapshot file; "" disables persistence
	SnapshotEvery Duration `yaml:"snapshot_every"` // periodic flush in addition to on-mutation writes; 0 disables
}

// LedgerConfig configures the per-key credit ledger.
type LedgerConfig struct {
	MaxEntriesPerKey int `yaml:"max_entries_per_key"` // default 100
}

// QuotaConfig holds the global daily/monthly quota ceilings. A KeyRecord's own
// quota override, when present, takes precedence over these.
type QuotaConfig struct {
	DailyCalls     int64 `yaml:"daily_calls"`
	DailyCredits   int64 `yaml:"daily_credits"`
	MonthlyCalls   int64 `yaml:"monthly_calls"`
	MonthlyCredits int64 `yaml:"monthly_credits"`
}

// RateLimitConfig configures both the Gate's per-key sliding-window limiter
// and the edge's coarse IP-based HTTP throttle.
type RateLimitConfig struct {
	WindowSeconds  int            `yaml:"window_seconds"`  // sliding window width, default 60
	GlobalCeiling  int            `yaml:"global_ceiling"`  // 0 = unlimited
	PerKeyCeiling  int            `yaml:"per_key_ceiling"` // 0 = unlimited
	PerToolCeiling map[string]int `yaml:"per_tool_ceiling"`

	EdgeEnabled bool     `yaml:"edge_enabled"`
	EdgeLimit   int      `yaml:"edge_limit"`
	EdgeWindow  Duration `yaml:"edge_window"`
}

// GateConfig configures admission behavior not owned by a sub-component.
type GateConfig struct {
	FreeMethods     []string `yaml:"free_methods"`
	ShadowMode      bool     `yaml:"shadow_mode"`
	RefundOnFailure bool     `yaml:"refund_on_failure"`
}

// BackendConfig describes one wrapped MCP server. Exactly one of
// (Command) or (RemoteURL) must be set; validated in finalize().
type BackendConfig struct {
	Prefix         string   `yaml:"prefix"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	RemoteURL      string   `yaml:"remote_url"`
	RequestTimeout Duration `yaml:"request_timeout"` // default 30s
}

// RouterConfig configures the multi-server prefix router.
type RouterConfig struct {
	Separator string `yaml:"separator"` // default ":"
}

// CircuitBreakerConfig configures the per-backend circuit breaker.
// Every configured backend prefix gets its own breaker instance.
type CircuitBreakerConfig struct {
	Enabled             bool     `yaml:"enabled"`
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// MirrorConfig configures the optional cross-node KeyStore mutation mirror.
type MirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RedisURL string `yaml:"redis_url"`
}

// ScopedTokenConfig configures HMAC-signed (HS256) scoped tool-call tokens.
type ScopedTokenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// AdminConfig configures the minimal admin key-lifecycle surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}
