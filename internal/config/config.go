package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
			DrainTimeout: Duration{Duration: 10 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		KeyStore: KeyStoreConfig{
			MaxKeys:       0,
			SnapshotEvery: Duration{Duration: 30 * time.Second},
		},
		Ledger: LedgerConfig{
			MaxEntriesPerKey: 100,
		},
		Quota: QuotaConfig{
			DailyCalls:     0, // 0 = unlimited unless a key sets its own quota
			DailyCredits:   0,
			MonthlyCalls:   0,
			MonthlyCredits: 0,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds:  60,
			GlobalCeiling:  0,
			PerKeyCeiling:  0,
			PerToolCeiling: map[string]int{},
			EdgeEnabled:    true,
			EdgeLimit:      300,
			EdgeWindow:     Duration{Duration: 1 * time.Minute},
		},
		Gate: GateConfig{
			FreeMethods: []string{
				"initialize",
				"initialized",
				"ping",
				"notifications/initialized",
				"notifications/cancelled",
			},
			ShadowMode:      false,
			RefundOnFailure: true,
		},
		Router: RouterConfig{
			Separator: ":",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:             true,
			MaxRequests:         3,
			Interval:            Duration{Duration: 60 * time.Second},
			Timeout:             Duration{Duration: 30 * time.Second},
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		Mirror: MirrorConfig{
			Enabled: false,
		},
		ScopedToken: ScopedTokenConfig{
			Enabled: false,
		},
		Admin: AdminConfig{
			Enabled: false,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
