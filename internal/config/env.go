package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the PAYGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "PAYGATE_SERVER_ADDRESS")
	setDurationIfEnv(&c.Server.ReadTimeout, "PAYGATE_SERVER_READ_TIMEOUT")
	setDurationIfEnv(&c.Server.WriteTimeout, "PAYGATE_SERVER_WRITE_TIMEOUT")
	setDurationIfEnv(&c.Server.IdleTimeout, "PAYGATE_SERVER_IDLE_TIMEOUT")
	setDurationIfEnv(&c.Server.DrainTimeout, "PAYGATE_SERVER_DRAIN_TIMEOUT")
	if v := os.Getenv("PAYGATE_SERVER_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = strings.Split(v, ",")
	}

	setIfEnv(&c.Logging.Level, "PAYGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAYGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PAYGATE_ENVIRONMENT")

	setIntIfEnv(&c.KeyStore.MaxKeys, "PAYGATE_KEYSTORE_MAX_KEYS")
	setIfEnv(&c.KeyStore.SnapshotPath, "PAYGATE_KEYSTORE_SNAPSHOT_PATH")
	setDurationIfEnv(&c.KeyStore.SnapshotEvery, "PAYGATE_KEYSTORE_SNAPSHOT_EVERY")

	setIntIfEnv(&c.Ledger.MaxEntriesPerKey, "PAYGATE_LEDGER_MAX_ENTRIES_PER_KEY")

	setInt64IfEnv(&c.Quota.DailyCalls, "PAYGATE_QUOTA_DAILY_CALLS")
	setInt64IfEnv(&c.Quota.DailyCredits, "PAYGATE_QUOTA_DAILY_CREDITS")
	setInt64IfEnv(&c.Quota.MonthlyCalls, "PAYGATE_QUOTA_MONTHLY_CALLS")
	setInt64IfEnv(&c.Quota.MonthlyCredits, "PAYGATE_QUOTA_MONTHLY_CREDITS")

	setIntIfEnv(&c.RateLimit.WindowSeconds, "PAYGATE_RATE_LIMIT_WINDOW_SECONDS")
	setIntIfEnv(&c.RateLimit.GlobalCeiling, "PAYGATE_RATE_LIMIT_GLOBAL_CEILING")
	setIntIfEnv(&c.RateLimit.PerKeyCeiling, "PAYGATE_RATE_LIMIT_PER_KEY_CEILING")
	setBoolIfEnv(&c.RateLimit.EdgeEnabled, "PAYGATE_RATE_LIMIT_EDGE_ENABLED")
	setIntIfEnv(&c.RateLimit.EdgeLimit, "PAYGATE_RATE_LIMIT_EDGE_LIMIT")
	setDurationIfEnv(&c.RateLimit.EdgeWindow, "PAYGATE_RATE_LIMIT_EDGE_WINDOW")

	setBoolIfEnv(&c.Gate.ShadowMode, "PAYGATE_GATE_SHADOW_MODE")
	setBoolIfEnv(&c.Gate.RefundOnFailure, "PAYGATE_GATE_REFUND_ON_FAILURE")
	if v := os.Getenv("PAYGATE_GATE_FREE_METHODS"); v != "" {
		c.Gate.FreeMethods = strings.Split(v, ",")
	}

	setIfEnv(&c.Router.Separator, "PAYGATE_ROUTER_SEPARATOR")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "PAYGATE_CIRCUIT_BREAKER_ENABLED")
	setDurationIfEnv(&c.CircuitBreaker.Interval, "PAYGATE_CIRCUIT_BREAKER_INTERVAL")
	setDurationIfEnv(&c.CircuitBreaker.Timeout, "PAYGATE_CIRCUIT_BREAKER_TIMEOUT")

	setBoolIfEnv(&c.Mirror.Enabled, "PAYGATE_MIRROR_ENABLED")
	setIfEnv(&c.Mirror.RedisURL, "PAYGATE_MIRROR_REDIS_URL")

	setBoolIfEnv(&c.ScopedToken.Enabled, "PAYGATE_SCOPED_TOKEN_ENABLED")
	setIfEnv(&c.ScopedToken.Secret, "PAYGATE_SCOPED_TOKEN_SECRET")

	setBoolIfEnv(&c.Admin.Enabled, "PAYGATE_ADMIN_ENABLED")
	setIfEnv(&c.Admin.Token, "PAYGATE_ADMIN_TOKEN")

	c.Backends = applyBackendEnvOverrides(c.Backends)
}

// applyBackendEnvOverrides loads backend definitions from PAYGATE_BACKEND_<N>_*
// environment variables, appending to (but never replacing) backends already
// declared in the config file. Numbering starts at 1 and stops at the first gap.
func applyBackendEnvOverrides(existing []BackendConfig) []BackendConfig {
	backends := existing
	for i := 1; i <= 64; i++ {
		prefixVar := envName("PAYGATE_BACKEND", i, "PREFIX")
		prefix := os.Getenv(prefixVar)
		if prefix == "" {
			break
		}
		b := BackendConfig{Prefix: prefix}
		b.Command = os.Getenv(envName("PAYGATE_BACKEND", i, "COMMAND"))
		if args := os.Getenv(envName("PAYGATE_BACKEND", i, "ARGS")); args != "" {
			b.Args = strings.Split(args, ",")
		}
		b.RemoteURL = os.Getenv(envName("PAYGATE_BACKEND", i, "REMOTE_URL"))
		setDurationIfEnv(&b.RequestTimeout, envName("PAYGATE_BACKEND", i, "REQUEST_TIMEOUT"))
		backends = append(backends, b)
	}
	return backends
}

func envName(prefix string, index int, suffix string) string {
	return prefix + "_" + strconv.Itoa(index) + "_" + suffix
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}
