package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Router.Separator == "" {
		c.Router.Separator = ":"
	}
	if c.Ledger.MaxEntriesPerKey <= 0 {
		c.Ledger.MaxEntriesPerKey = 100
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.PerToolCeiling == nil {
		c.RateLimit.PerToolCeiling = map[string]int{}
	}
	if len(c.Gate.FreeMethods) == 0 {
		c.Gate.FreeMethods = []string{"initialize", "ping"}
	}
	if c.Pricing.Rules == nil {
		c.Pricing.Rules = map[string]PricingRule{}
	}
	if c.CircuitBreaker.Interval.Duration <= 0 {
		c.CircuitBreaker.Interval = Duration{Duration: 60 * time.Second}
	}
	if c.CircuitBreaker.Timeout.Duration <= 0 {
		c.CircuitBreaker.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.CircuitBreaker.MinRequests == 0 {
		c.CircuitBreaker.MinRequests = 10
	}
	if c.CircuitBreaker.FailureRatio == 0 {
		c.CircuitBreaker.FailureRatio = 0.5
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		if b.RequestTimeout.Duration <= 0 {
			b.RequestTimeout = Duration{Duration: 30 * time.Second}
		}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Server.Address == "" {
		errs = append(errs, "server.address must be set")
	}

	seenPrefixes := make(map[string]bool)
	for _, b := range c.Backends {
		if b.Prefix == "" {
			errs = append(errs, "every backend must declare a non-empty prefix")
			continue
		}
		if strings.Contains(b.Prefix, c.Router.Separator) {
			errs = append(errs, fmt.Sprintf("backend prefix %q must not contain the router separator %q", b.Prefix, c.Router.Separator))
		}
		if seenPrefixes[b.Prefix] {
			errs = append(errs, fmt.Sprintf("duplicate backend prefix %q", b.Prefix))
		}
		seenPrefixes[b.Prefix] = true

		hasCommand := b.Command != ""
		hasRemote := b.RemoteURL != ""
		if hasCommand == hasRemote {
			errs = append(errs, fmt.Sprintf("backend %q must set exactly one of command or remote_url", b.Prefix))
		}
	}

	if c.Mirror.Enabled && c.Mirror.RedisURL == "" {
		errs = append(errs, "mirror.redis_url is required when mirror.enabled is true")
	}

	if c.ScopedToken.Enabled && c.ScopedToken.Secret == "" {
		errs = append(errs, "scoped_token.secret is required when scoped_token.enabled is true")
	}

	if c.Admin.Enabled && c.Admin.Token == "" {
		errs = append(errs, "admin.token is required when admin.enabled is true")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
