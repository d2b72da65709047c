package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/paygate/mcpgate/internal/metrics"
)

// EdgeConfig holds the coarse HTTP-layer throttle applied in front of the
// gate's own per-key/per-tool sliding window. It exists to absorb abusive
// traffic before it reaches JSON-RPC parsing at all.
type EdgeConfig struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	PerKeyEnabled bool
	PerKeyLimit   int
	PerKeyWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// DefaultEdgeConfig returns generous limits meant to stop obvious abuse
// without constraining legitimate callers.
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		GlobalEnabled: true,
		GlobalLimit:   2000,
		GlobalWindow:  time.Minute,

		PerKeyEnabled: true,
		PerKeyLimit:   120,
		PerKeyWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   240,
		PerIPWindow:  time.Minute,
	}
}

type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func limitHandler(scope string, windowSeconds int, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.ObserveRateLimitHit(scope)
		}
		resp := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           fmt.Sprintf("%s rate limit exceeded, try again later", scope),
			RetryAfterSeconds: windowSeconds,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// GlobalLimiter throttles total request volume regardless of caller.
func GlobalLimiter(cfg EdgeConfig) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(limitHandler("global", int(cfg.GlobalWindow.Seconds()), cfg.Metrics)),
	)
}

// KeyLimiter throttles requests per API key (falling back to per-IP when no
// key is present on the request).
func KeyLimiter(cfg EdgeConfig) func(http.Handler) http.Handler {
	if !cfg.PerKeyEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.PerKeyLimit,
		cfg.PerKeyWindow,
		httprate.WithKeyFuncs(apiKeyExtractor),
		httprate.WithLimitHandler(limitHandler("per_key", int(cfg.PerKeyWindow.Seconds()), cfg.Metrics)),
	)
}

// IPLimiter throttles requests per client IP.
func IPLimiter(cfg EdgeConfig) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), cfg.Metrics)),
	)
}

func apiKeyExtractor(r *http.Request) (string, error) {
	if key := extractAPIKey(r); key != "" {
		return "key:" + key, nil
	}
	return httprate.KeyByIP(r)
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return ""
}
