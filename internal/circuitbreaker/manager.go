package circuitbreaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/paygate/mcpgate/internal/config"
)

// Manager manages circuit breakers for backend MCP servers. Each backend
// prefix gets its own breaker so a failing backend cannot drag down calls
// routed to healthy ones.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration shared by every backend breaker.
type Config struct {
	Enabled bool
	Breaker BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open. Default: 3
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the internal counts.
	// If 0, never clears. Default: 60s
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 30s
	Timeout time.Duration

	// ReadyToTrip is called whenever a request fails in the closed state.
	// If it returns true, the circuit breaker trips to open state.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		Breaker: BreakerConfig{
			MaxRequests:         cfg.MaxRequests,
			Interval:            cfg.Interval.Duration,
			Timeout:             cfg.Timeout.Duration,
			ConsecutiveFailures: cfg.ConsecutiveFailures,
			FailureRatio:        cfg.FailureRatio,
			MinRequests:         cfg.MinRequests,
		},
	})
}

// NewManager creates a circuit breaker manager with the given configuration.
// Backend breakers are created lazily on first use via breakerFor, since the
// set of backend prefixes is only known once the router is wired.
func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
	}
}

// breakerFor returns the circuit breaker for a backend prefix, creating it on
// first use.
func (m *Manager) breakerFor(prefix string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[prefix]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[prefix]; ok {
		return b
	}
	b = gobreaker.NewCircuitBreaker(toGobreakerSettings(prefix, m.config.Breaker))
	m.breakers[prefix] = b
	return b
}

// Execute wraps a backend call with circuit breaker protection, keyed by the
// backend's prefix. If circuit breakers are disabled, it executes directly.
func (m *Manager) Execute(prefix string, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}
	return m.breakerFor(prefix).Execute(fn)
}

// State returns the current state of a backend's circuit breaker.
// Returns "disabled" if circuit breakers are not enabled.
func (m *Manager) State(prefix string) string {
	if !m.config.Enabled {
		return "disabled"
	}
	return m.breakerFor(prefix).State().String()
}

// Counts returns the current counts for a backend's circuit breaker.
func (m *Manager) Counts(prefix string) Counts {
	if !m.config.Enabled {
		return Counts{}
	}
	c := m.breakerFor(prefix).Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("backend", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
	}
}
