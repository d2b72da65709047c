// Package edge implements the front HTTP surface: the /mcp JSON-RPC
// endpoint callers speak to, and the minimal admin surface for key
// lifecycle management. Everything charge-related is delegated to the
// router and the gate; this package only parses, authenticates, and
// dispatches.
package edge

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/paygate/mcpgate/internal/config"
	"github.com/paygate/mcpgate/internal/gate"
	"github.com/paygate/mcpgate/internal/keystore"
	"github.com/paygate/mcpgate/internal/ledger"
	"github.com/paygate/mcpgate/internal/logger"
	"github.com/paygate/mcpgate/internal/metrics"
	"github.com/paygate/mcpgate/internal/ratelimit"
	"github.com/paygate/mcpgate/internal/router"
	"github.com/paygate/mcpgate/internal/scopedtoken"
)

// Deps are the collaborators the edge dispatches into. All fields except
// Config, Router, Gate, and KeyStore are optional.
type Deps struct {
	Config       *config.Config
	Router       *router.Router
	Gate         *gate.Gate
	KeyStore     *keystore.KeyStore
	Ledger       *ledger.Ledger
	ScopedTokens *scopedtoken.Issuer
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Server owns the HTTP listener and its chi router.
type Server struct {
	deps       Deps
	httpServer *http.Server
}

// New builds a Server with a fully configured router.
func New(deps Deps) *Server {
	r := chi.NewRouter()
	s := &Server{
		deps: deps,
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      r,
		},
	}
	ConfigureRouter(r, deps)
	return s
}

// ConfigureRouter attaches every gating-proxy route to an existing chi
// router, in the teacher's middleware ordering: CORS, security headers,
// structured logging, request id, panic recovery, then the coarse edge
// rate limiters, ahead of the lightweight and payment-processing route
// groups.
func ConfigureRouter(r chi.Router, deps Deps) {
	cfg := deps.Config

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	r.Use(securityHeaders)
	r.Use(logger.Middleware(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	edgeCfg := ratelimit.EdgeConfig{
		GlobalEnabled: cfg.RateLimit.EdgeEnabled,
		GlobalLimit:   cfg.RateLimit.EdgeLimit,
		GlobalWindow:  cfg.RateLimit.EdgeWindow.Duration,
		PerKeyEnabled: cfg.RateLimit.EdgeEnabled,
		PerKeyLimit:   cfg.RateLimit.EdgeLimit,
		PerKeyWindow:  cfg.RateLimit.EdgeWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.EdgeEnabled,
		PerIPLimit:    cfg.RateLimit.EdgeLimit,
		PerIPWindow:   cfg.RateLimit.EdgeWindow.Duration,
		Metrics:       deps.Metrics,
	}
	r.Use(ratelimit.GlobalLimiter(edgeCfg))
	r.Use(ratelimit.KeyLimiter(edgeCfg))
	r.Use(ratelimit.IPLimiter(edgeCfg))

	h := &handlers{deps: deps}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", h.health)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/mcp", h.handleMCP)
	})

	if cfg.Admin.Enabled {
		r.Group(func(r chi.Router) {
			r.Use(adminAuth(cfg.Admin.Token, cfg.Admin.Enabled))
			r.Post("/admin/keys", h.adminCreateKey)
			r.Post("/admin/keys/{id}/topup", h.adminTopup)
			r.Post("/admin/keys/{id}/revoke", h.adminRevoke)
			r.Post("/admin/keys/{id}/suspend", h.adminSuspend)
			r.Post("/admin/keys/{id}/resume", h.adminResume)
			r.Get("/admin/keys/{id}/ledger", h.adminLedger)
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
