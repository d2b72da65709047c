// Package paygate wires every internal collaborator into a single
// embeddable App: keystore, ledger, quota, rate limiter, pricing, gate,
// backend proxies, router, circuit breakers, optional mirror and scoped
// tokens, and the edge HTTP surface. It is the composition root a binary
// (or a host application embedding this module directly) builds once at
// startup.
package paygate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paygate/mcpgate/internal/backend"
	"github.com/paygate/mcpgate/internal/circuitbreaker"
	"github.com/paygate/mcpgate/internal/config"
	"github.com/paygate/mcpgate/internal/edge"
	"github.com/paygate/mcpgate/internal/gate"
	"github.com/paygate/mcpgate/internal/keystore"
	"github.com/paygate/mcpgate/internal/ledger"
	"github.com/paygate/mcpgate/internal/lifecycle"
	"github.com/paygate/mcpgate/internal/logger"
	"github.com/paygate/mcpgate/internal/metrics"
	"github.com/paygate/mcpgate/internal/mirror"
	"github.com/paygate/mcpgate/internal/pricing"
	"github.com/paygate/mcpgate/internal/quota"
	"github.com/paygate/mcpgate/internal/ratelimit"
	"github.com/paygate/mcpgate/internal/router"
	"github.com/paygate/mcpgate/internal/scopedtoken"
	"github.com/paygate/mcpgate/internal/snapshot"
)

// App is the fully wired gating proxy, ready to serve HTTP traffic.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	KeyStore     *keystore.KeyStore
	Ledger       *ledger.Ledger
	Gate         *gate.Gate
	Router       *router.Router
	ScopedTokens *scopedtoken.Issuer

	Server *edge.Server

	snapshotWriter *snapshot.Writer
	lifecycle      *lifecycle.Manager
}

// New builds an App from cfg. It starts every configured backend and, if
// a snapshot path is set, restores the KeyStore from disk before serving
// any traffic.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Environment: cfg.Logging.Environment,
	})

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	led := ledger.New(cfg.Ledger.MaxEntriesPerKey)

	app := &App{
		Config:    cfg,
		Logger:    log,
		Registry:  registry,
		Metrics:   m,
		Ledger:    led,
		lifecycle: lifecycle.NewManager(),
	}

	var keyMirror keystore.KeyMirror
	if cfg.Mirror.Enabled {
		rm, err := mirror.NewRedisMirror(ctx, cfg.Mirror.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("paygate: connecting key mirror: %w", err)
		}
		keyMirror = rm
		app.lifecycle.RegisterFunc("mirror", rm.Close)
	}

	var snapWriter *snapshot.Writer
	store := keystore.New(keystore.Options{
		MaxKeys: cfg.KeyStore.MaxKeys,
		Ledger:  led,
		Metrics: m,
		Mirror:  keyMirror,
		OnMutate: func() {
			if snapWriter != nil {
				snapWriter.MarkDirty()
			}
		},
	})
	app.KeyStore = store

	if cfg.KeyStore.SnapshotPath != "" {
		if err := snapshot.Load(cfg.KeyStore.SnapshotPath, store); err != nil {
			log.Warn().Err(err).Str("path", cfg.KeyStore.SnapshotPath).Msg("paygate.snapshot_restore_failed")
		}
		snapWriter = snapshot.NewWriter(cfg.KeyStore.SnapshotPath, store, cfg.KeyStore.SnapshotEvery.Duration)
		snapWriter.SetMetrics(m)
		snapWriter.Start()
		app.snapshotWriter = snapWriter
		app.lifecycle.RegisterFunc("snapshot", snapWriter.Stop)
	}

	quotaTracker := quota.New()
	limiter := ratelimit.New(ratelimit.Ceilings{
		Window:  time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		Global:  cfg.RateLimit.GlobalCeiling,
		PerKey:  cfg.RateLimit.PerKeyCeiling,
		PerTool: cfg.RateLimit.PerToolCeiling,
	})
	resolver := pricing.NewResolver(buildPricingTable(cfg.Pricing))

	g := gate.New(store, quotaTracker, limiter, resolver, gate.Config{
		FreeMethods:     freeMethodSet(cfg.Gate.FreeMethods),
		ShadowMode:      cfg.Gate.ShadowMode,
		RefundOnFailure: cfg.Gate.RefundOnFailure,
		QuotaDefaults: quota.Defaults{
			DailyCalls:     cfg.Quota.DailyCalls,
			DailyCredits:   cfg.Quota.DailyCredits,
			MonthlyCalls:   cfg.Quota.MonthlyCalls,
			MonthlyCredits: cfg.Quota.MonthlyCredits,
		},
	})
	g.SetMetrics(m)
	app.Gate = g

	backends, err := buildBackends(ctx, cfg.Backends, app.lifecycle)
	if err != nil {
		return nil, err
	}

	var breakers *circuitbreaker.Manager
	if cfg.CircuitBreaker.Enabled {
		breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
	}

	rtr, err := router.New(backends, g, breakers, router.Config{
		Separator:       cfg.Router.Separator,
		RefundOnFailure: cfg.Gate.RefundOnFailure,
	})
	if err != nil {
		return nil, fmt.Errorf("paygate: building router: %w", err)
	}
	rtr.SetMetrics(m)
	app.Router = rtr

	var tokens *scopedtoken.Issuer
	if cfg.ScopedToken.Enabled {
		tokens = scopedtoken.NewIssuer(cfg.ScopedToken.Secret)
	}
	app.ScopedTokens = tokens

	app.Server = edge.New(edge.Deps{
		Config:       cfg,
		Router:       rtr,
		Gate:         g,
		KeyStore:     store,
		Ledger:       led,
		ScopedTokens: tokens,
		Metrics:      m,
		Logger:       log,
	})

	return app, nil
}

// buildBackends constructs and starts one backend.Proxy per configured
// entry, registering each with lifecycle for shutdown.
func buildBackends(ctx context.Context, backends []config.BackendConfig, lc *lifecycle.Manager) ([]router.Backend, error) {
	out := make([]router.Backend, 0, len(backends))
	for _, b := range backends {
		var proxy backend.Proxy
		if b.Command != "" {
			proxy = backend.NewStdioProxy(b.Command, b.Args)
		} else {
			proxy = backend.NewHttpProxy(b.RemoteURL)
		}
		if err := proxy.Start(ctx); err != nil {
			return nil, fmt.Errorf("paygate: starting backend %q: %w", b.Prefix, err)
		}
		prefix := b.Prefix
		p := proxy
		lc.RegisterFunc("backend:"+prefix, func() error {
			return p.Stop(context.Background())
		})
		out = append(out, router.Backend{Prefix: b.Prefix, Proxy: proxy})
	}
	return out, nil
}

func buildPricingTable(cfg config.PricingConfig) map[string]pricing.Rule {
	rules := make(map[string]pricing.Rule, len(cfg.Rules))
	for name, r := range cfg.Rules {
		rules[name] = pricing.Rule{
			BasePrice: r.BasePrice,
			PerUnit:   r.PerUnit,
			UnitField: r.UnitField,
			MinPrice:  r.MinPrice,
			MaxPrice:  r.MaxPrice,
		}
	}
	return rules
}

func freeMethodSet(methods []string) map[string]struct{} {
	out := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		out[m] = struct{}{}
	}
	return out
}

// ListenAndServe starts the HTTP server and blocks until it stops or ctx
// is cancelled, draining in-flight requests for up to the configured
// drain timeout on shutdown.
func (a *App) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.DrainTimeout.Duration)
		defer cancel()
		if err := a.Server.Shutdown(drainCtx); err != nil {
			a.Logger.Error().Err(err).Msg("paygate.server_shutdown_failed")
		}
		return a.Close()
	}
}

// Close tears down every registered resource: backends, snapshot writer,
// and mirror client, in reverse registration order.
func (a *App) Close() error {
	return a.lifecycle.Close()
}
