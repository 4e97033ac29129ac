// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   — external connections (Redis when configured)
//  2. initRouter  — credential stores, provider pools, health prober
//  3. initGateway — HTTP surface, metrics, request logger
//  4. initReload  — hot-reload subscription (optional)
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/Switchdotnew/switch-router-sub001/internal/config"
	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/logger"
	"github.com/Switchdotnew/switch-router-sub001/internal/metrics"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/factory"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
	"github.com/Switchdotnew/switch-router-sub001/internal/proxy"
	"github.com/Switchdotnew/switch-router-sub001/internal/ratelimit"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	prom      *metrics.Registry

	// mu guards router and creds, which are replaced on config reload.
	mu     sync.Mutex
	router *proxy.Router
	creds  *credentials.Registry

	gw     *proxy.Gateway
	mgmt   *proxy.ManagementRoutes
	srv    *fasthttp.Server
	reload config.Source

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"router", a.initRouter},
		{"gateway", a.initGateway},
		{"reload", a.initReload},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("pools", len(a.cfg.Pools)),
		slog.Int("models", len(a.cfg.Models)),
		slog.Bool("hot_reload", a.reload != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(a.srv, addr, a.mgmt)
	})

	if a.reload != nil {
		g.Go(func() error {
			a.reloadLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		a.healthMetricsLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.reload != nil {
			if err := a.reload.Close(); err != nil {
				a.log.Error("reload source close error", slog.String("error", err.Error()))
			}
		}
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("logger close error", slog.String("error", err.Error()))
			}
		}

		a.mu.Lock()
		router, creds := a.router, a.creds
		a.router, a.creds = nil, nil
		a.mu.Unlock()

		if router != nil {
			router.Stop()
		}
		if creds != nil {
			disposeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := creds.Dispose(disposeCtx); err != nil {
				a.log.Error("credential dispose error", slog.String("error", err.Error()))
			}
			cancel()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// ── Private helpers ──────────────────────────────────────────────────────────

// currentRouter returns the live Router snapshot.
func (a *App) currentRouter() *proxy.Router {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.router
}

// buildRouter constructs a Router (and its credential registry) from a
// config snapshot. Used both at startup and on every hot reload.
func (a *App) buildRouter(cfg *config.Config) (*proxy.Router, *credentials.Registry, error) {
	creds := credentials.NewRegistry(a.log)
	for _, sc := range cfg.CredentialStores {
		if _, err := creds.Register(sc); err != nil {
			disposeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = creds.Dispose(disposeCtx)
			cancel()
			return nil, nil, fmt.Errorf("credential store %q: %w", sc.Name, err)
		}
	}

	registry := modelregistry.New(a.log)
	fac := factory.New(creds, registry)

	router, err := proxy.NewRouter(cfg.ToRouterConfig(), creds, fac, a.log)
	if err != nil {
		disposeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = creds.Dispose(disposeCtx)
		cancel()
		return nil, nil, err
	}

	if a.rdb != nil {
		router.SetRateLimiter(ratelimit.NewProviderLimiter(a.rdb))
	}

	return router, creds, nil
}

// reloadLoop consumes validated config snapshots and swaps the Router in.
// In-flight requests finish on the old snapshot; the old prober is stopped
// and the old credential stores disposed once the swap is done.
func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.reload.Snapshots():
			if !ok {
				return
			}
			a.applySnapshot(cfg)
		}
	}
}

func (a *App) applySnapshot(cfg *config.Config) {
	router, creds, err := a.buildRouter(cfg)
	if err != nil {
		a.log.Error("config reload failed", slog.String("error", err.Error()))
		return
	}
	router.Start(a.baseCtx)

	a.mu.Lock()
	oldRouter, oldCreds := a.router, a.creds
	a.router, a.creds = router, creds
	a.mu.Unlock()

	a.gw.SwapRouter(router)

	if oldRouter != nil {
		oldRouter.Stop()
	}
	if oldCreds != nil {
		disposeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := oldCreds.Dispose(disposeCtx); err != nil {
			a.log.Error("credential dispose error", slog.String("error", err.Error()))
		}
		cancel()
	}

	a.log.Info("configuration reloaded",
		slog.Int("pools", len(cfg.Pools)),
		slog.Int("models", len(cfg.Models)),
	)
}

// healthMetricsLoop periodically publishes pool scores, breaker phases and
// probe counts to Prometheus.
func (a *App) healthMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var last *proxy.Router
	var prev proxy.SchedulerMetrics

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			router := a.currentRouter()
			if router == nil {
				continue
			}
			if router != last {
				// Fresh scheduler after a reload — counters restart at zero.
				last, prev = router, proxy.SchedulerMetrics{}
			}

			for poolID, view := range router.HealthStatus() {
				if view.Health != nil {
					a.prom.SetPoolScore(poolID, float64(view.Health.Score))
				}
				for name, pv := range view.Providers {
					a.prom.SetBreakerPhase(proxy.ProviderKey(poolID, name), breakerPhaseValue(pv.State))
				}
			}

			cur := router.SchedulerMetrics()
			a.prom.AddHealthChecks("ok", cur.SuccessfulChecks-prev.SuccessfulChecks)
			a.prom.AddHealthChecks("error", cur.FailedChecks-cur.TimeoutChecks-(prev.FailedChecks-prev.TimeoutChecks))
			a.prom.AddHealthChecks("timeout", cur.TimeoutChecks-prev.TimeoutChecks)
			prev = cur
		}
	}
}

func breakerPhaseValue(state string) int64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
