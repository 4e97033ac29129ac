package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Switchdotnew/switch-router-sub001/internal/config"
	"github.com/Switchdotnew/switch-router-sub001/internal/logger"
	"github.com/Switchdotnew/switch-router-sub001/internal/metrics"
	"github.com/Switchdotnew/switch-router-sub001/internal/proxy"
)

// initInfra establishes optional external connections. Redis powers
// per-provider rate limiting and hot reload; without it both degrade off.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		a.log.Info("redis not configured; rate limiting and hot reload disabled")
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initRouter builds the credential registry and the provider pool router,
// then starts the background health prober.
func (a *App) initRouter(_ context.Context) error {
	router, creds, err := a.buildRouter(a.cfg)
	if err != nil {
		return err
	}
	router.Start(a.baseCtx)

	a.mu.Lock()
	a.router, a.creds = router, creds
	a.mu.Unlock()

	a.log.Info("router ready",
		slog.Any("models", router.SupportedModels()),
	)

	return nil
}

// initGateway wires the HTTP surface: gateway handlers, Prometheus registry,
// async request logger and the management routes.
func (a *App) initGateway(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	streamTimeout := a.cfg.Timeout.Stream()
	if streamTimeout <= 0 {
		streamTimeout = 600 * time.Second
	}

	a.gw = proxy.NewGateway(a.currentRouter(), proxy.GatewayOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		RequestLogger:  a.reqLogger,
		AdminKeys:      a.cfg.Server.AdminKeys,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		RequestTimeout: a.cfg.Timeout.Request(),
		StreamTimeout:  streamTimeout,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	// The write timeout must outlive the longest stream.
	a.srv = &fasthttp.Server{
		ReadTimeout:  60 * time.Second,
		WriteTimeout: streamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return nil
}

// initReload subscribes to the shared config-update channel. Requires Redis.
func (a *App) initReload(_ context.Context) error {
	if !a.cfg.Redis.ReloadEnabled {
		return nil
	}
	if a.rdb == nil {
		return fmt.Errorf("hot reload requires REDIS_URL")
	}

	a.reload = config.NewRedisSource(a.rdb, a.cfg.Redis.InstanceID, config.Load, a.log)
	a.log.Info("hot reload enabled", slog.String("instance", a.cfg.Redis.InstanceID))

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
