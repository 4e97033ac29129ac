package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/factory"
)

// ModelConfig maps one public model name to its primary pool and optional
// default generation parameters.
type ModelConfig struct {
	PrimaryPoolID     string
	DefaultParameters map[string]any
}

// RouterConfig assembles everything the Router needs at startup.
type RouterConfig struct {
	Pools     []PoolConfig
	Models    map[string]ModelConfig
	Breaker   breaker.Config
	Scheduler SchedulerConfig
}

// RateLimiter gates outbound calls to one named provider. Implementations
// must fail open: an unavailable backend never blocks traffic.
type RateLimiter interface {
	Allow(ctx context.Context, provider string, limit int) (bool, error)
}

// Router is the dispatch engine: it owns the health manager, scheduler and
// pool manager, and exposes model-level operations to the HTTP layer.
type Router struct {
	pm        *PoolManager
	health    *HealthManager
	scheduler *Scheduler
	models    map[string]ModelConfig
	limiter   RateLimiter
	log       *slog.Logger
}

// NewRouter validates the configuration, builds all provider adapters, and
// wires the dispatch engine. Validation collects one error per offender so
// operators see every problem at once.
func NewRouter(cfg RouterConfig, creds *credentials.Registry, fac *factory.Factory, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}

	var errs []error
	poolIDs := make(map[string]bool, len(cfg.Pools))
	for _, p := range cfg.Pools {
		poolIDs[p.ID] = true
	}
	for model, mc := range cfg.Models {
		if !poolIDs[mc.PrimaryPoolID] {
			errs = append(errs, fmt.Errorf("model %s: unknown pool %q", model, mc.PrimaryPoolID))
		}
	}
	for _, p := range cfg.Pools {
		for _, fb := range p.FallbackPoolIDs {
			if !poolIDs[fb] {
				errs = append(errs, fmt.Errorf("pool %s: unknown fallback pool %q", p.ID, fb))
			}
		}
		for _, pc := range p.Providers {
			if err := pc.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("pool %s: %w", p.ID, err))
				continue
			}
			// Inline-key providers carry no store reference to resolve.
			if pc.CredentialsRef == "" {
				continue
			}
			if _, err := creds.Lookup(pc.CredentialsRef); err != nil {
				errs = append(errs, fmt.Errorf("pool %s provider %s: %w", p.ID, pc.Name, err))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	health := NewHealthManager(cfg.Breaker, log)
	scheduler := NewScheduler(cfg.Scheduler, health, log)

	adapters := make(map[string]map[string]providers.Adapter, len(cfg.Pools))
	for _, p := range cfg.Pools {
		adapters[p.ID] = make(map[string]providers.Adapter, len(p.Providers))
		for _, pc := range p.Providers {
			adapter, err := fac.Build(pc)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			adapters[p.ID][pc.Name] = adapter

			key := ProviderKey(p.ID, pc.Name)
			scheduler.Register(pc.ModelName, key, pc.Priority, adapter, pc.Timeout())
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	modelPools := make(map[string]string, len(cfg.Models))
	for model, mc := range cfg.Models {
		modelPools[model] = mc.PrimaryPoolID
	}

	return &Router{
		pm:        NewPoolManager(cfg.Pools, modelPools, adapters, health, log),
		health:    health,
		scheduler: scheduler,
		models:    cfg.Models,
		log:       log,
	}, nil
}

// SetRateLimiter injects the per-provider RPM limiter. Optional.
func (r *Router) SetRateLimiter(rl RateLimiter) { r.limiter = rl }

// allowProvider consults the rate limiter for providers with a configured
// RPM cap. A blocked call surfaces as a retryable 429 so the breaker
// classifies it as rate limiting, not provider failure.
func (r *Router) allowProvider(ctx context.Context, cfg *providers.Config) error {
	if r.limiter == nil || cfg.RateLimits == nil || cfg.RateLimits.RequestsPerMinute <= 0 {
		return nil
	}
	ok, err := r.limiter.Allow(ctx, cfg.Name, cfg.RateLimits.RequestsPerMinute)
	if err != nil || ok {
		return nil
	}
	return providers.NewError(cfg.Name, 429, "provider requests-per-minute limit exceeded")
}

// Start launches background health probing.
func (r *Router) Start(ctx context.Context) { r.scheduler.Start(ctx) }

// Stop halts background health probing.
func (r *Router) Stop() { r.scheduler.Stop() }

// IsModelSupported reports whether a public model name is routable.
func (r *Router) IsModelSupported(model string) bool {
	_, ok := r.models[model]
	return ok
}

// SupportedModels returns all routable model names, sorted.
func (r *Router) SupportedModels() []string {
	out := make([]string, 0, len(r.models))
	for m := range r.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ModelToPoolMapping returns the model → primary pool mapping.
func (r *Router) ModelToPoolMapping() map[string]string {
	out := make(map[string]string, len(r.models))
	for m, mc := range r.models {
		out[m] = mc.PrimaryPoolID
	}
	return out
}

// withModelDefaults layers the model's configured default parameters under
// the caller's params.
func (r *Router) withModelDefaults(model string, params map[string]any) map[string]any {
	mc := r.models[model]
	if len(mc.DefaultParameters) == 0 {
		return params
	}
	out := make(map[string]any, len(mc.DefaultParameters)+len(params))
	for k, v := range mc.DefaultParameters {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

// ChatCompletion dispatches a non-streaming chat completion through the
// model's fallback chain.
func (r *Router) ChatCompletion(rctx *RequestContext, req *providers.ChatRequest) (*providers.ChatResponse, *DispatchResult, error) {
	req.Params = r.withModelDefaults(req.Model, req.Params)

	res, err := r.pm.ExecuteWithPoolFallback(req.Model, rctx, func(adapter providers.Adapter, cfg *providers.Config, rctx *RequestContext) (any, error) {
		ctx, cancel := rctx.ProviderContext(cfg.Timeout())
		defer cancel()
		if err := r.allowProvider(ctx, cfg); err != nil {
			return nil, err
		}
		return adapter.ChatCompletion(ctx, req)
	})
	if err != nil {
		return nil, nil, err
	}
	resp, ok := res.Value.(*providers.ChatResponse)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected dispatch value %T", res.Value)
	}
	return resp, res, nil
}

// StreamChatCompletion dispatches a streaming chat completion. The caller
// owns the returned reader.
func (r *Router) StreamChatCompletion(rctx *RequestContext, req *providers.ChatRequest) (io.ReadCloser, *DispatchResult, error) {
	req.Params = r.withModelDefaults(req.Model, req.Params)

	res, err := r.pm.ExecuteWithPoolFallback(req.Model, rctx, func(adapter providers.Adapter, cfg *providers.Config, rctx *RequestContext) (any, error) {
		if err := r.allowProvider(rctx.Context(), cfg); err != nil {
			return nil, err
		}
		// The stream must outlive the provider attempt, so it runs on the
		// request context directly; cancellation still propagates.
		return adapter.StreamChatCompletion(rctx.Context(), req)
	})
	if err != nil {
		return nil, nil, err
	}
	stream, ok := res.Value.(io.ReadCloser)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected dispatch value %T", res.Value)
	}
	return stream, res, nil
}

// SupportsLegacyCompletions reports whether every provider in the model's
// primary pool can serve legacy text completions.
func (r *Router) SupportsLegacyCompletions(model string) bool {
	poolID, ok := r.pm.PrimaryPool(model)
	if !ok {
		return false
	}
	for _, pc := range r.pm.ProvidersOf(poolID) {
		if !factory.SupportsLegacyCompletions(pc.Kind) {
			return false
		}
	}
	return true
}

// PoolHealthView is the health payload for one pool.
type PoolHealthView struct {
	Health    *PoolHealth             `json:"health"`
	Metrics   *PoolMetrics            `json:"metrics"`
	Providers map[string]ProviderView `json:"providers"`
}

// ProviderView is the health payload for one provider inside a pool.
type ProviderView struct {
	State               string        `json:"state"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	ErrorRate           float64       `json:"errorRate"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// HealthStatus returns the pool-keyed health map served by GET /health and
// the admin status endpoint.
func (r *Router) HealthStatus() map[string]PoolHealthView {
	out := make(map[string]PoolHealthView, len(r.pm.pools))
	for _, poolID := range r.pm.PoolIDs() {
		view := PoolHealthView{
			Health:    r.pm.PoolHealth(poolID),
			Metrics:   r.pm.Metrics(poolID),
			Providers: make(map[string]ProviderView),
		}
		for _, pc := range r.pm.ProvidersOf(poolID) {
			key := ProviderKey(poolID, pc.Name)
			m := r.health.ProviderMetrics(key)
			view.Providers[pc.Name] = ProviderView{
				State:               r.health.ProviderState(key),
				AverageResponseTime: m.AverageResponseTime,
				ErrorRate:           m.ErrorRate,
				ConsecutiveFailures: m.ConsecutiveFailures,
			}
		}
		out[poolID] = view
	}
	return out
}

// Healthy reports whether at least one pool can serve traffic.
func (r *Router) Healthy() bool {
	for _, poolID := range r.pm.PoolIDs() {
		if h := r.pm.PoolHealth(poolID); h != nil && h.Status != "unhealthy" {
			return true
		}
	}
	return false
}

// SchedulerMetrics exposes health prober activity.
func (r *Router) SchedulerMetrics() SchedulerMetrics { return r.scheduler.Metrics() }

// ResetProvider force-closes the breaker of the named provider within the
// model's fallback chain.
func (r *Router) ResetProvider(model, provider string) error {
	poolID, ok := r.pm.PoolOwning(model, provider)
	if !ok {
		return fmt.Errorf("provider %s not found for model %s", provider, model)
	}
	r.health.ResetProvider(ProviderKey(poolID, provider))
	return nil
}
