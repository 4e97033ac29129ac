// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_dispatch_total{pool,provider,route,status}
	dispatchTotal *prometheus.CounterVec

	// gateway_dispatch_duration_seconds{pool,provider,route}
	dispatchDuration *prometheus.HistogramVec

	// gateway_fallback_total{model,pool}
	fallbackTotal *prometheus.CounterVec

	// gateway_chain_exhausted_total{model}
	chainExhausted *prometheus.CounterVec

	// gateway_tokens_total{provider,route,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_breaker_phase{provider} — 0=closed, 1=open, 2=half-open
	breakerPhase *prometheus.GaugeVec

	// gateway_pool_health_score{pool}
	poolScore *prometheus.GaugeVec

	// gateway_health_checks_total{outcome}
	healthChecks *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Dispatched requests by winning pool and provider",
			},
			[]string{"pool", "provider", "route", "status"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "Dispatch duration by winning pool and provider",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"pool", "provider", "route"},
		),

		fallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_total",
				Help: "Requests served by a fallback pool instead of the primary",
			},
			[]string{"model", "pool"},
		),

		chainExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_chain_exhausted_total",
				Help: "Requests that exhausted the whole pool fallback chain",
			},
			[]string{"model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "route", "direction"},
		),

		breakerPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_phase",
				Help: "Circuit breaker phase (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		poolScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_pool_health_score",
				Help: "Pool health score (0-100)",
			},
			[]string{"pool"},
		),

		healthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_health_checks_total",
				Help: "Background health check probes by outcome",
			},
			[]string{"outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.dispatchTotal,
		r.dispatchDuration,
		r.fallbackTotal,
		r.chainExhausted,
		r.tokensTotal,
		r.breakerPhase,
		r.poolScore,
		r.healthChecks,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveDispatch records one completed dispatch by its winning pool and
// provider.
func (r *Registry) ObserveDispatch(pool, provider, route string, statusCode int, dur time.Duration) {
	r.dispatchTotal.WithLabelValues(pool, provider, route, strconv.Itoa(statusCode)).Inc()
	r.dispatchDuration.WithLabelValues(pool, provider, route).Observe(dur.Seconds())
}

// RecordFallback records a request served by a non-primary pool.
func (r *Registry) RecordFallback(model, pool string) {
	r.fallbackTotal.WithLabelValues(model, pool).Inc()
}

// RecordChainExhausted records a request that failed every pool in the chain.
func (r *Registry) RecordChainExhausted(model string) {
	r.chainExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) AddTokens(provider, route string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "output").Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "total").Add(float64(inputTokens + outputTokens))
	}
}

// SetBreakerPhase sets the breaker phase gauge for one provider key.
func (r *Registry) SetBreakerPhase(provider string, phase int64) {
	r.breakerPhase.WithLabelValues(provider).Set(float64(phase))
}

// SetPoolScore sets the health score gauge for one pool.
func (r *Registry) SetPoolScore(pool string, score float64) {
	r.poolScore.WithLabelValues(pool).Set(score)
}

// RecordHealthCheck records one background probe outcome ("ok", "error",
// "timeout").
func (r *Registry) RecordHealthCheck(outcome string) {
	r.healthChecks.WithLabelValues(outcome).Inc()
}

// AddHealthChecks records n probe outcomes at once. Used when publishing
// deltas from a scheduler snapshot; non-positive n is a no-op.
func (r *Registry) AddHealthChecks(outcome string, n int64) {
	if n <= 0 {
		return
	}
	r.healthChecks.WithLabelValues(outcome).Add(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
