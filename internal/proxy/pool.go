package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
)

// poolHealthTTL caches a computed PoolHealth for this long.
const poolHealthTTL = 30 * time.Second

// Selection strategies.
const (
	StrategyWeighted         = "weighted"
	StrategyCostOptimized    = "cost_optimized"
	StrategyFastestResponse  = "fastest_response"
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
)

// HealthThresholds bound what counts as a healthy pool aggregate.
type HealthThresholds struct {
	ResponseTime time.Duration
	ErrorRate    float64
}

// PoolConfig describes one provider pool.
type PoolConfig struct {
	ID                  string
	Name                string
	Providers           []*providers.Config
	FallbackPoolIDs     []string
	Strategy            string
	CircuitBreaker      breaker.Config
	MinHealthyProviders int
	Thresholds          HealthThresholds
}

// PoolHealth is the aggregate health view of one pool.
type PoolHealth struct {
	Status           string        `json:"status"`
	Score            int           `json:"score"`
	HealthyProviders int           `json:"healthyProviders"`
	TotalProviders   int           `json:"totalProviders"`
	AvgResponseTime  time.Duration `json:"avgResponseTime"`
	AvgErrorRate     float64       `json:"avgErrorRate"`
	CheckedAt        time.Time     `json:"checkedAt"`
}

// PoolMetrics counts pool-level dispatch outcomes.
type PoolMetrics struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// DispatchResult carries a successful dispatch outcome plus the routing
// metadata surfaced to clients.
type DispatchResult struct {
	Value        any
	UsedProvider string
	UsedPool     string
	UsedFallback bool
}

// Op is the unit of work dispatched to one selected provider.
type Op func(adapter providers.Adapter, cfg *providers.Config, ctx *RequestContext) (any, error)

// Dispatch errors.
var (
	ErrNoPoolsConfigured  = errors.New("no pools configured for model")
	ErrNoHealthyProviders = errors.New("no healthy providers in pool")
)

// AllPoolsFailedError is returned when the whole fallback chain is exhausted.
type AllPoolsFailedError struct {
	Model     string
	Attempted []string
	LastErr   error
}

func (e *AllPoolsFailedError) Error() string {
	return fmt.Sprintf("all pools failed for model %s (attempted: %s): %v",
		e.Model, strings.Join(e.Attempted, ", "), e.LastErr)
}

func (e *AllPoolsFailedError) Unwrap() error { return e.LastErr }

// pool is the runtime state of one configured pool.
type pool struct {
	cfg      PoolConfig
	adapters map[string]providers.Adapter
	order    []string
	breaker  *breaker.Breaker

	mu            sync.Mutex
	lastUsedIndex int
	connCounts    map[string]int64
	metrics       PoolMetrics
	health        *PoolHealth
}

// PoolManager routes requests to pools, selecting providers per strategy and
// walking fallback chains when pools fail.
type PoolManager struct {
	pools      map[string]*pool
	modelPools map[string]string
	health     *HealthManager
	log        *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPoolManager builds the runtime pool set. adapters maps pool id →
// provider name → adapter, built by the factory during startup.
func NewPoolManager(
	cfgs []PoolConfig,
	modelPools map[string]string,
	adapters map[string]map[string]providers.Adapter,
	health *HealthManager,
	log *slog.Logger,
) *PoolManager {
	if log == nil {
		log = slog.Default()
	}
	pm := &PoolManager{
		pools:      make(map[string]*pool, len(cfgs)),
		modelPools: modelPools,
		health:     health,
		log:        log,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, cfg := range cfgs {
		p := &pool{
			cfg:           cfg,
			adapters:      adapters[cfg.ID],
			breaker:       breaker.New(cfg.CircuitBreaker),
			lastUsedIndex: -1,
			connCounts:    make(map[string]int64),
		}
		for _, pc := range cfg.Providers {
			p.order = append(p.order, pc.Name)
		}
		pm.pools[cfg.ID] = p
	}
	return pm
}

// PoolIDs returns all configured pool ids.
func (pm *PoolManager) PoolIDs() []string {
	out := make([]string, 0, len(pm.pools))
	for id := range pm.pools {
		out = append(out, id)
	}
	return out
}

// PrimaryPool returns the primary pool id for a model.
func (pm *PoolManager) PrimaryPool(model string) (string, bool) {
	id, ok := pm.modelPools[model]
	return id, ok
}

// chainFor returns the primary pool followed by a depth-first walk of
// fallbackPoolIds. A visited set stops cycles; duplicate reachability is
// logged and skipped.
func (pm *PoolManager) chainFor(model string) []string {
	primary, ok := pm.modelPools[model]
	if !ok {
		return nil
	}

	var chain []string
	visited := make(map[string]bool)

	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			pm.log.Debug("fallback chain revisits pool, stopping descent",
				slog.String("model", model),
				slog.String("pool", id),
			)
			return
		}
		p, ok := pm.pools[id]
		if !ok {
			pm.log.Warn("fallback chain references unknown pool",
				slog.String("model", model),
				slog.String("pool", id),
			)
			return
		}
		visited[id] = true
		chain = append(chain, id)
		for _, next := range p.cfg.FallbackPoolIDs {
			walk(next)
		}
	}
	walk(primary)
	return chain
}

// ExecuteWithPoolFallback tries each pool in the model's fallback chain
// until one succeeds. Each pool is attempted at most once per request.
func (pm *PoolManager) ExecuteWithPoolFallback(model string, rctx *RequestContext, op Op) (*DispatchResult, error) {
	chain := pm.chainFor(model)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPoolsConfigured, model)
	}

	var lastErr error
	attempted := make([]string, 0, len(chain))

	for i, poolID := range chain {
		if err := rctx.Err(); err != nil {
			return nil, err
		}
		attempted = append(attempted, poolID)

		value, provider, err := pm.executeWithPool(poolID, rctx, op)
		if err == nil {
			return &DispatchResult{
				Value:        value,
				UsedProvider: provider,
				UsedPool:     poolID,
				UsedFallback: i > 0,
			}, nil
		}

		lastErr = err
		pm.invalidateHealth(poolID)
		pm.log.Warn("pool failed, trying next in chain",
			slog.String("model", model),
			slog.String("pool", poolID),
			slog.String("error", err.Error()),
		)
	}

	return nil, &AllPoolsFailedError{Model: model, Attempted: attempted, LastErr: lastErr}
}

// executeWithPool dispatches one attempt inside a pool: health gate, pool
// breaker, provider selection, op.
func (pm *PoolManager) executeWithPool(poolID string, rctx *RequestContext, op Op) (any, string, error) {
	p, ok := pm.pools[poolID]
	if !ok {
		return nil, "", fmt.Errorf("unknown pool %s", poolID)
	}

	if health := pm.PoolHealth(poolID); health != nil && health.Status == "unhealthy" {
		return nil, "", fmt.Errorf("pool %s is unhealthy (%d/%d providers)",
			poolID, health.HealthyProviders, health.TotalProviders)
	}

	var value any
	var usedProvider string

	_, err := p.breaker.Execute(func() error {
		cfg, adapter, err := pm.selectProvider(p)
		if err != nil {
			return err
		}
		usedProvider = cfg.Name

		if p.cfg.Strategy == StrategyLeastConnections {
			p.mu.Lock()
			p.connCounts[cfg.Name]++
			p.mu.Unlock()
			defer func() {
				p.mu.Lock()
				p.connCounts[cfg.Name]--
				p.mu.Unlock()
			}()
		}

		key := ProviderKey(poolID, cfg.Name)
		return pm.health.ExecuteWithProvider(key, func() error {
			var opErr error
			value, opErr = op(adapter, cfg, rctx)
			return opErr
		})
	})

	p.mu.Lock()
	p.metrics.Requests++
	if err == nil {
		p.metrics.Successes++
	} else {
		p.metrics.Failures++
	}
	p.mu.Unlock()

	if err != nil {
		return nil, "", err
	}
	return value, usedProvider, nil
}

// healthyProviders returns the pool's providers whose breaker admits
// traffic, in config order.
func (pm *PoolManager) healthyProviders(p *pool) []*providers.Config {
	var out []*providers.Config
	for _, cfg := range p.cfg.Providers {
		if pm.health.IsProviderAvailable(ProviderKey(p.cfg.ID, cfg.Name)) {
			out = append(out, cfg)
		}
	}
	return out
}

// selectProvider picks a healthy provider per the pool's strategy.
func (pm *PoolManager) selectProvider(p *pool) (*providers.Config, providers.Adapter, error) {
	healthy := pm.healthyProviders(p)
	if len(healthy) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoHealthyProviders, p.cfg.ID)
	}

	var chosen *providers.Config
	switch p.cfg.Strategy {
	case StrategyCostOptimized:
		chosen = pm.selectCostOptimized(healthy)
	case StrategyFastestResponse:
		chosen = pm.selectFastestResponse(p, healthy)
	case StrategyRoundRobin:
		chosen = pm.selectRoundRobin(p, healthy)
	case StrategyLeastConnections:
		chosen = pm.selectLeastConnections(p, healthy)
	default:
		chosen = pm.selectWeighted(healthy)
	}

	adapter, ok := p.adapters[chosen.Name]
	if !ok {
		return nil, nil, fmt.Errorf("pool %s: no adapter for provider %s", p.cfg.ID, chosen.Name)
	}
	return chosen, adapter, nil
}

// selectWeighted picks by cumulative-weight random draw; weight defaults
// to 1 and ties fall to config order.
func (pm *PoolManager) selectWeighted(healthy []*providers.Config) *providers.Config {
	total := 0
	for _, cfg := range healthy {
		total += weightOf(cfg)
	}

	pm.mu.Lock()
	draw := pm.rnd.Intn(total)
	pm.mu.Unlock()

	cum := 0
	for _, cfg := range healthy {
		cum += weightOf(cfg)
		if draw < cum {
			return cfg
		}
	}
	return healthy[len(healthy)-1]
}

// selectCostOptimized picks the minimum costPerToken. A missing cost
// compares as zero, so unpriced providers win.
func (pm *PoolManager) selectCostOptimized(healthy []*providers.Config) *providers.Config {
	best := healthy[0]
	for _, cfg := range healthy[1:] {
		if cfg.CostPerToken < best.CostPerToken {
			best = cfg
		}
	}
	return best
}

// selectFastestResponse picks the lowest average response time; providers
// with no samples sort last.
func (pm *PoolManager) selectFastestResponse(p *pool, healthy []*providers.Config) *providers.Config {
	best := healthy[0]
	bestTime := pm.sampleTime(p, best)
	for _, cfg := range healthy[1:] {
		if t := pm.sampleTime(p, cfg); t < bestTime {
			best, bestTime = cfg, t
		}
	}
	return best
}

func (pm *PoolManager) sampleTime(p *pool, cfg *providers.Config) time.Duration {
	m := pm.health.ProviderMetrics(ProviderKey(p.cfg.ID, cfg.Name))
	if m.AverageResponseTime == 0 {
		return time.Duration(1<<63 - 1)
	}
	return m.AverageResponseTime
}

func (pm *PoolManager) selectRoundRobin(p *pool, healthy []*providers.Config) *providers.Config {
	p.mu.Lock()
	p.lastUsedIndex = (p.lastUsedIndex + 1) % len(healthy)
	idx := p.lastUsedIndex
	p.mu.Unlock()
	return healthy[idx]
}

func (pm *PoolManager) selectLeastConnections(p *pool, healthy []*providers.Config) *providers.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := healthy[0]
	for _, cfg := range healthy[1:] {
		if p.connCounts[cfg.Name] < p.connCounts[best.Name] {
			best = cfg
		}
	}
	return best
}

func weightOf(cfg *providers.Config) int {
	if cfg.Weight < 1 {
		return 1
	}
	return cfg.Weight
}

// PoolHealth returns the pool's aggregate health, recomputing on cache miss.
func (pm *PoolManager) PoolHealth(poolID string) *PoolHealth {
	p, ok := pm.pools[poolID]
	if !ok {
		return nil
	}

	p.mu.Lock()
	if p.health != nil && time.Since(p.health.CheckedAt) < poolHealthTTL {
		h := *p.health
		p.mu.Unlock()
		return &h
	}
	p.mu.Unlock()

	h := pm.computePoolHealth(p)

	p.mu.Lock()
	p.health = h
	p.mu.Unlock()

	out := *h
	return &out
}

// invalidateHealth drops the cached PoolHealth after a pool-level failure.
func (pm *PoolManager) invalidateHealth(poolID string) {
	if p, ok := pm.pools[poolID]; ok {
		p.mu.Lock()
		p.health = nil
		p.mu.Unlock()
	}
}

// computePoolHealth aggregates provider health into a score. The score
// starts at 100 and is penalized for slow responses (-30), high error rates
// (-40), and too few healthy providers (-50), floored at 0.
func (pm *PoolManager) computePoolHealth(p *pool) *PoolHealth {
	minHealthy := p.cfg.MinHealthyProviders
	if minHealthy <= 0 {
		minHealthy = 1
	}

	var healthyCount int
	var sumResp time.Duration
	var sumErrRate float64

	for _, cfg := range p.cfg.Providers {
		key := ProviderKey(p.cfg.ID, cfg.Name)
		if !pm.health.IsProviderAvailable(key) {
			continue
		}
		healthyCount++
		m := pm.health.ProviderMetrics(key)
		sumResp += m.AverageResponseTime
		sumErrRate += m.ErrorRate
	}

	h := &PoolHealth{
		HealthyProviders: healthyCount,
		TotalProviders:   len(p.cfg.Providers),
		CheckedAt:        time.Now(),
	}
	if healthyCount > 0 {
		h.AvgResponseTime = sumResp / time.Duration(healthyCount)
		h.AvgErrorRate = sumErrRate / float64(healthyCount)
	}

	score := 100
	if p.cfg.Thresholds.ResponseTime > 0 && h.AvgResponseTime > p.cfg.Thresholds.ResponseTime {
		score -= 30
	}
	if p.cfg.Thresholds.ErrorRate > 0 && h.AvgErrorRate > p.cfg.Thresholds.ErrorRate {
		score -= 40
	}
	if healthyCount < minHealthy {
		score -= 50
	}
	if score < 0 {
		score = 0
	}
	h.Score = score

	switch {
	case healthyCount < minHealthy:
		h.Status = "unhealthy"
	case score < 70:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

// Metrics returns a copy of the pool's dispatch counters.
func (pm *PoolManager) Metrics(poolID string) *PoolMetrics {
	p, ok := pm.pools[poolID]
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	return &m
}

// ProvidersOf returns the provider configs of a pool, in config order.
func (pm *PoolManager) ProvidersOf(poolID string) []*providers.Config {
	if p, ok := pm.pools[poolID]; ok {
		return p.cfg.Providers
	}
	return nil
}

// PoolOwning returns the id of the first pool in the model's chain that
// contains the named provider.
func (pm *PoolManager) PoolOwning(model, provider string) (string, bool) {
	for _, poolID := range pm.chainFor(model) {
		for _, cfg := range pm.pools[poolID].cfg.Providers {
			if cfg.Name == provider {
				return poolID, true
			}
		}
	}
	return "", false
}
