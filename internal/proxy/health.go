package proxy

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
)

// responseTimeAlpha is the EMA smoothing factor for response times.
const responseTimeAlpha = 0.1

// ProviderKey builds the health identity for a provider inside a pool.
func ProviderKey(poolID, provider string) string {
	return poolID + "-" + provider
}

// ProviderMetrics is the rolling view of one provider's behavior.
type ProviderMetrics struct {
	AverageResponseTime time.Duration
	ErrorRate           float64
	ConsecutiveFailures int
}

// HealthManager owns a circuit breaker per provider identity and tracks
// per-provider response metrics. Safe for concurrent use.
type HealthManager struct {
	cfg breaker.Config
	log *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*breaker.Breaker
	avgResp  map[string]time.Duration
}

// NewHealthManager creates a HealthManager; cfg seeds every new breaker.
func NewHealthManager(cfg breaker.Config, log *slog.Logger) *HealthManager {
	if log == nil {
		log = slog.Default()
	}
	return &HealthManager{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*breaker.Breaker),
		avgResp:  make(map[string]time.Duration),
	}
}

func (m *HealthManager) breakerFor(key string) *breaker.Breaker {
	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[key]; ok {
		return b
	}
	b = breaker.New(m.cfg)
	m.breakers[key] = b
	return b
}

// ExecuteWithProvider runs op under the provider's circuit breaker and
// records its elapsed time into the response-time EMA.
func (m *HealthManager) ExecuteWithProvider(key string, op func() error) error {
	b := m.breakerFor(key)

	start := time.Now()
	res, err := b.Execute(op)
	elapsed := time.Since(start)

	if err == nil {
		m.observeResponseTime(key, elapsed)
		return nil
	}

	var open *breaker.OpenError
	if !errors.As(err, &open) {
		m.log.Debug("provider request failed",
			slog.String("provider", key),
			slog.String("phase", res.Phase.Label()),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// ObserveHealthCheck feeds a probe outcome into the provider's breaker so
// scheduled health checks drive the same state machine as live traffic.
func (m *HealthManager) ObserveHealthCheck(key string, probeErr error, elapsed time.Duration) {
	b := m.breakerFor(key)
	_, _ = b.Execute(func() error { return probeErr })
	if probeErr == nil {
		m.observeResponseTime(key, elapsed)
	}
}

func (m *HealthManager) observeResponseTime(key string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.avgResp[key]
	if !ok {
		m.avgResp[key] = elapsed
		return
	}
	m.avgResp[key] = time.Duration(float64(prev)*(1-responseTimeAlpha) + float64(elapsed)*responseTimeAlpha)
}

// IsProviderAvailable reports whether the provider accepts traffic
// (breaker closed or probing in half-open).
func (m *HealthManager) IsProviderAvailable(key string) bool {
	return m.breakerFor(key).Available()
}

// ProviderState returns the provider's breaker phase label.
func (m *HealthManager) ProviderState(key string) string {
	return m.breakerFor(key).Phase().Label()
}

// ProviderMetrics returns the provider's rolling metrics.
func (m *HealthManager) ProviderMetrics(key string) ProviderMetrics {
	state := m.breakerFor(key).State()

	m.mu.RLock()
	avg := m.avgResp[key]
	m.mu.RUnlock()

	var errorRate float64
	if state.Requests > 0 {
		errorRate = float64(state.Failures) / float64(state.Requests)
	}
	return ProviderMetrics{
		AverageResponseTime: avg,
		ErrorRate:           errorRate,
		ConsecutiveFailures: state.ConsecutiveFailures,
	}
}

// ResetProvider force-closes the provider's breaker.
func (m *HealthManager) ResetProvider(key string) {
	m.breakerFor(key).Reset()
	m.log.Info("provider circuit breaker reset", slog.String("provider", key))
}

// Keys returns all known provider identities.
func (m *HealthManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.breakers))
	for k := range m.breakers {
		out = append(out, k)
	}
	return out
}
