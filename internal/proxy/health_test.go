package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
)

func newTestHealthManager() *HealthManager {
	return NewHealthManager(breaker.Config{
		Enabled:           true,
		MinRequests:       2,
		ErrorThresholdPct: 50,
		ResetTimeout:      time.Minute,
	}, nil)
}

func TestHealthManager_TripsOnErrorRate(t *testing.T) {
	m := newTestHealthManager()
	key := ProviderKey("pool", "prov")

	_ = m.ExecuteWithProvider(key, func() error { return nil })
	if !m.IsProviderAvailable(key) {
		t.Fatal("provider must start available")
	}

	// 1 failure in 2 requests hits the 50% threshold at MinRequests.
	_ = m.ExecuteWithProvider(key, func() error { return errors.New("boom") })

	if m.IsProviderAvailable(key) {
		t.Error("provider must be unavailable after threshold trip")
	}
	if state := m.ProviderState(key); state != "open" {
		t.Errorf("state = %s, want open", state)
	}

	err := m.ExecuteWithProvider(key, func() error {
		t.Error("op must not run while the breaker is open")
		return nil
	})
	var open *breaker.OpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if open.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", open.RetryAfter)
	}
}

func TestHealthManager_ProbesDriveSameBreaker(t *testing.T) {
	m := newTestHealthManager()
	key := ProviderKey("pool", "prov")

	m.ObserveHealthCheck(key, errors.New("refused"), 0)
	m.ObserveHealthCheck(key, errors.New("refused"), 0)

	if m.IsProviderAvailable(key) {
		t.Error("failed probes must trip the same breaker live traffic uses")
	}
}

func TestHealthManager_ResponseTimeEMA(t *testing.T) {
	m := newTestHealthManager()
	key := ProviderKey("pool", "prov")

	m.ObserveHealthCheck(key, nil, 100*time.Millisecond)
	if got := m.ProviderMetrics(key).AverageResponseTime; got != 100*time.Millisecond {
		t.Fatalf("first sample = %v, want 100ms", got)
	}

	m.ObserveHealthCheck(key, nil, 200*time.Millisecond)
	got := m.ProviderMetrics(key).AverageResponseTime
	// EMA with alpha 0.1: 100ms*0.9 + 200ms*0.1 = 110ms.
	if got != 110*time.Millisecond {
		t.Errorf("EMA = %v, want 110ms", got)
	}
}

func TestHealthManager_ErrorRate(t *testing.T) {
	m := newTestHealthManager()
	key := ProviderKey("pool", "prov")

	_ = m.ExecuteWithProvider(key, func() error { return nil })
	_ = m.ExecuteWithProvider(key, func() error { return errors.New("boom") })

	metrics := m.ProviderMetrics(key)
	if metrics.ErrorRate != 0.5 {
		t.Errorf("error rate = %v, want 0.5", metrics.ErrorRate)
	}
	if metrics.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", metrics.ConsecutiveFailures)
	}
}

func TestHealthManager_Reset(t *testing.T) {
	m := newTestHealthManager()
	key := ProviderKey("pool", "prov")

	m.ObserveHealthCheck(key, errors.New("boom"), 0)
	m.ObserveHealthCheck(key, errors.New("boom"), 0)
	if m.IsProviderAvailable(key) {
		t.Fatal("expected tripped breaker")
	}

	m.ResetProvider(key)
	if !m.IsProviderAvailable(key) {
		t.Error("reset must close the breaker")
	}
	if state := m.ProviderState(key); state != "closed" {
		t.Errorf("state = %s, want closed", state)
	}
}

func TestHealthManager_KeysAreIndependent(t *testing.T) {
	m := newTestHealthManager()
	a := ProviderKey("pool", "a")
	b := ProviderKey("pool", "b")

	m.ObserveHealthCheck(a, errors.New("boom"), 0)
	m.ObserveHealthCheck(a, errors.New("boom"), 0)

	if m.IsProviderAvailable(a) {
		t.Error("a must be tripped")
	}
	if !m.IsProviderAvailable(b) {
		t.Error("b must be unaffected")
	}

	keys := m.Keys()
	if len(keys) != 2 {
		t.Errorf("keys = %v", keys)
	}
}
