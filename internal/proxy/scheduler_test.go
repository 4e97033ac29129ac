package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
)

func newTestScheduler(cfg SchedulerConfig) (*Scheduler, *HealthManager) {
	health := NewHealthManager(breaker.Config{
		Enabled:           true,
		MinRequests:       1,
		ErrorThresholdPct: 1,
		ResetTimeout:      time.Minute,
	}, nil)
	return NewScheduler(cfg, health, nil), health
}

func TestScheduler_ProbeSuccessFeedsHealth(t *testing.T) {
	s, health := newTestScheduler(SchedulerConfig{MaxConcurrentChecks: 1})
	adapter := &fakeAdapter{name: "prov"}
	key := ProviderKey("pool", "prov")
	s.Register("model", key, 1, adapter, time.Second)

	task := s.tasks[key]
	s.probe(context.Background(), task)

	m := s.Metrics()
	if m.TotalChecks != 1 || m.SuccessfulChecks != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if !health.IsProviderAvailable(key) {
		t.Error("successful probe must leave the provider available")
	}
}

func TestScheduler_ProbeFailureTripsBreaker(t *testing.T) {
	s, health := newTestScheduler(SchedulerConfig{MaxConcurrentChecks: 1, MaxRetries: 1})
	adapter := &fakeAdapter{name: "prov", err: errors.New("connection refused")}
	key := ProviderKey("pool", "prov")
	s.Register("model", key, 1, adapter, time.Second)

	s.probe(context.Background(), s.tasks[key])

	m := s.Metrics()
	if m.TotalChecks != 1 || m.FailedChecks != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if health.IsProviderAvailable(key) {
		t.Error("failed probe must trip the single-failure breaker")
	}
}

func TestScheduler_RegisterReplacesAndUnregisters(t *testing.T) {
	s, _ := newTestScheduler(SchedulerConfig{})
	key := ProviderKey("pool", "prov")

	s.Register("model", key, 1, &fakeAdapter{name: "a"}, time.Second)
	s.Register("model", key, 5, &fakeAdapter{name: "b"}, time.Second)
	if got := s.tasks[key].priority; got != 5 {
		t.Errorf("re-registering must replace the task, priority = %d", got)
	}

	s.Unregister(key)
	if _, ok := s.tasks[key]; ok {
		t.Error("unregister must remove the task")
	}
}

func TestScheduler_IntervalsByPriorityAndState(t *testing.T) {
	cfg := SchedulerConfig{
		PrimaryInterval:  30 * time.Second,
		FallbackInterval: 60 * time.Second,
		FailedInterval:   10 * time.Second,
	}
	s, health := newTestScheduler(cfg)

	primary := &probeTask{providerKey: "k1", priority: 1}
	fallback := &probeTask{providerKey: "k2", priority: 7}

	if got := s.intervalFor(primary); got != 30*time.Second {
		t.Errorf("primary interval = %v", got)
	}
	if got := s.intervalFor(fallback); got != 60*time.Second {
		t.Errorf("fallback interval = %v", got)
	}

	// With adaptive intervals, a failing provider is probed faster.
	s.cfg.EnableAdaptiveIntervals = true
	health.ObserveHealthCheck("k1", errors.New("boom"), 0)
	if got := s.intervalFor(primary); got > 30*time.Second {
		t.Errorf("failing provider interval = %v, want <= primary", got)
	}
}

func TestScheduler_PhaseRankOrdersOpenFirst(t *testing.T) {
	s, health := newTestScheduler(SchedulerConfig{})

	open := &probeTask{providerKey: "open-prov"}
	closed := &probeTask{providerKey: "closed-prov"}
	health.ObserveHealthCheck("open-prov", errors.New("boom"), 0)

	if s.phaseRank(open) >= s.phaseRank(closed) {
		t.Error("open providers must rank before closed ones")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, _ := newTestScheduler(SchedulerConfig{
		PrimaryInterval:  time.Second,
		FallbackInterval: time.Second,
		FailedInterval:   time.Second,
	})
	s.Register("model", "k", 1, &fakeAdapter{name: "a"}, time.Second)

	s.Start(context.Background())
	s.Stop()

	// Stop must be idempotent-safe after the loop exits.
	select {
	case <-s.done:
	default:
		t.Error("done channel must be closed after Stop")
	}
}
