package proxy

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
)

// SchedulerConfig tunes the health check scheduler.
type SchedulerConfig struct {
	MaxConcurrentChecks     int
	PrimaryInterval         time.Duration
	FallbackInterval        time.Duration
	FailedInterval          time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	EnablePrioritization    bool
	EnableAdaptiveIntervals bool
	DefaultTimeout          time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.MaxConcurrentChecks <= 0 {
		c.MaxConcurrentChecks = 20
	}
	if c.PrimaryInterval <= 0 {
		c.PrimaryInterval = 30 * time.Second
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = 60 * time.Second
	}
	if c.FailedInterval <= 0 {
		c.FailedInterval = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	return c
}

// minInterval is the smallest of the three configured probe intervals.
func (c SchedulerConfig) minInterval() time.Duration {
	min := c.PrimaryInterval
	if c.FallbackInterval < min {
		min = c.FallbackInterval
	}
	if c.FailedInterval < min {
		min = c.FailedInterval
	}
	return min
}

// probeTask is one registered provider probe.
type probeTask struct {
	modelName   string
	providerKey string
	priority    int
	adapter     providers.Adapter
	timeout     time.Duration

	retryCount  int
	lastAttempt time.Time
}

// SchedulerMetrics is a snapshot of scheduler activity.
type SchedulerMetrics struct {
	TotalChecks         int64
	SuccessfulChecks    int64
	FailedChecks        int64
	TimeoutChecks       int64
	AverageResponseTime time.Duration
	QueueLength         int
	ChecksPerSecond     float64
}

// Scheduler periodically probes provider health with bounded concurrency.
// Probe outcomes feed the HealthManager's circuit breakers so providers
// recover (or trip) without live traffic.
type Scheduler struct {
	cfg    SchedulerConfig
	health *HealthManager
	sem    *semaphore.Weighted
	log    *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*probeTask
	metrics SchedulerMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. Call Start to begin probing.
func NewScheduler(cfg SchedulerConfig, health *HealthManager, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:    cfg,
		health: health,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentChecks)),
		log:    log,
		tasks:  make(map[string]*probeTask),
	}
}

// Register adds a provider probe. Re-registering a key replaces the task.
func (s *Scheduler) Register(modelName, providerKey string, priority int, adapter providers.Adapter, timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Lock()
	s.tasks[providerKey] = &probeTask{
		modelName:   modelName,
		providerKey: providerKey,
		priority:    priority,
		adapter:     adapter,
		timeout:     timeout,
	}
	s.mu.Unlock()
}

// Unregister removes a provider probe.
func (s *Scheduler) Unregister(providerKey string) {
	s.mu.Lock()
	delete(s.tasks, providerKey)
	s.mu.Unlock()
}

// Start launches the scheduling loop. The tick period is a third of the
// smallest interval so due tasks are picked up promptly.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	period := s.cfg.minInterval() / 3
	if period < time.Second {
		period = time.Second
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the scheduling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// runCycle selects due tasks, orders them by urgency, and dispatches them in
// three waves so recoveries are probed first without a thundering herd.
func (s *Scheduler) runCycle(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*probeTask
	for _, t := range s.tasks {
		if now.Sub(t.lastAttempt) >= s.intervalFor(t) {
			due = append(due, t)
		}
	}
	s.metrics.QueueLength = len(due)
	if len(due) > 0 {
		s.metrics.ChecksPerSecond = float64(len(due)) / s.cfg.minInterval().Seconds() * 3
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	if s.cfg.EnablePrioritization {
		sort.Slice(due, func(i, j int) bool {
			ri, rj := s.phaseRank(due[i]), s.phaseRank(due[j])
			if ri != rj {
				return ri < rj
			}
			if due[i].priority != due[j].priority {
				return due[i].priority < due[j].priority
			}
			return due[i].lastAttempt.Before(due[j].lastAttempt)
		})
	}

	var critical, normal, background []*probeTask
	for _, t := range due {
		switch {
		case s.phaseRank(t) < 2 || t.priority <= 2:
			critical = append(critical, t)
		case t.priority <= 5:
			normal = append(normal, t)
		default:
			background = append(background, t)
		}
	}

	for _, t := range critical {
		go s.probe(ctx, t)
	}
	for i, t := range normal {
		s.dispatchAfter(ctx, t, time.Duration(i)*50*time.Millisecond)
	}
	for i, t := range background {
		s.dispatchAfter(ctx, t, 500*time.Millisecond+time.Duration(i)*100*time.Millisecond)
	}
}

func (s *Scheduler) dispatchAfter(ctx context.Context, t *probeTask, delay time.Duration) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			s.probe(ctx, t)
		}
	}()
}

// phaseRank orders breaker phases by probing urgency: open providers first
// (they need a recovery signal), then half-open, then closed.
func (s *Scheduler) phaseRank(t *probeTask) int {
	switch s.health.ProviderState(t.providerKey) {
	case "open":
		return 0
	case "half-open":
		return 1
	default:
		return 2
	}
}

// intervalFor computes the probe interval for a task. With adaptive
// intervals enabled, failing providers are probed faster (backing off with
// consecutive failures) and low-priority providers slower.
func (s *Scheduler) intervalFor(t *probeTask) time.Duration {
	if !s.cfg.EnableAdaptiveIntervals {
		if t.priority <= 3 {
			return s.cfg.PrimaryInterval
		}
		return s.cfg.FallbackInterval
	}

	state := s.health.ProviderState(t.providerKey)
	metrics := s.health.ProviderMetrics(t.providerKey)

	if state == "open" || metrics.ConsecutiveFailures > 0 {
		factor := math.Min(4, math.Pow(1.5, float64(metrics.ConsecutiveFailures-1)))
		if factor < 1 {
			factor = 1
		}
		interval := time.Duration(float64(s.cfg.FailedInterval) * factor)
		if interval > s.cfg.PrimaryInterval {
			interval = s.cfg.PrimaryInterval
		}
		return interval
	}
	if state == "half-open" {
		return time.Duration(float64(s.cfg.PrimaryInterval) * 0.75)
	}
	switch {
	case t.priority <= 3:
		return s.cfg.PrimaryInterval
	case t.priority <= 6:
		return time.Duration(float64(s.cfg.PrimaryInterval) * 1.25)
	default:
		return s.cfg.FallbackInterval
	}
}

// probe runs one health check under a concurrency permit and feeds the
// outcome to the health manager. Failures reschedule with linear backoff
// until maxRetries.
func (s *Scheduler) probe(ctx context.Context, t *probeTask) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	t.lastAttempt = time.Now()
	s.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, t.timeout)
	start := time.Now()
	err := t.adapter.HealthCheck(checkCtx)
	elapsed := time.Since(start)
	cancel()

	s.health.ObserveHealthCheck(t.providerKey, err, elapsed)

	s.mu.Lock()
	s.metrics.TotalChecks++
	if err == nil {
		s.metrics.SuccessfulChecks++
		t.retryCount = 0
		prev := s.metrics.AverageResponseTime
		if prev == 0 {
			s.metrics.AverageResponseTime = elapsed
		} else {
			s.metrics.AverageResponseTime = time.Duration(
				float64(prev)*(1-responseTimeAlpha) + float64(elapsed)*responseTimeAlpha)
		}
		s.mu.Unlock()
		return
	}

	s.metrics.FailedChecks++
	if checkCtx.Err() == context.DeadlineExceeded {
		s.metrics.TimeoutChecks++
	}
	t.retryCount++
	retry := t.retryCount < s.cfg.MaxRetries
	delay := s.cfg.RetryDelay * time.Duration(t.retryCount)
	s.mu.Unlock()

	s.log.Debug("health check failed",
		slog.String("provider", t.providerKey),
		slog.String("model", t.modelName),
		slog.Int("retryCount", t.retryCount),
		slog.String("error", err.Error()),
	)

	if retry {
		s.dispatchAfter(ctx, t, delay)
	}
}

// Metrics returns a snapshot of scheduler activity.
func (s *Scheduler) Metrics() SchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
