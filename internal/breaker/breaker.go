// Package breaker implements a classified three-phase circuit breaker.
//
// Each breaker guards a single upstream identity (one provider instance or
// one pool). Failures are classified (see classify.go); permanent classes and
// configured error patterns trip the breaker immediately with an
// exponentially growing open timeout, while transient failures trip it only
// once the error rate over the monitoring window crosses the configured
// threshold.
package breaker

import (
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"
)

// Phase is the operational state of a breaker.
//
//	PhaseClosed   — normal operation; all requests pass through.
//	PhaseOpen     — upstream is failing; requests are rejected immediately.
//	PhaseHalfOpen — recovery probe; the next request is allowed through.
type Phase int

const (
	PhaseClosed   Phase = 0
	PhaseOpen     Phase = 1
	PhaseHalfOpen Phase = 2
)

// Label returns the wire name of the phase: "closed", "open" or "half-open".
func (p Phase) Label() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	// maxRecentErrors caps the recent-error ring.
	maxRecentErrors = 100
	// maxTransitions caps the transition audit log; when exceeded the oldest
	// half is dropped.
	maxTransitions = 100
)

// PermanentConfig controls immediate trips on permanent failures.
type PermanentConfig struct {
	// Enabled turns immediate trips on. When false, not_found/authentication
	// errors count like any other failure.
	Enabled bool

	// ErrorPatterns are regular expressions matched (case-insensitively)
	// against error messages. A match trips the breaker immediately.
	ErrorPatterns []string

	// BaseTimeout is the minimum open timeout after an immediate trip.
	// Default: 5m.
	BaseTimeout time.Duration

	// TimeoutMultiplier scales ResetTimeout to derive the immediate-trip base
	// timeout. Default: 5.
	TimeoutMultiplier float64

	// MaxBackoffMultiplier caps the exponent of the per-trip doubling.
	// Default: 5 (32× the base timeout).
	MaxBackoffMultiplier int
}

// Config holds breaker tuning parameters. Zero values fall back to defaults.
type Config struct {
	// Enabled turns the breaker on. When false Execute is transparent: the
	// operation runs and its result is surfaced with no state updates.
	Enabled bool

	// FailureThreshold is retained for operators used to count-based
	// breakers; the trip decision itself is rate-based (ErrorThresholdPct).
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open after a threshold trip
	// before allowing a half-open probe. Default: 60s.
	ResetTimeout time.Duration

	// MonitoringWindow is the rolling window for the recent-error ring.
	// Default: 60s.
	MonitoringWindow time.Duration

	// MinRequests is the minimum number of observed requests before the
	// error-rate threshold applies. Default: 5.
	MinRequests int

	// ErrorThresholdPct trips the breaker when
	// failures/requests ≥ ErrorThresholdPct/100. Default: 50.
	ErrorThresholdPct float64

	// Permanent controls immediate trips.
	Permanent PermanentConfig
}

func (c Config) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return 60 * time.Second
}

func (c Config) monitoringWindow() time.Duration {
	if c.MonitoringWindow > 0 {
		return c.MonitoringWindow
	}
	return 60 * time.Second
}

func (c Config) minRequests() int {
	if c.MinRequests > 0 {
		return c.MinRequests
	}
	return 5
}

func (c Config) errorThresholdPct() float64 {
	if c.ErrorThresholdPct > 0 {
		return c.ErrorThresholdPct
	}
	return 50
}

func (c Config) permanentBaseTimeout() time.Duration {
	if c.Permanent.BaseTimeout > 0 {
		return c.Permanent.BaseTimeout
	}
	return 5 * time.Minute
}

func (c Config) permanentMultiplier() float64 {
	if c.Permanent.TimeoutMultiplier > 0 {
		return c.Permanent.TimeoutMultiplier
	}
	return 5
}

func (c Config) maxBackoffMultiplier() int {
	if c.Permanent.MaxBackoffMultiplier > 0 {
		return c.Permanent.MaxBackoffMultiplier
	}
	return 5
}

// ErrorRecord is one entry in the recent-error ring.
type ErrorRecord struct {
	At      time.Time
	Message string
	Class   Class
}

// Transition is one entry in the state-transition audit log.
type Transition struct {
	At     time.Time
	From   Phase
	To     Phase
	Reason string
}

// Result describes the outcome of one Execute call.
type Result struct {
	Phase   Phase
	Elapsed time.Duration

	// RetryAfter is non-zero when the call was rejected because the breaker
	// is open; it is the remaining time until the next half-open probe.
	RetryAfter time.Duration
}

// OpenError is returned by Execute when the breaker rejects a call.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open (retry after %s)", e.RetryAfter.Round(time.Millisecond))
}

// Breaker is a single classified circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	patterns []*regexp.Regexp

	phase          Phase
	failures       int
	requests       int
	successes      int
	lastFailure    time.Time
	nextAttempt    time.Time
	consecFails    int
	permanentTrips int

	recent      []ErrorRecord
	transitions []Transition

	// now is a test hook; defaults to time.Now.
	now func() time.Time
}

// New creates a Breaker. Invalid error patterns are skipped; callers that
// need strict validation should compile patterns up front (config.validate
// does this for operator-supplied patterns).
func New(cfg Config) *Breaker {
	b := &Breaker{
		cfg:   cfg,
		phase: PhaseClosed,
		now:   time.Now,
	}
	for _, p := range cfg.Permanent.ErrorPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		b.patterns = append(b.patterns, re)
	}
	return b
}

// Execute runs op under the breaker.
//
// When the breaker is open and the reset timeout has not elapsed, op is not
// run and an *OpenError is returned. An open breaker whose timeout has
// elapsed transitions to half-open and lets op through as a probe: success
// closes the breaker and zeroes the counters, failure re-opens it.
func (b *Breaker) Execute(op func() error) (Result, error) {
	if !b.cfg.Enabled {
		start := time.Now()
		err := op()
		return Result{Phase: PhaseClosed, Elapsed: time.Since(start)}, err
	}

	b.mu.Lock()
	now := b.now()
	b.pruneRecentLocked(now)

	if b.phase == PhaseOpen {
		if now.Before(b.nextAttempt) {
			retryAfter := b.nextAttempt.Sub(now)
			b.mu.Unlock()
			return Result{Phase: PhaseOpen, RetryAfter: retryAfter}, &OpenError{RetryAfter: retryAfter}
		}
		b.transitionLocked(now, PhaseHalfOpen, "reset timeout elapsed")
	}
	phase := b.phase
	b.mu.Unlock()

	start := time.Now()
	err := op()
	elapsed := time.Since(start)

	b.mu.Lock()
	defer b.mu.Unlock()
	now = b.now()

	if err == nil {
		b.requests++
		b.successes++
		b.consecFails = 0
		if b.phase == PhaseHalfOpen {
			b.transitionLocked(now, PhaseClosed, "probe succeeded")
			b.resetCountersLocked()
			b.permanentTrips = 0
		}
		return Result{Phase: b.phase, Elapsed: elapsed}, nil
	}

	b.requests++
	b.failures++
	b.consecFails++
	b.lastFailure = now

	class := Classify(err)
	b.recordErrorLocked(now, err.Error(), class)

	if b.phase == PhaseHalfOpen {
		b.tripLocked(now, class)
		return Result{Phase: b.phase, Elapsed: elapsed}, err
	}

	if b.shouldTripImmediatelyLocked(class, err.Error()) {
		b.tripImmediatelyLocked(now, class)
		return Result{Phase: b.phase, Elapsed: elapsed}, err
	}

	if b.requests >= b.cfg.minRequests() &&
		float64(b.failures)/float64(b.requests) >= b.cfg.errorThresholdPct()/100 {
		b.tripLocked(now, class)
	}

	return Result{Phase: phase, Elapsed: elapsed}, err
}

// shouldTripImmediatelyLocked implements the permanent-failure check: either
// the class is permanent by definition or the message matches a configured
// pattern.
func (b *Breaker) shouldTripImmediatelyLocked(class Class, msg string) bool {
	if !b.cfg.Permanent.Enabled {
		return false
	}
	if TripsImmediately(class) {
		return true
	}
	for _, re := range b.patterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// tripLocked opens the breaker with the normal reset timeout.
func (b *Breaker) tripLocked(now time.Time, class Class) {
	b.nextAttempt = now.Add(b.cfg.resetTimeout())
	b.transitionLocked(now, PhaseOpen,
		fmt.Sprintf("error threshold exceeded (%d/%d, last: %s)", b.failures, b.requests, class))
}

// tripImmediatelyLocked opens the breaker on a permanent failure. The open
// timeout starts at max(ResetTimeout × multiplier, BaseTimeout) and doubles
// with every trip, capped at 2^MaxBackoffMultiplier.
func (b *Breaker) tripImmediatelyLocked(now time.Time, class Class) {
	base := time.Duration(float64(b.cfg.resetTimeout()) * b.cfg.permanentMultiplier())
	if pb := b.cfg.permanentBaseTimeout(); base < pb {
		base = pb
	}
	exp := b.permanentTrips
	if max := b.cfg.maxBackoffMultiplier(); exp > max {
		exp = max
	}
	timeout := time.Duration(float64(base) * math.Pow(2, float64(exp)))
	b.permanentTrips++
	b.nextAttempt = now.Add(timeout)
	b.transitionLocked(now, PhaseOpen,
		fmt.Sprintf("permanent failure (%s), open for %s", class, timeout))
}

func (b *Breaker) resetCountersLocked() {
	b.failures = 0
	b.requests = 0
	b.successes = 0
	b.consecFails = 0
}

func (b *Breaker) transitionLocked(now time.Time, to Phase, reason string) {
	if b.phase == to {
		return
	}
	b.transitions = append(b.transitions, Transition{At: now, From: b.phase, To: to, Reason: reason})
	if len(b.transitions) > maxTransitions {
		// Drop the oldest half rather than one-at-a-time shifting.
		b.transitions = append(b.transitions[:0], b.transitions[len(b.transitions)/2:]...)
	}
	b.phase = to
}

func (b *Breaker) recordErrorLocked(now time.Time, msg string, class Class) {
	b.recent = append(b.recent, ErrorRecord{At: now, Message: msg, Class: class})
	if len(b.recent) > maxRecentErrors {
		b.recent = append(b.recent[:0], b.recent[len(b.recent)-maxRecentErrors:]...)
	}
}

// pruneRecentLocked drops recent errors older than the monitoring window.
func (b *Breaker) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.monitoringWindow())
	i := 0
	for ; i < len(b.recent); i++ {
		if b.recent[i].At.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.recent = append(b.recent[:0], b.recent[i:]...)
	}
}

// Phase returns the current phase, transitioning open→half-open when the
// reset timeout has already elapsed (so reads don't report a stale "open").
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == PhaseOpen && !b.now().Before(b.nextAttempt) {
		return PhaseHalfOpen
	}
	return b.phase
}

// Available reports whether the breaker would let the next call through.
func (b *Breaker) Available() bool {
	if !b.cfg.Enabled {
		return true
	}
	return b.Phase() != PhaseOpen
}

// Reset closes the breaker and zeroes its counters. The permanent-trip
// backoff history is preserved so a provider that keeps returning permanent
// errors after a manual reset backs off harder, not softer.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(b.now(), PhaseClosed, "manual reset")
	b.resetCountersLocked()
	b.nextAttempt = time.Time{}
}

// Snapshot is a consistent read of the breaker state for health reporting.
type Snapshot struct {
	Phase               Phase
	Failures            int
	Requests            int
	Successes           int
	ConsecutiveFailures int
	LastFailure         time.Time
	NextAttempt         time.Time
	RecentErrors        []ErrorRecord
	Transitions         []Transition
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	recent := make([]ErrorRecord, len(b.recent))
	copy(recent, b.recent)
	trans := make([]Transition, len(b.transitions))
	copy(trans, b.transitions)
	return Snapshot{
		Phase:               b.phase,
		Failures:            b.failures,
		Requests:            b.requests,
		Successes:           b.successes,
		ConsecutiveFailures: b.consecFails,
		LastFailure:         b.lastFailure,
		NextAttempt:         b.nextAttempt,
		RecentErrors:        recent,
		Transitions:         trans,
	}
}
