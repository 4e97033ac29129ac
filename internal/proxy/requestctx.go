package proxy

import (
	"context"
	"time"
)

// Timeout tuning for provider-level contexts.
const (
	defaultRequestTimeout     = 60 * time.Second
	providerTimeoutMultiplier = 0.8
	minProviderTimeout        = time.Second
	maxProviderTimeout        = 10 * time.Minute
)

// RequestContext carries a request's absolute deadline and cancellation
// signal through dispatch. All downstream calls derive their contexts from
// it; cancelling it cancels every in-flight upstream operation.
type RequestContext struct {
	ctx       context.Context
	cancel    context.CancelFunc
	RequestID string
	Start     time.Time
}

// NewRequestContext creates a RequestContext with the given total budget.
// A non-positive timeout uses the default.
func NewRequestContext(parent context.Context, requestID string, timeout time.Duration) *RequestContext {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	return &RequestContext{
		ctx:       ctx,
		cancel:    cancel,
		RequestID: requestID,
		Start:     time.Now(),
	}
}

// Context returns the underlying context.
func (r *RequestContext) Context() context.Context { return r.ctx }

// Cancel releases the request's resources. Safe to call multiple times.
func (r *RequestContext) Cancel() { r.cancel() }

// Done mirrors context.Done.
func (r *RequestContext) Done() <-chan struct{} { return r.ctx.Done() }

// Err mirrors context.Err.
func (r *RequestContext) Err() error { return r.ctx.Err() }

// Remaining returns the time left before the request deadline.
func (r *RequestContext) Remaining() time.Duration {
	deadline, ok := r.ctx.Deadline()
	if !ok {
		return defaultRequestTimeout
	}
	return time.Until(deadline)
}

// ProviderContext derives a context for one provider attempt: 80% of the
// remaining request budget, clamped into [minProviderTimeout,
// maxProviderTimeout], and never more than the provider's own configured
// timeout when one is given.
func (r *RequestContext) ProviderContext(providerTimeout time.Duration) (context.Context, context.CancelFunc) {
	budget := time.Duration(float64(r.Remaining()) * providerTimeoutMultiplier)
	if budget < minProviderTimeout {
		budget = minProviderTimeout
	}
	if budget > maxProviderTimeout {
		budget = maxProviderTimeout
	}
	if providerTimeout > 0 && providerTimeout < budget {
		budget = providerTimeout
	}
	return context.WithTimeout(r.ctx, budget)
}
