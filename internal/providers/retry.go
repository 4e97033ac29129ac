package providers

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = 30 * time.Second

// RetryPolicy controls adapter-internal retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Log        *slog.Logger
}

// PolicyFor derives a retry policy from a provider config.
func PolicyFor(cfg *Config, log *slog.Logger) RetryPolicy {
	p := RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		Log:        log,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryDelay
	}
	if p.Log == nil {
		p.Log = slog.Default()
	}
	return p
}

// Do runs op with exponential backoff. Each failed attempt doubles the delay
// (capped at 30s) and applies a jitter factor in [0.5, 1.0). Only errors whose
// upstream status is retryable (or that carry no status at all, e.g. network
// failures) are retried; permanent errors surface immediately.
func (p RetryPolicy) Do(ctx context.Context, provider string, op func() error) error {
	var lastErr error
	delay := p.BaseDelay

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
			p.Log.Debug("retrying provider request",
				slog.String("provider", provider),
				slog.Int("attempt", attempt),
				slog.Duration("delay", jittered),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// shouldRetry decides whether an error is worth another attempt.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return retryableStatus[sc.HTTPStatus()]
	}
	// No status available: assume a transport-level failure, retry.
	return true
}

// sensitiveParamKeys are redacted from request/response logs.
var sensitiveParamKeys = []string{"apiKey", "authorization", "token", "password", "key"}

// Redact returns a copy of params safe for logging.
func Redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, k := range sensitiveParamKeys {
		if _, ok := out[k]; ok {
			out[k] = "[redacted]"
		}
	}
	return out
}
