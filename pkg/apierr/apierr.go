// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFoundError     = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeMissingAPIKey      = "missing_api_key"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeModelNotFound      = "model_not_found"
	CodeAllProvidersFailed = "all_providers_failed"
	CodeCircuitOpen        = "circuit_open"
	CodeUnsupported        = "unsupported_operation"
	CodeInvalidRequest     = "invalid_request"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message   string         `json:"message"`
		Type      string         `json:"type"`
		Code      string         `json:"code"`
		Retryable *bool          `json:"retryable,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteFull(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

// WriteFull writes a complete APIError, including optional retryable and
// metadata fields.
func WriteFull(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteModelNotFound writes a 404 for an unknown model name.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound,
		fmt.Sprintf("model %q not found", model), TypeNotFoundError, CodeModelNotFound)
}

// WriteUpstreamError maps a single upstream or breaker failure to the client
// envelope:
//
//	breaker.OpenError         → 503 circuit_open (+ Retry-After)
//	providers.Error           → the provider's own status, remapped below
//	ErrUnsupportedOperation   → 400 unsupported_operation
//	context deadline exceeded → 504 request_timeout
//	anything else             → 502 provider_error
func WriteUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", int(open.RetryAfter.Seconds())))
		retryable := true
		WriteFull(ctx, fasthttp.StatusServiceUnavailable, APIError{
			Message:   err.Error(),
			Type:      TypeProviderError,
			Code:      CodeCircuitOpen,
			Retryable: &retryable,
		})
		return
	}

	var perr *providers.Error
	if errors.As(err, &perr) {
		writeProviderError(ctx, perr)
		return
	}

	if errors.Is(err, providers.ErrUnsupportedOperation) {
		Write(ctx, fasthttp.StatusBadRequest, err.Error(), TypeInvalidRequest, CodeUnsupported)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
		return
	}

	Write(ctx, fasthttp.StatusBadGateway, err.Error(), TypeProviderError, CodeProviderError)
}

// writeProviderError passes an upstream status through, remapping statuses
// the gateway must not impersonate: upstream auth failures become 502 so the
// client cannot mistake them for its own credentials being rejected.
func writeProviderError(ctx *fasthttp.RequestCtx, perr *providers.Error) {
	status := perr.Status
	errType := TypeProviderError

	switch {
	case status == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		errType = TypeRateLimitError
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		status = fasthttp.StatusBadGateway
	case status >= 500 && status < 600:
		status = fasthttp.StatusBadGateway
	case status < 400:
		status = fasthttp.StatusBadGateway
	}

	retryable := perr.Retryable
	WriteFull(ctx, status, APIError{
		Message:   perr.Message,
		Type:      errType,
		Code:      perr.Code,
		Retryable: &retryable,
		Metadata:  map[string]any{"provider": perr.Provider},
	})
}
