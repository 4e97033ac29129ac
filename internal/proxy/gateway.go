// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, resolves the
// target model's pool chain, and hands it to the Router — which walks the
// fallback chain under per-provider circuit breakers until a provider
// answers or the chain is exhausted.
//
// Key design constraints:
//   - Logger, metrics, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); upstream bytes are
//     forwarded verbatim.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Switchdotnew/switch-router-sub001/internal/logger"
	"github.com/Switchdotnew/switch-router-sub001/internal/metrics"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/pkg/apierr"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and dispatch
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// RequestLogger is the async batched per-request logger. Optional.
	RequestLogger *logger.Logger

	// AdminKeys is the list of accepted x-api-key values for /v1 and /admin
	// routes. Empty disables authentication (local development).
	AdminKeys []string

	// CORSOrigins configures Access-Control-Allow-Origin. Empty means "*".
	CORSOrigins []string

	// RequestTimeout is the total budget for a non-streaming request.
	// Default: 60s.
	RequestTimeout time.Duration

	// StreamTimeout bounds a single streaming response. Default: 600s.
	StreamTimeout time.Duration
}

// Gateway is the HTTP face of the dispatcher — all dependencies are injected
// via the constructor so they can be replaced with doubles in unit tests.
// The Router reference is atomic: config reloads build a fresh Router and
// swap it in while in-flight requests finish on the old one.
type Gateway struct {
	router    atomic.Pointer[Router]
	stream    *StreamingProxy
	log       *slog.Logger
	metrics   *metrics.Registry
	reqLogger *logger.Logger

	adminKeys      []string
	corsOrigins    []string
	requestTimeout time.Duration
}

// NewGateway creates a Gateway serving the given Router.
func NewGateway(r *Router, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	g := &Gateway{
		stream:         NewStreamingProxy(opts.StreamTimeout, log),
		log:            log,
		metrics:        opts.Metrics,
		reqLogger:      opts.RequestLogger,
		adminKeys:      opts.AdminKeys,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: requestTimeout,
	}
	g.router.Store(r)
	return g
}

// rt returns the live Router.
func (g *Gateway) rt() *Router { return g.router.Load() }

// SwapRouter installs a new Router and returns the previous one so the
// caller can stop its background probing.
func (g *Gateway) SwapRouter(r *Router) *Router { return g.router.Swap(r) }

// ── Inbound request parsing ───────────────────────────────────────────────────

// parseChatRequest decodes an OpenAI chat completion body. Known envelope
// fields (model, messages, stream) are lifted out; every other top-level
// field is kept verbatim in Params so unknown generation parameters flow
// through to the model registry merge untouched.
func parseChatRequest(body []byte) (*providers.ChatRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	req := &providers.ChatRequest{}
	if v, ok := raw["model"]; ok {
		if err := json.Unmarshal(v, &req.Model); err != nil {
			return nil, fmt.Errorf("field 'model' must be a string")
		}
	}
	if req.Model == "" {
		return nil, fmt.Errorf("field 'model' is required")
	}
	if v, ok := raw["messages"]; ok {
		if err := json.Unmarshal(v, &req.Messages); err != nil {
			return nil, fmt.Errorf("field 'messages' must be an array of {role, content}")
		}
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("field 'messages' must not be empty")
	}
	if v, ok := raw["stream"]; ok {
		if err := json.Unmarshal(v, &req.Stream); err != nil {
			return nil, fmt.Errorf("field 'stream' must be a boolean")
		}
	}

	delete(raw, "model")
	delete(raw, "messages")
	delete(raw, "stream")
	if len(raw) > 0 {
		req.Params = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return nil, fmt.Errorf("field %q: invalid value", k)
			}
			req.Params[k] = val
		}
	}
	return req, nil
}

// inboundCompletionRequest mirrors the legacy OpenAI POST /v1/completions
// body. The "prompt" field accepts a string or array of strings.
type inboundCompletionRequest struct {
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt"`
	Stream bool            `json:"stream"`
}

func parsePrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("field 'prompt' is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return "", fmt.Errorf("field 'prompt' must not be empty")
		}
		return strings.Join(arr, "\n"), nil
	}
	return "", fmt.Errorf("field 'prompt' must be a string or array of strings")
}

// ── Response envelopes ────────────────────────────────────────────────────────

// dispatchMetadata is appended to non-streaming responses so callers can see
// which provider actually served the request.
type dispatchMetadata struct {
	UsedFallback bool   `json:"usedFallback"`
	UsedProvider string `json:"usedProvider"`
}

type chatCompletionBody struct {
	*providers.ChatResponse
	Metadata *dispatchMetadata `json:"_metadata,omitempty"`
}

type (
	completionChoice struct {
		Text         string `json:"text"`
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
	}
	completionBody struct {
		ID       string             `json:"id"`
		Object   string             `json:"object"`
		Created  int64              `json:"created"`
		Model    string             `json:"model"`
		Choices  []completionChoice `json:"choices"`
		Usage    providers.Usage    `json:"usage"`
		Metadata *dispatchMetadata  `json:"_metadata,omitempty"`
	}
)

// setDispatchHeaders exposes the winning provider on the response so
// operators can trace fallbacks from access logs alone.
func setDispatchHeaders(ctx *fasthttp.RequestCtx, res *DispatchResult) {
	ctx.Response.Header.Set("X-Used-Provider", res.UsedProvider)
	ctx.Response.Header.Set("X-Used-Pool", res.UsedPool)
	if res.UsedFallback {
		ctx.Response.Header.Set("X-Used-Fallback", "true")
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqID, _ := ctx.UserValue("request_id").(string)

	req, err := parseChatRequest(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.RequestID = reqID

	if !g.rt().IsModelSupported(req.Model) {
		apierr.WriteModelNotFound(ctx, req.Model)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		g.streamChat(ctx, req, route, start)
		return
	}

	rctx := NewRequestContext(g.baseContext(), reqID, g.requestTimeout)
	defer rctx.Cancel()

	resp, res, err := g.rt().ChatCompletion(rctx, req)
	if err != nil {
		g.writeDispatchError(ctx, reqID, req.Model, err, start)
		return
	}

	setDispatchHeaders(ctx, res)
	g.writeChatResponse(ctx, resp, res)
	g.finishRequest(ctx, reqID, route, req.Model, res, resp.Usage, start, false)
}

// streamChat dispatches a streaming chat completion and pumps the upstream
// SSE bytes to the client. Dispatch headers are set before the first byte.
func (g *Gateway) streamChat(ctx *fasthttp.RequestCtx, req *providers.ChatRequest, route string, start time.Time) {
	reqID := req.RequestID

	rctx := NewRequestContext(g.baseContext(), reqID, g.stream.Timeout)

	upstream, res, err := g.rt().StreamChatCompletion(rctx, req)
	if err != nil {
		rctx.Cancel()
		g.writeDispatchError(ctx, reqID, req.Model, err, start)
		return
	}

	setDispatchHeaders(ctx, res)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := req.Model
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer rctx.Cancel()
		if err := g.stream.Pump(rctx, upstream, w); err != nil {
			g.log.Error("stream aborted",
				slog.String("request_id", reqID),
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
		}
		g.finishRequest(nil, reqID, route, model, res, providers.Usage{}, start, true)
	})
}

// handleCompletions serves POST /v1/completions by rewriting the legacy
// prompt into a single-user-message chat request. Pools containing chat-only
// providers reject the route up front.
func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "completions"
	reqID, _ := ctx.UserValue("request_id").(string)

	body := ctx.PostBody()
	var legacy inboundCompletionRequest
	if err := json.Unmarshal(body, &legacy); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if legacy.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	prompt, err := parsePrompt(legacy.Prompt)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if !g.rt().IsModelSupported(legacy.Model) {
		apierr.WriteModelNotFound(ctx, legacy.Model)
		return
	}
	if !g.rt().SupportsLegacyCompletions(legacy.Model) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("model %q does not support legacy completions", legacy.Model),
			apierr.TypeInvalidRequest, apierr.CodeUnsupported)
		return
	}

	// Everything except the legacy envelope fields passes through as
	// generation parameters.
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(body, &raw)
	delete(raw, "model")
	delete(raw, "prompt")
	delete(raw, "stream")
	params := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			params[k] = val
		}
	}

	req := &providers.ChatRequest{
		Model:     legacy.Model,
		Messages:  []providers.Message{{Role: "user", Content: prompt}},
		Stream:    legacy.Stream,
		Params:    params,
		RequestID: reqID,
	}

	if req.Stream {
		g.streamChat(ctx, req, route, start)
		return
	}

	rctx := NewRequestContext(g.baseContext(), reqID, g.requestTimeout)
	defer rctx.Cancel()

	resp, res, err := g.rt().ChatCompletion(rctx, req)
	if err != nil {
		g.writeDispatchError(ctx, reqID, req.Model, err, start)
		return
	}

	out := completionBody{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   resp.Usage,
		Metadata: &dispatchMetadata{
			UsedFallback: res.UsedFallback,
			UsedProvider: res.UsedProvider,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, completionChoice{
			Text:         c.Message.Content,
			Index:        c.Index,
			FinishReason: c.FinishReason,
		})
	}

	setDispatchHeaders(ctx, res)
	writeJSON(ctx, out)
	g.finishRequest(ctx, reqID, route, req.Model, res, resp.Usage, start, false)
}

// modelEntry is one row of the GET /v1/models listing.
type modelEntry struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	OwnedBy    string `json:"owned_by"`
	Root       string `json:"root"`
	Permission []any  `json:"permission"`
}

// handleModels serves GET /v1/models.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	now := time.Now().Unix()
	models := g.rt().SupportedModels()
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelEntry{
			ID:         m,
			Object:     "model",
			Created:    now,
			OwnedBy:    "switch",
			Root:       m,
			Permission: []any{},
		})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleHealth serves GET /health: a pool-keyed summary, 503 when no pool
// can serve traffic.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	healthy := g.rt().Healthy()
	status := "healthy"
	if !healthy {
		status = "unhealthy"
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, map[string]any{
		"status": status,
		"pools":  g.rt().HealthStatus(),
		"models": g.rt().ModelToPoolMapping(),
	})
}

// handleProviderStatus serves GET /admin/providers/status.
func (g *Gateway) handleProviderStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"pools":     g.rt().HealthStatus(),
		"scheduler": g.rt().SchedulerMetrics(),
		"models":    g.rt().ModelToPoolMapping(),
	})
}

// handleProviderReset serves POST /admin/providers/{model}/{provider}/reset.
func (g *Gateway) handleProviderReset(ctx *fasthttp.RequestCtx) {
	model, _ := ctx.UserValue("model").(string)
	provider, _ := ctx.UserValue("provider").(string)

	if err := g.rt().ResetProvider(model, provider); err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			err.Error(), apierr.TypeNotFoundError, apierr.CodeInvalidRequest)
		return
	}
	g.log.Info("breaker reset",
		slog.String("model", model),
		slog.String("provider", provider),
	)
	writeJSON(ctx, map[string]string{"status": "ok", "model": model, "provider": provider})
}

// ── Shared plumbing ───────────────────────────────────────────────────────────

func (g *Gateway) writeChatResponse(ctx *fasthttp.RequestCtx, resp *providers.ChatResponse, res *DispatchResult) {
	writeJSON(ctx, chatCompletionBody{
		ChatResponse: resp,
		Metadata: &dispatchMetadata{
			UsedFallback: res.UsedFallback,
			UsedProvider: res.UsedProvider,
		},
	})
}

func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, reqID, model string, err error, start time.Time) {
	var allFailed *AllPoolsFailedError
	if errors.As(err, &allFailed) {
		g.log.ErrorContext(ctx, "all pools failed",
			slog.String("request_id", reqID),
			slog.String("model", model),
			slog.Any("attempted", allFailed.Attempted),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		retryable := true
		apierr.WriteFull(ctx, fasthttp.StatusServiceUnavailable, apierr.APIError{
			Message:   allFailed.Error(),
			Type:      apierr.TypeProviderError,
			Code:      apierr.CodeAllProvidersFailed,
			Retryable: &retryable,
			Metadata: map[string]any{
				"model":          allFailed.Model,
				"attemptedPools": allFailed.Attempted,
			},
		})
		if g.metrics != nil {
			g.metrics.RecordChainExhausted(model)
		}
		return
	}

	g.log.ErrorContext(ctx, "dispatch failed",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	apierr.WriteUpstreamError(ctx, err)
}

// finishRequest emits metrics and the async request log entry. ctx is nil
// for streaming requests (the response status is always 200 by then).
func (g *Gateway) finishRequest(ctx *fasthttp.RequestCtx, reqID, route, model string, res *DispatchResult, usage providers.Usage, start time.Time, streamed bool) {
	elapsed := time.Since(start)
	status := fasthttp.StatusOK
	if ctx != nil {
		status = ctx.Response.StatusCode()
	}

	if g.metrics != nil {
		g.metrics.ObserveDispatch(res.UsedPool, res.UsedProvider, route, status, elapsed)
		if res.UsedFallback {
			g.metrics.RecordFallback(model, res.UsedPool)
		}
		g.metrics.AddTokens(res.UsedProvider, route, usage.PromptTokens, usage.CompletionTokens)
	}

	if g.reqLogger != nil {
		id, _ := uuid.Parse(reqID)
		g.reqLogger.Log(logger.RequestLog{
			ID:           id,
			Model:        model,
			Pool:         res.UsedPool,
			Provider:     res.UsedProvider,
			Fallback:     res.UsedFallback,
			InputTokens:  uint32(usage.PromptTokens),
			OutputTokens: uint32(usage.CompletionTokens),
			LatencyMs:    uint32(elapsed.Milliseconds()),
			Status:       uint16(status),
			Streamed:     streamed,
			CreatedAt:    time.Now(),
		})
	}
}

// baseContext is the parent for per-request contexts.
func (g *Gateway) baseContext() context.Context { return context.Background() }
