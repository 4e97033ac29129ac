// Package anthropic implements the providers.Adapter interface for the
// Anthropic Messages API (official SDK for non-streaming calls, raw SSE
// pass-through for streaming).
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	cfg      *providers.Config
	store    credentials.Store
	registry *modelregistry.Registry
	retry    providers.RetryPolicy
	baseURL  string
	http     *http.Client
}

// New creates an Anthropic adapter. An empty apiBase uses the public API.
func New(cfg *providers.Config, store credentials.Store, registry *modelregistry.Registry) *Adapter {
	baseURL := cfg.APIBase
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		cfg:      cfg,
		store:    store,
		registry: registry,
		retry:    providers.PolicyFor(cfg, nil),
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout()},
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	opts, err := a.requestOptions(ctx)
	if err != nil {
		return nil, err
	}

	system, msgs := splitSystem(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.ModelName),
		MaxTokens: defaultMaxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for k, v := range a.effectiveParams(req, false, false) {
		if k == "max_tokens" {
			if n, ok := toInt64(v); ok {
				params.MaxTokens = n
				continue
			}
		}
		opts = append(opts, option.WithJSONSet(k, v))
	}

	client := anthropic.NewClient(opts...)

	var msg *anthropic.Message
	err = a.retry.Do(ctx, a.cfg.Name, func() error {
		var callErr error
		msg, callErr = client.Messages.New(ctx, params)
		return a.wrapError(callErr)
	})
	if err != nil {
		return nil, err
	}
	return a.toChatResponse(msg), nil
}

// StreamChatCompletion posts to /messages with stream=true over plain HTTP
// so the SSE bytes can be proxied without re-encoding.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *providers.ChatRequest) (io.ReadCloser, error) {
	system, _ := splitSystem(req.Messages)

	body := map[string]any{
		"model":      a.cfg.ModelName,
		"max_tokens": defaultMaxTokens,
		"messages":   wireMessages(req.Messages),
		"stream":     true,
	}
	if system != "" {
		body["system"] = system
	}
	for k, v := range a.effectiveParams(req, true, false) {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", a.cfg.Name, err)
	}

	var stream io.ReadCloser
	err = a.retry.Do(ctx, a.cfg.Name, func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/messages", bytes.NewReader(payload))
		if reqErr != nil {
			return reqErr
		}
		if hdrErr := a.applyHeaders(ctx, httpReq); hdrErr != nil {
			return hdrErr
		}

		resp, doErr := a.http.Do(httpReq)
		if doErr != nil {
			return fmt.Errorf("%s: %w", a.cfg.Name, doErr)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return a.parseErrorBody(resp)
		}
		stream = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	opts, err := a.requestOptions(ctx)
	if err != nil {
		return err
	}
	client := anthropic.NewClient(opts...)

	if len(a.cfg.HealthCheckParams) > 0 {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.cfg.ModelName),
			MaxTokens: 1,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
			},
		}
		_, err = client.Messages.New(ctx, params)
	} else {
		_, err = client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	}
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.cfg.Name, a.wrapError(err))
	}
	return nil
}

func (a *Adapter) effectiveParams(req *providers.ChatRequest, streaming, health bool) map[string]any {
	in := modelregistry.Input{
		ProviderKind: "anthropic",
		Model:        a.cfg.ModelName,
		Caller:       req.Params,
		UseDefaults:  a.cfg.ApplyModelDefaults(),
	}
	if streaming {
		in.Streaming = a.cfg.StreamingParams
	}
	if health {
		in.HealthCheck = a.cfg.HealthCheckParams
	}
	return a.registry.EffectiveParams(in)
}

func (a *Adapter) requestOptions(ctx context.Context) ([]option.RequestOption, error) {
	cred, err := a.store.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(a.http),
		option.WithMaxRetries(0),
	}
	for k, v := range cred.AuthHeaders() {
		// The SDK auth header is x-api-key regardless of key shape.
		if strings.EqualFold(k, "Authorization") {
			opts = append(opts, option.WithAPIKey(strings.TrimPrefix(v, "Bearer ")))
			continue
		}
		opts = append(opts, option.WithHeader(k, v))
	}
	for k, v := range a.cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return opts, nil
}

func (a *Adapter) applyHeaders(ctx context.Context, httpReq *http.Request) error {
	cred, err := a.store.Resolve(ctx)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range cred.AuthHeaders() {
		if strings.EqualFold(k, "Authorization") {
			httpReq.Header.Set("x-api-key", strings.TrimPrefix(v, "Bearer "))
			continue
		}
		httpReq.Header.Set(k, v)
	}
	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	return nil
}

// splitSystem extracts system/developer turns into a single system prompt.
func splitSystem(msgs []providers.Message) (string, []anthropic.MessageParam) {
	var system strings.Builder
	out := make([]anthropic.MessageParam, 0, len(msgs))

	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system.String(), out
}

// wireMessages builds the raw messages array for the streaming request body,
// excluding system turns (carried top-level).
func wireMessages(msgs []providers.Message) []map[string]string {
	out := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		if role == "system" || role == "developer" {
			continue
		}
		if role != "assistant" {
			role = "user"
		}
		out = append(out, map[string]string{"role": role, "content": m.Content})
	}
	return out
}

// mapFinishReason translates Anthropic stop reasons to OpenAI finish reasons.
func mapFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}

func (a *Adapter) toChatResponse(msg *anthropic.Message) *providers.ChatResponse {
	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.ChatResponse{
		ID:      msg.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []providers.ChatChoice{{
			Message:      providers.Message{Role: "assistant", Content: sb.String()},
			FinishReason: mapFinishReason(string(msg.StopReason)),
		}},
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func (a *Adapter) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return providers.NewError(a.cfg.Name, apierr.StatusCode, apierr.Error())
	}
	return err
}

func (a *Adapter) parseErrorBody(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	return providers.NewError(a.cfg.Name, resp.StatusCode, msg)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
