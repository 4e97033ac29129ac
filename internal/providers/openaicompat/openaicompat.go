// Package openaicompat implements the providers.Adapter interface for any
// service speaking the OpenAI chat completions API (OpenAI itself, Together
// AI, RunPod, Alibaba DashScope compatible mode, Azure OpenAI, and custom
// vLLM-style endpoints).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
)

// Adapter is a configurable OpenAI-compatible provider.
type Adapter struct {
	cfg      *providers.Config
	store    credentials.Store
	registry *modelregistry.Registry
	retry    providers.RetryPolicy
	baseURL  string
	http     *http.Client
}

// New creates an OpenAI-compatible adapter. baseURL must be the API root
// including the version segment, e.g. "https://api.openai.com/v1".
func New(cfg *providers.Config, store credentials.Store, registry *modelregistry.Registry, baseURL string) (*Adapter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s: apiBase is required", cfg.Name)
	}
	return &Adapter{
		cfg:      cfg,
		store:    store,
		registry: registry,
		retry:    providers.PolicyFor(cfg, nil),
		baseURL:  baseURL,
		http:     &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	opts, err := a.requestOptions(ctx)
	if err != nil {
		return nil, err
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.cfg.ModelName),
		Messages: toSDKMessages(req.Messages),
	}
	for k, v := range a.effectiveParams(req, false, false) {
		opts = append(opts, option.WithJSONSet(k, v))
	}

	client := openaiSDK.NewClient(opts...)

	var resp *openaiSDK.ChatCompletion
	err = a.retry.Do(ctx, a.cfg.Name, func() error {
		var callErr error
		resp, callErr = client.Chat.Completions.New(ctx, params)
		return a.wrapError(callErr)
	})
	if err != nil {
		return nil, err
	}
	return fromSDKResponse(resp), nil
}

// StreamChatCompletion posts the request with stream=true over plain HTTP so
// the upstream SSE bytes can be proxied verbatim.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *providers.ChatRequest) (io.ReadCloser, error) {
	body := map[string]any{
		"model":    a.cfg.ModelName,
		"messages": req.Messages,
		"stream":   true,
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
			a.baseURL+"/chat/completions", bytes.NewReader(payload))
		if reqErr != nil {
			return reqErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
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
	if len(a.cfg.HealthCheckParams) > 0 {
		return a.healthCheckChat(ctx)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if err := a.applyHeaders(ctx, httpReq); err != nil {
		return err
	}
	resp, err := a.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return a.parseErrorBody(resp)
	}
	return nil
}

// healthCheckChat issues a minimal chat completion when the config overrides
// health-check params (some gateways do not expose GET /models).
func (a *Adapter) healthCheckChat(ctx context.Context) error {
	opts, err := a.requestOptions(ctx)
	if err != nil {
		return err
	}
	params := openaiSDK.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.cfg.ModelName),
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage("ping")},
	}
	probe := &providers.ChatRequest{Params: map[string]any{"max_tokens": 1}}
	for k, v := range a.effectiveParams(probe, false, true) {
		opts = append(opts, option.WithJSONSet(k, v))
	}

	client := openaiSDK.NewClient(opts...)
	_, err = client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.cfg.Name, a.wrapError(err))
	}
	return nil
}

func (a *Adapter) effectiveParams(req *providers.ChatRequest, streaming, health bool) map[string]any {
	in := modelregistry.Input{
		ProviderKind: a.cfg.Kind,
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

// requestOptions builds SDK options carrying auth, base URL, and any extra
// configured headers. SDK retries are disabled; retry.Do owns backoff.
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
	for k, v := range cred.AuthHeaders() {
		httpReq.Header.Set(k, v)
	}
	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	return nil
}

func (a *Adapter) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return providers.NewError(a.cfg.Name, apierr.StatusCode, apierr.Error())
	}
	return err
}

// parseErrorBody converts a non-2xx HTTP response into a providers.Error,
// preferring the OpenAI error envelope message when present.
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

func toSDKMessages(msgs []providers.Message) []openaiSDK.ChatCompletionMessageParamUnion {
	out := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "developer":
			out = append(out, openaiSDK.DeveloperMessage(m.Content))
		case "system":
			out = append(out, openaiSDK.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openaiSDK.AssistantMessage(m.Content))
		default:
			out = append(out, openaiSDK.UserMessage(m.Content))
		}
	}
	return out
}

func fromSDKResponse(resp *openaiSDK.ChatCompletion) *providers.ChatResponse {
	out := &providers.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	for i, c := range resp.Choices {
		out.Choices = append(out.Choices, providers.ChatChoice{
			Index:        i,
			Message:      providers.Message{Role: "assistant", Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return out
}
