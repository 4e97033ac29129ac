// Package vertexai implements the providers.Adapter interface for Google
// Vertex AI via the google.golang.org/genai SDK.
//
// Authentication uses Application Default Credentials:
//   - GOOGLE_APPLICATION_CREDENTIALS pointing to a service account key, or
//   - Workload Identity / GCE metadata server when running on GCP.
//
// The project and location come from providerParams ("project", "location")
// or the SDK's own environment fallbacks.
package vertexai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
)

const defaultLocation = "us-central1"

// Adapter implements providers.Adapter for Google Vertex AI.
type Adapter struct {
	cfg      *providers.Config
	registry *modelregistry.Registry
	retry    providers.RetryPolicy
	project  string
	location string

	initOnce sync.Once
	initErr  error
	client   *genai.Client
}

// New creates a Vertex AI adapter. The client is built lazily on first use
// because ADC resolution may touch the network.
func New(cfg *providers.Config, registry *modelregistry.Registry) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		registry: registry,
		retry:    providers.PolicyFor(cfg, nil),
		location: defaultLocation,
	}
	if v, ok := cfg.ProviderParams["project"].(string); ok {
		a.project = v
	}
	if v, ok := cfg.ProviderParams["location"].(string); ok && v != "" {
		a.location = v
	}
	return a
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) init(ctx context.Context) (*genai.Client, error) {
	a.initOnce.Do(func() {
		a.client, a.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			Project:  a.project,
			Location: a.location,
			Backend:  genai.BackendVertexAI,
		})
		if a.initErr != nil {
			a.initErr = fmt.Errorf("%s: create client: %w", a.cfg.Name, a.initErr)
		}
	})
	return a.client, a.initErr
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	client, err := a.init(ctx)
	if err != nil {
		return nil, err
	}

	contents, genCfg := a.buildContents(req, false)

	var resp *genai.GenerateContentResponse
	err = a.retry.Do(ctx, a.cfg.Name, func() error {
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, a.cfg.ModelName, contents, genCfg)
		return a.wrapError(callErr)
	})
	if err != nil {
		return nil, err
	}

	id := req.RequestID
	if id == "" && resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	out := &providers.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.cfg.ModelName,
		Choices: []providers.ChatChoice{{
			Message:      providers.Message{Role: "assistant", Content: resp.Text()},
			FinishReason: mapFinishReason(resp),
		}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// StreamChatCompletion pulls the SDK stream iterator and re-encodes each
// candidate delta as OpenAI chat.completion.chunk SSE.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *providers.ChatRequest) (io.ReadCloser, error) {
	client, err := a.init(ctx)
	if err != nil {
		return nil, err
	}

	contents, genCfg := a.buildContents(req, true)
	requestID := req.RequestID
	if requestID == "" {
		requestID = "chatcmpl-" + uuid.NewString()
	}

	pr, pw := io.Pipe()
	go func() {
		created := time.Now().Unix()
		for resp, iterErr := range client.Models.GenerateContentStream(ctx, a.cfg.ModelName, contents, genCfg) {
			if iterErr != nil {
				pw.CloseWithError(a.wrapError(iterErr))
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			var finish *string
			if c.FinishReason != "" {
				f := "stop"
				if c.FinishReason == genai.FinishReasonMaxTokens {
					f = "length"
				}
				finish = &f
			}
			if text == "" && finish == nil {
				continue
			}

			delta := map[string]any{}
			if text != "" {
				delta["content"] = text
			}
			if writeChunk(pw, requestID, a.cfg.ModelName, created, delta, finish) != nil {
				return
			}
		}
		fmt.Fprint(pw, "data: [DONE]\n\n")
		pw.Close()
	}()
	return pr, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	client, err := a.init(ctx)
	if err != nil {
		return err
	}

	if len(a.cfg.HealthCheckParams) > 0 {
		probe := &providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: "ping"}},
			Params:   map[string]any{"max_tokens": 1},
		}
		_, err := a.ChatCompletion(ctx, probe)
		return err
	}

	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.cfg.Name, a.wrapError(err))
	}
	return nil
}

// buildContents splits system turns into SystemInstruction and applies the
// effective generation params.
func (a *Adapter) buildContents(req *providers.ChatRequest, streaming bool) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system strings.Builder
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	in := modelregistry.Input{
		ProviderKind: "vertex",
		Model:        a.cfg.ModelName,
		Caller:       req.Params,
		UseDefaults:  a.cfg.ApplyModelDefaults(),
	}
	if streaming {
		in.Streaming = a.cfg.StreamingParams
	}
	params := a.registry.EffectiveParams(in)

	cfg := &genai.GenerateContentConfig{}
	if system.Len() > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system.String()}}}
	}
	if v, ok := toFloat(params["temperature"]); ok {
		cfg.Temperature = genai.Ptr[float32](float32(v))
	}
	if v, ok := toFloat(params["top_p"]); ok {
		cfg.TopP = genai.Ptr[float32](float32(v))
	}
	if v, ok := toFloat(params["max_tokens"]); ok {
		cfg.MaxOutputTokens = int32(v)
	}
	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func mapFinishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "stop"
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return "length"
	}
	return "stop"
}

func writeChunk(w io.Writer, id, model string, created int64, delta map[string]any, finish *string) error {
	payload := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (a *Adapter) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewError(a.cfg.Name, apiErr.Code, apiErr.Message)
	}
	return err
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
