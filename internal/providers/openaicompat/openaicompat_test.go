package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
)

func testStore(t *testing.T) credentials.Store {
	t.Helper()
	s, err := credentials.NewSimpleStore(credentials.StoreConfig{
		Name:   "test",
		Config: map[string]string{"apiKey": "sk-test-key-12345"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testAdapter(t *testing.T, baseURL string, cfg *providers.Config) *Adapter {
	t.Helper()
	if cfg == nil {
		cfg = &providers.Config{
			Name:           "test-openai",
			Kind:           "openai",
			ModelName:      "gpt-4o",
			CredentialsRef: "test",
			MaxRetries:     1,
			RetryDelayMs:   1,
		}
	}
	reg := modelregistry.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a, err := New(cfg, testStore(t), reg, baseURL)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestChatCompletion(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o" {
			t.Errorf("model not rewritten to provider model: %v", body["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"model": "gpt-4o",
			"created": 1700000000,
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
		}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, nil)
	resp, err := a.ChatCompletion(context.Background(), &providers.ChatRequest{
		Model:    "my-model",
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotAuth != "Bearer sk-test-key-12345" {
		t.Errorf("auth header not applied: %q", gotAuth)
	}
	if resp.ID != "chatcmpl-123" || len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("usage lost: %+v", resp.Usage)
	}
}

func TestChatCompletion_RetriesOn503(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ok","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"recovered"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, nil)
	resp, err := a.ChatCompletion(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected a retry after 503, got %d calls", calls)
	}
	if resp.Choices[0].Message.Content != "recovered" {
		t.Errorf("unexpected content: %+v", resp)
	}
}

func TestChatCompletion_AuthErrorSurfaces(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid key"}}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, nil)
	_, err := a.ChatCompletion(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("401 must not be retried, got %d calls", calls)
	}

	var pe *providers.Error
	if !errors.As(err, &pe) || pe.Status != 401 {
		t.Errorf("expected providers.Error with status 401, got %v", err)
	}
}

func TestStreamChatCompletion_PassesBytesVerbatim(t *testing.T) {
	const sse = "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("stream flag not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sse)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, nil)
	stream, err := a.StreamChatCompletion(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
		Stream:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != sse {
		t.Errorf("stream bytes modified:\ngot  %q\nwant %q", got, sse)
	}
}

func TestHealthCheck_ModelsEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, nil)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/models" {
		t.Errorf("expected GET /models, got %s", gotPath)
	}
}

func TestHealthCheck_ChatProbeWhenParamsSet(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ok","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"x"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	cfg := &providers.Config{
		Name:              "probe",
		Kind:              "openai",
		ModelName:         "gpt-4o",
		CredentialsRef:    "test",
		HealthCheckParams: map[string]any{"max_tokens": 1},
	}
	a := testAdapter(t, srv.URL, cfg)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("expected chat probe, got %s", gotPath)
	}
	if gotBody["max_tokens"] != float64(1) {
		t.Errorf("health-check params not applied: %v", gotBody)
	}
}
