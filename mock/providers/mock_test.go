package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIMock_ChatCompletion(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 5}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Object  string `json:"object"`
		Choices []struct {
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Object != "chat.completion" || len(body.Choices) != 1 || body.Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected completion shape: %+v", body)
	}
	if body.Usage.CompletionTokens != 5 {
		t.Errorf("completion tokens should follow StreamWords, got %d", body.Usage.CompletionTokens)
	}
}

func TestOpenAIMock_LegacyCompletions(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 3}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/completions", "application/json",
		strings.NewReader(`{"model":"gpt-3.5-turbo-instruct","prompt":"once"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Object  string `json:"object"`
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Object != "text_completion" || len(body.Choices) != 1 || body.Choices[0].Text == "" {
		t.Errorf("unexpected legacy completion shape: %+v", body)
	}
}

func TestMock_HeaderOverridesForceFailure(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("x-mock-error-rate", "1")
	req.Header.Set("x-mock-error-status", "429")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("forced failure status = %d, want 429", resp.StatusCode)
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Message == "" {
		t.Error("forced failure must carry the error envelope")
	}
}

func TestMock_ConfiguredErrorRateHitsEveryHandler(t *testing.T) {
	cfg := Config{ErrorRate: 1, ErrorStatus: http.StatusServiceUnavailable}

	cases := []struct {
		name    string
		handler http.Handler
		path    string
	}{
		{"openai models", newOpenAIHandler(cfg), "/v1/models"},
		{"anthropic models", newAnthropicHandler(cfg), "/v1/models"},
		{"bedrock models", newBedrockHandler(cfg), "/foundation-models"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(tc.handler)
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			srv.Close()
			t.Fatal(err)
		}
		resp.Body.Close()
		srv.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", tc.name, resp.StatusCode)
		}
	}
}

func TestConfig_PerProviderEnvOverlay(t *testing.T) {
	t.Setenv("MOCK_LATENCY_MS", "5")
	t.Setenv("MOCK_OPENAI_LATENCY_MS", "50")
	t.Setenv("MOCK_OPENAI_ERROR_RATE", "0.5")

	base := loadConfig()
	if base.LatencyMS != 5 || base.ErrorRate != 0 {
		t.Fatalf("shared defaults wrong: %+v", base)
	}

	openai := base.forProvider("openai")
	if openai.LatencyMS != 50 || openai.ErrorRate != 0.5 {
		t.Errorf("openai overlay wrong: %+v", openai)
	}

	anthropic := base.forProvider("anthropic")
	if anthropic.LatencyMS != 5 || anthropic.ErrorRate != 0 {
		t.Errorf("anthropic must keep shared defaults: %+v", anthropic)
	}
}

func TestOpenAIMock_StreamEndsWithDone(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 2}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	var raw strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		raw.Write(buf[:n])
		if readErr != nil {
			break
		}
	}
	out := raw.String()
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Error("stream missing the closing finish_reason chunk")
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Error("stream must end with the [DONE] sentinel")
	}
}
