package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// openaiMock simulates the OpenAI API and every OpenAI-compatible upstream
// the gateway routes (together, runpod, alibaba, azure, custom).
type openaiMock struct {
	cfg Config
}

func newOpenAIHandler(cfg Config) http.Handler {
	m := &openaiMock{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", m.chatCompletions)
	mux.HandleFunc("/v1/completions", m.completions)
	mux.HandleFunc("/v1/models", m.models)
	mux.HandleFunc("/", m.notFound)
	return mux
}

func (m *openaiMock) chatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}
	cfg := behavior(m.cfg, r)
	delay(cfg)
	if status, fail := injectError(cfg); fail {
		writeOpenAIError(w, status, "injected upstream failure", "server_error")
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if req.Model == "" {
		req.Model = "gpt-4o"
	}

	id := fmt.Sprintf("chatcmpl-%x", rand.Int64())
	content := completionText(cfg.StreamWords)

	if req.Stream {
		m.streamChat(w, id, req.Model, content)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": cfg.StreamWords,
			"total_tokens":      10 + cfg.StreamWords,
		},
	})
}

// completions serves the legacy text completions API, which the gateway
// routes for pools whose providers all speak it.
func (m *openaiMock) completions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}
	cfg := behavior(m.cfg, r)
	delay(cfg)
	if status, fail := injectError(cfg); fail {
		writeOpenAIError(w, status, "injected upstream failure", "server_error")
		return
	}

	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if req.Model == "" {
		req.Model = "gpt-3.5-turbo-instruct"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      fmt.Sprintf("cmpl-%x", rand.Int64()),
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"text":          completionText(cfg.StreamWords),
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     5,
			"completion_tokens": cfg.StreamWords,
			"total_tokens":      5 + cfg.StreamWords,
		},
	})
}

// models serves the listing the gateway's default health probe hits.
func (m *openaiMock) models(w http.ResponseWriter, r *http.Request) {
	cfg := behavior(m.cfg, r)
	delay(cfg)
	if status, fail := injectError(cfg); fail {
		writeOpenAIError(w, status, "injected upstream failure", "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
			{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
			{"id": "gpt-3.5-turbo-instruct", "object": "model", "created": 1710000000, "owned_by": "openai"},
		},
	})
}

func (m *openaiMock) notFound(w http.ResponseWriter, r *http.Request) {
	writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "not_found")
}

// streamChat emits chat completion chunks as SSE, closing with a
// finish_reason chunk and the [DONE] sentinel the gateway forwards verbatim.
func (m *openaiMock) streamChat(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
	}

	for _, word := range strings.Fields(content) {
		sse(w, chunk(map[string]string{"content": word + " "}, nil))
	}
	sse(w, chunk(map[string]string{}, "stop"))

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
