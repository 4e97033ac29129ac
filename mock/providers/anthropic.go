package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// anthropicMock simulates the Anthropic messages API.
type anthropicMock struct {
	cfg Config
}

func newAnthropicHandler(cfg Config) http.Handler {
	m := &anthropicMock{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", m.messages)
	mux.HandleFunc("/v1/models", m.models)
	mux.HandleFunc("/", m.notFound)
	return mux
}

func (m *anthropicMock) messages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
		return
	}
	cfg := behavior(m.cfg, r)
	delay(cfg)
	if status, fail := injectError(cfg); fail {
		writeAnthropicError(w, status, "injected upstream failure", "overloaded_error")
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if req.Model == "" {
		req.Model = "claude-sonnet-4-20250514"
	}

	id := fmt.Sprintf("msg_%x", rand.Int64())
	content := completionText(cfg.StreamWords)

	if req.Stream {
		m.streamMessage(w, id, req.Model, content, cfg.StreamWords)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         req.Model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content": []map[string]string{
			{"type": "text", "text": content},
		},
		"usage": map[string]int{
			"input_tokens":  15,
			"output_tokens": cfg.StreamWords,
		},
	})
}

func (m *anthropicMock) models(w http.ResponseWriter, r *http.Request) {
	cfg := behavior(m.cfg, r)
	delay(cfg)
	if status, fail := injectError(cfg); fail {
		writeAnthropicError(w, status, "injected upstream failure", "overloaded_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]any{
			{"id": "claude-sonnet-4-20250514", "display_name": "Claude Sonnet 4"},
			{"id": "claude-3-5-haiku-20241022", "display_name": "Claude Haiku 3.5"},
		},
		"has_more": false,
		"first_id": "claude-sonnet-4-20250514",
		"last_id":  "claude-3-5-haiku-20241022",
	})
}

func (m *anthropicMock) notFound(w http.ResponseWriter, r *http.Request) {
	writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "not_found_error")
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// streamMessage emits the Anthropic event sequence: message_start,
// content_block_start, text deltas, content_block_stop, message_delta with
// final usage, message_stop. The gateway proxies these bytes untouched.
func (m *anthropicMock) streamMessage(w http.ResponseWriter, id, model, content string, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	event := func(name string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 15, "output_tokens": 0},
		},
	})
	event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})

	for _, word := range strings.Fields(content) {
		event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})
	event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	event("message_stop", map[string]string{"type": "message_stop"})
}
