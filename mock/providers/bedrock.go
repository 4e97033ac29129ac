package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// bedrockMock simulates the AWS Bedrock runtime API:
//
//	POST /model/{modelId}/converse         — non-streaming
//	POST /model/{modelId}/converse-stream  — streaming
//	GET  /foundation-models                — health check
type bedrockMock struct {
	cfg Config
}

func newBedrockHandler(cfg Config) http.Handler {
	m := &bedrockMock{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("/model/", m.converse)
	mux.HandleFunc("/foundation-models", m.foundationModels)
	mux.HandleFunc("/", m.notFound)
	return mux
}

func (m *bedrockMock) converse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeBedrockError(w, http.StatusMethodNotAllowed, "method not allowed", "ValidationException")
		return
	}
	cfg := behavior(m.cfg, r)
	delay(cfg)
	if status, fail := injectError(cfg); fail {
		writeBedrockError(w, status, "injected upstream failure", "ServiceUnavailableException")
		return
	}

	modelID := bedrockModelID(r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/converse-stream") {
		m.streamConverse(w, cfg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"output": map[string]any{
			"message": map[string]any{
				"role": "assistant",
				"content": []map[string]string{
					{"text": completionText(cfg.StreamWords)},
				},
			},
		},
		"stopReason": "end_turn",
		"usage": map[string]int{
			"inputTokens":  12,
			"outputTokens": cfg.StreamWords,
			"totalTokens":  12 + cfg.StreamWords,
		},
		"metrics": map[string]int{"latencyMs": cfg.LatencyMS},
		"model":   modelID,
	})
}

func (m *bedrockMock) foundationModels(w http.ResponseWriter, r *http.Request) {
	cfg := behavior(m.cfg, r)
	delay(cfg)
	if status, fail := injectError(cfg); fail {
		writeBedrockError(w, status, "injected upstream failure", "ServiceUnavailableException")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modelSummaries": []map[string]any{
			{
				"modelId":      "anthropic.claude-sonnet-4-20250514-v1:0",
				"modelName":    "Claude Sonnet 4",
				"providerName": "Anthropic",
			},
			{
				"modelId":      "amazon.titan-text-express-v1",
				"modelName":    "Titan Text Express",
				"providerName": "Amazon",
			},
		},
	})
}

func (m *bedrockMock) notFound(w http.ResponseWriter, r *http.Request) {
	writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "ResourceNotFoundException")
}

// streamConverse writes newline-delimited converse-stream events
// (simplified from the binary event-stream framing).
func (m *bedrockMock) streamConverse(w http.ResponseWriter, cfg Config) {
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)

	event := func(payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "data:%s\n", data)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	event(map[string]any{"messageStart": map[string]string{"role": "assistant"}})
	event(map[string]any{
		"contentBlockStart": map[string]any{
			"start":             map[string]any{"text": ""},
			"contentBlockIndex": 0,
		},
	})

	for _, word := range strings.Fields(completionText(cfg.StreamWords)) {
		event(map[string]any{
			"contentBlockDelta": map[string]any{
				"delta":             map[string]string{"text": word + " "},
				"contentBlockIndex": 0,
			},
		})
	}

	event(map[string]any{"contentBlockStop": map[string]int{"contentBlockIndex": 0}})
	event(map[string]any{"messageStop": map[string]any{"stopReason": "end_turn"}})
	event(map[string]any{
		"metadata": map[string]any{
			"usage": map[string]int{
				"inputTokens":  12,
				"outputTokens": cfg.StreamWords,
				"totalTokens":  12 + cfg.StreamWords,
			},
			"metrics": map[string]int{"latencyMs": cfg.LatencyMS},
		},
	})
	event(map[string]any{"id": fmt.Sprintf("mock-%x", rand.Int64())})
}

func writeBedrockError(w http.ResponseWriter, status int, msg, errType string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
		"__type":  errType,
	})
}

// bedrockModelID extracts the model id from /model/{id}/converse[-stream].
func bedrockModelID(path string) string {
	const prefix = "/model/"
	if !strings.HasPrefix(path, prefix) {
		return "unknown"
	}
	rest := path[len(prefix):]
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
