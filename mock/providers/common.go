package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Per-request override headers. Gateway tests set these to force latency or
// failures on one upstream of a pool without restarting the mock, which is
// how breaker trips and pool failover are exercised deterministically.
const (
	hdrLatency     = "x-mock-latency-ms"
	hdrErrorRate   = "x-mock-error-rate"
	hdrErrorStatus = "x-mock-error-status"
)

// behavior derives the effective knobs for one request: the provider's
// configured defaults overlaid with any header overrides.
func behavior(cfg Config, r *http.Request) Config {
	if v := r.Header.Get(hdrLatency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LatencyMS = n
		}
	}
	if v := r.Header.Get(hdrErrorRate); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ErrorRate = f
		}
	}
	if v := r.Header.Get(hdrErrorStatus); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 400 && n < 600 {
			cfg.ErrorStatus = n
		}
	}
	return cfg
}

// delay sleeps for the configured latency.
func delay(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// injectError reports whether this request should fail and with which status.
// A 429 here lets tests exercise the rate-limit classification path.
func injectError(cfg Config) (int, bool) {
	if cfg.ErrorRate <= 0 || rand.Float64() >= cfg.ErrorRate {
		return 0, false
	}
	status := cfg.ErrorStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, true
}

// wordPool feeds generated completion text.
var wordPool = []string{
	"routing", "requests", "through", "the", "healthiest", "pool", "keeps",
	"latency", "low", "while", "fallback", "chains", "absorb", "upstream",
	"outages", "and", "breakers", "shed", "load", "until", "providers",
	"recover", "from", "transient", "failures",
}

// completionText returns roughly n words of generated text.
func completionText(n int) string {
	if n <= 0 {
		n = 1
	}
	words := make([]string, n)
	for i := range words {
		words[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(words, " ") + "."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpenAIError writes the OpenAI error envelope the gateway's error
// parser understands.
func writeOpenAIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}

// sse writes one SSE data frame and flushes.
func sse(w http.ResponseWriter, payload any) {
	data, _ := json.Marshal(payload)
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
