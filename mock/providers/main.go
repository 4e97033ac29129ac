// Command providers runs lightweight HTTP mock servers that simulate each
// upstream LLM API the gateway routes. It is used for E2E/load testing of
// pool failover without real credentials.
//
// Each provider listens on its own port:
//
//	OpenAI / OpenAI-compat  :19001
//	Anthropic               :19002
//	Bedrock                 :19003
//
// Port overrides: PORT_OPENAI, PORT_ANTHROPIC, PORT_BEDROCK.
//
// Behaviour knobs (via env), shared and per provider so upstreams in one
// pool can degrade independently:
//
//	MOCK_LATENCY_MS    — artificial latency per response (default 0)
//	MOCK_ERROR_RATE    — fraction [0,1] of failing requests (default 0)
//	MOCK_ERROR_STATUS  — status injected failures return (default 500)
//	MOCK_STREAM_WORDS  — words per streamed response (default 10)
//	MOCK_OPENAI_*, MOCK_ANTHROPIC_*, MOCK_BEDROCK_* — per-provider overrides
//	                     of the four knobs above
//
// Requests may also override latency and errors per call with the
// x-mock-latency-ms, x-mock-error-rate, and x-mock-error-status headers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config holds the behaviour knobs for one mock provider.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	ErrorStatus int
	StreamWords int
}

// loadConfig reads the shared defaults from MOCK_* env vars.
func loadConfig() Config {
	c := Config{StreamWords: 10}
	c.applyEnv("MOCK_")
	return c
}

// forProvider overlays MOCK_<NAME>_* env vars on the shared defaults.
func (c Config) forProvider(name string) Config {
	c.applyEnv("MOCK_" + strings.ToUpper(name) + "_")
	return c
}

func (c *Config) applyEnv(prefix string) {
	if v := os.Getenv(prefix + "LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv(prefix + "ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv(prefix + "ERROR_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 400 && n < 600 {
			c.ErrorStatus = n
		}
	}
	if v := os.Getenv(prefix + "STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	base := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", base.LatencyMS),
		slog.Float64("error_rate", base.ErrorRate),
		slog.Int("stream_words", base.StreamWords),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(base.forProvider("openai")), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(base.forProvider("anthropic")), log),
		startServer("bedrock", ":"+portFromEnv("PORT_BEDROCK", 19003), newBedrockHandler(base.forProvider("bedrock")), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
