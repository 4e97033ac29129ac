package proxy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/factory"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
)

func testFactory(t *testing.T) (*factory.Factory, *credentials.Registry) {
	t.Helper()
	creds := credentials.NewRegistry(nil)
	_, err := creds.Register(credentials.StoreConfig{
		Name:   "test",
		Type:   "simple",
		Source: "inline",
		Config: map[string]string{"apiKey": "sk-test-1234567890"},
	})
	if err != nil {
		t.Fatalf("register store: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = creds.Dispose(ctx)
	})
	return factory.New(creds, modelregistry.New(nil)), creds
}

func validRouterConfig() RouterConfig {
	return RouterConfig{
		Pools: []PoolConfig{
			{ID: "primary", FallbackPoolIDs: []string{"backup"}, Providers: []*providers.Config{providerCfg("openai-main")}},
			{ID: "backup", Providers: []*providers.Config{providerCfg("anthropic-backup")}},
		},
		Models: map[string]ModelConfig{
			"my-model": {PrimaryPoolID: "primary"},
		},
		Breaker: breaker.Config{Enabled: true},
	}
}

func TestNewRouter_Valid(t *testing.T) {
	fac, creds := testFactory(t)

	r, err := NewRouter(validRouterConfig(), creds, fac, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	if !r.IsModelSupported("my-model") {
		t.Error("my-model must be routable")
	}
	if r.IsModelSupported("nope") {
		t.Error("unknown model must not be routable")
	}
	if got := r.SupportedModels(); len(got) != 1 || got[0] != "my-model" {
		t.Errorf("models = %v", got)
	}
	if got := r.ModelToPoolMapping(); got["my-model"] != "primary" {
		t.Errorf("mapping = %v", got)
	}
}

func TestNewRouter_InlineKeyProvider(t *testing.T) {
	fac, creds := testFactory(t)

	inline := providerCfg("inline-key")
	inline.CredentialsRef = ""
	inline.APIKey = "sk-direct-key-123"

	cfg := validRouterConfig()
	cfg.Pools[0].Providers = []*providers.Config{inline}

	r, err := NewRouter(cfg, creds, fac, nil)
	if err != nil {
		t.Fatalf("inline-key provider must build without a store reference: %v", err)
	}
	if !r.IsModelSupported("my-model") {
		t.Error("my-model must be routable")
	}
}

func TestNewRouter_CollectsEveryOffender(t *testing.T) {
	fac, creds := testFactory(t)

	bad := providerCfg("bad-ref")
	bad.CredentialsRef = "no-such-store"
	missingModel := providerCfg("no-model")
	missingModel.ModelName = ""

	cfg := RouterConfig{
		Pools: []PoolConfig{
			{ID: "primary", FallbackPoolIDs: []string{"ghost-pool"}, Providers: []*providers.Config{bad, missingModel}},
		},
		Models: map[string]ModelConfig{
			"my-model": {PrimaryPoolID: "other-ghost"},
		},
	}

	_, err := NewRouter(cfg, creds, fac, nil)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"ghost-pool", "other-ghost", "no-such-store", "modelName"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing offender %q", err.Error(), want)
		}
	}
}

func TestRouter_SupportsLegacyCompletions(t *testing.T) {
	fac, creds := testFactory(t)

	anthropicProv := providerCfg("claude")
	anthropicProv.Kind = "anthropic"

	cfg := RouterConfig{
		Pools: []PoolConfig{
			{ID: "oa", Providers: []*providers.Config{providerCfg("openai-main")}},
			{ID: "an", Providers: []*providers.Config{anthropicProv}},
		},
		Models: map[string]ModelConfig{
			"gpt-model":    {PrimaryPoolID: "oa"},
			"claude-model": {PrimaryPoolID: "an"},
		},
	}

	r, err := NewRouter(cfg, creds, fac, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	if !r.SupportsLegacyCompletions("gpt-model") {
		t.Error("pure OpenAI-compatible pool must support legacy completions")
	}
	if r.SupportsLegacyCompletions("claude-model") {
		t.Error("chat-only pool must not support legacy completions")
	}
	if r.SupportsLegacyCompletions("nope") {
		t.Error("unknown model must not support legacy completions")
	}
}

func TestRouter_WithModelDefaults(t *testing.T) {
	fac, creds := testFactory(t)

	cfg := validRouterConfig()
	cfg.Models["my-model"] = ModelConfig{
		PrimaryPoolID:     "primary",
		DefaultParameters: map[string]any{"temperature": 0.7, "max_tokens": 256},
	}

	r, err := NewRouter(cfg, creds, fac, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	merged := r.withModelDefaults("my-model", map[string]any{"temperature": 0.2})
	if merged["temperature"] != 0.2 {
		t.Errorf("caller temperature must win, got %v", merged["temperature"])
	}
	if merged["max_tokens"] != 256 {
		t.Errorf("model default must fill the gap, got %v", merged["max_tokens"])
	}
}

func TestRouter_ResetProvider(t *testing.T) {
	fac, creds := testFactory(t)

	r, err := NewRouter(validRouterConfig(), creds, fac, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	if err := r.ResetProvider("my-model", "anthropic-backup"); err != nil {
		t.Errorf("reset of a chain provider must succeed: %v", err)
	}
	if err := r.ResetProvider("my-model", "ghost"); err == nil {
		t.Error("reset of an unknown provider must fail")
	}
	if err := r.ResetProvider("ghost-model", "openai-main"); err == nil {
		t.Error("reset under an unknown model must fail")
	}
}

// blockingLimiter scripts RateLimiter outcomes per provider.
type blockingLimiter struct {
	blocked map[string]bool
	err     error
}

func (l *blockingLimiter) Allow(_ context.Context, provider string, _ int) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	return !l.blocked[provider], nil
}

func TestRouter_AllowProvider(t *testing.T) {
	r := &Router{}

	limited := providerCfg("limited")
	limited.RateLimits = &providers.RateLimits{RequestsPerMinute: 10}
	unlimited := providerCfg("unlimited")

	// No limiter installed: everything passes.
	if err := r.allowProvider(context.Background(), limited); err != nil {
		t.Fatalf("nil limiter must pass: %v", err)
	}

	r.SetRateLimiter(&blockingLimiter{blocked: map[string]bool{"limited": true}})

	err := r.allowProvider(context.Background(), limited)
	var provErr *providers.Error
	if err == nil {
		t.Fatal("blocked provider must error")
	}
	if !errors.As(err, &provErr) || provErr.Status != 429 || !provErr.RateLimited {
		t.Fatalf("expected retryable 429, got %v", err)
	}

	if err := r.allowProvider(context.Background(), unlimited); err != nil {
		t.Errorf("provider without a cap must pass: %v", err)
	}
}

func TestRouter_AllowProviderFailsOpen(t *testing.T) {
	r := &Router{}
	r.SetRateLimiter(&blockingLimiter{err: context.DeadlineExceeded})

	limited := providerCfg("limited")
	limited.RateLimits = &providers.RateLimits{RequestsPerMinute: 10}

	if err := r.allowProvider(context.Background(), limited); err != nil {
		t.Errorf("limiter backend errors must fail open: %v", err)
	}
}
