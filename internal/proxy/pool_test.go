package proxy

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Switchdotnew/switch-router-sub001/internal/breaker"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
)

// fakeAdapter is a scriptable providers.Adapter.
type fakeAdapter struct {
	name string

	mu    sync.Mutex
	calls int
	err   error
	resp  *providers.ChatResponse
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) ChatCompletion(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &providers.ChatResponse{ID: "chatcmpl-" + f.name, Model: f.name}, nil
}

func (f *fakeAdapter) StreamChatCompletion(_ context.Context, _ *providers.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader("data: {}\n\ndata: [DONE]\n\n")), nil
}

func (f *fakeAdapter) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func providerCfg(name string) *providers.Config {
	return &providers.Config{
		Name:           name,
		Kind:           "openai",
		CredentialsRef: "test",
		ModelName:      "test-model",
		Priority:       1,
		Weight:         1,
	}
}

// testPoolManager wires a PoolManager where every provider is a fakeAdapter.
// Breakers are enabled with a single-failure trip so tests can exercise
// open-circuit paths deterministically.
func testPoolManager(t *testing.T, pools []PoolConfig, modelPools map[string]string) (*PoolManager, map[string]*fakeAdapter) {
	t.Helper()

	fakes := make(map[string]*fakeAdapter)
	adapters := make(map[string]map[string]providers.Adapter)
	for _, p := range pools {
		adapters[p.ID] = make(map[string]providers.Adapter)
		for _, pc := range p.Providers {
			f := &fakeAdapter{name: pc.Name}
			fakes[ProviderKey(p.ID, pc.Name)] = f
			adapters[p.ID][pc.Name] = f
		}
	}

	health := NewHealthManager(breaker.Config{
		Enabled:           true,
		MinRequests:       1,
		ErrorThresholdPct: 1,
		ResetTimeout:      time.Minute,
	}, nil)

	return NewPoolManager(pools, modelPools, adapters, health, nil), fakes
}

func testRequestContext(t *testing.T) *RequestContext {
	t.Helper()
	rctx := NewRequestContext(context.Background(), "req-test", 5*time.Second)
	t.Cleanup(rctx.Cancel)
	return rctx
}

func chatOp(adapter providers.Adapter, _ *providers.Config, rctx *RequestContext) (any, error) {
	return adapter.ChatCompletion(rctx.Context(), &providers.ChatRequest{})
}

func TestExecuteWithPoolFallback_Primary(t *testing.T) {
	pools := []PoolConfig{
		{ID: "primary", Providers: []*providers.Config{providerCfg("openai-main")}},
	}
	pm, _ := testPoolManager(t, pools, map[string]string{"my-model": "primary"})

	res, err := pm.ExecuteWithPoolFallback("my-model", testRequestContext(t), chatOp)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if res.UsedPool != "primary" || res.UsedProvider != "openai-main" {
		t.Errorf("routed to %s/%s", res.UsedPool, res.UsedProvider)
	}
	if res.UsedFallback {
		t.Error("primary pool success must not be marked as fallback")
	}
}

func TestExecuteWithPoolFallback_FailsOverToBackup(t *testing.T) {
	pools := []PoolConfig{
		{ID: "primary", FallbackPoolIDs: []string{"backup"}, Providers: []*providers.Config{providerCfg("openai-main")}},
		{ID: "backup", Providers: []*providers.Config{providerCfg("anthropic-backup")}},
	}
	pm, fakes := testPoolManager(t, pools, map[string]string{"my-model": "primary"})
	fakes[ProviderKey("primary", "openai-main")].setErr(providers.NewError("openai-main", 500, "upstream exploded"))

	res, err := pm.ExecuteWithPoolFallback("my-model", testRequestContext(t), chatOp)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if res.UsedPool != "backup" || res.UsedProvider != "anthropic-backup" {
		t.Errorf("routed to %s/%s, want backup/anthropic-backup", res.UsedPool, res.UsedProvider)
	}
	if !res.UsedFallback {
		t.Error("fallback pool success must set UsedFallback")
	}
}

func TestExecuteWithPoolFallback_ChainExhausted(t *testing.T) {
	pools := []PoolConfig{
		{ID: "primary", FallbackPoolIDs: []string{"backup"}, Providers: []*providers.Config{providerCfg("openai-main")}},
		{ID: "backup", Providers: []*providers.Config{providerCfg("anthropic-backup")}},
	}
	pm, fakes := testPoolManager(t, pools, map[string]string{"my-model": "primary"})
	for _, f := range fakes {
		f.setErr(providers.NewError(f.name, 503, "overloaded"))
	}

	_, err := pm.ExecuteWithPoolFallback("my-model", testRequestContext(t), chatOp)
	var allFailed *AllPoolsFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllPoolsFailedError, got %v", err)
	}
	if len(allFailed.Attempted) != 2 || allFailed.Attempted[0] != "primary" || allFailed.Attempted[1] != "backup" {
		t.Errorf("attempted = %v", allFailed.Attempted)
	}
	if allFailed.Model != "my-model" {
		t.Errorf("model = %q", allFailed.Model)
	}
}

func TestExecuteWithPoolFallback_UnknownModel(t *testing.T) {
	pm, _ := testPoolManager(t, []PoolConfig{
		{ID: "primary", Providers: []*providers.Config{providerCfg("openai-main")}},
	}, map[string]string{"my-model": "primary"})

	_, err := pm.ExecuteWithPoolFallback("nope", testRequestContext(t), chatOp)
	if !errors.Is(err, ErrNoPoolsConfigured) {
		t.Fatalf("expected ErrNoPoolsConfigured, got %v", err)
	}
}

func TestChainFor_StopsOnCycle(t *testing.T) {
	pools := []PoolConfig{
		{ID: "a", FallbackPoolIDs: []string{"b"}, Providers: []*providers.Config{providerCfg("p1")}},
		{ID: "b", FallbackPoolIDs: []string{"a"}, Providers: []*providers.Config{providerCfg("p2")}},
	}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "a"})

	chain := pm.chainFor("m")
	if len(chain) != 2 || chain[0] != "a" || chain[1] != "b" {
		t.Errorf("chain = %v, want [a b]", chain)
	}
}

func TestChainFor_DiamondVisitsOnce(t *testing.T) {
	pools := []PoolConfig{
		{ID: "a", FallbackPoolIDs: []string{"b", "c"}, Providers: []*providers.Config{providerCfg("p1")}},
		{ID: "b", FallbackPoolIDs: []string{"d"}, Providers: []*providers.Config{providerCfg("p2")}},
		{ID: "c", FallbackPoolIDs: []string{"d"}, Providers: []*providers.Config{providerCfg("p3")}},
		{ID: "d", Providers: []*providers.Config{providerCfg("p4")}},
	}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "a"})

	chain := pm.chainFor("m")
	want := []string{"a", "b", "d", "c"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("chain = %v, want %v", chain, want)
		}
	}
}

func TestExecuteWithPoolFallback_SkipsPoolWithOpenBreakers(t *testing.T) {
	pools := []PoolConfig{
		{ID: "primary", FallbackPoolIDs: []string{"backup"}, Providers: []*providers.Config{providerCfg("openai-main")}},
		{ID: "backup", Providers: []*providers.Config{providerCfg("anthropic-backup")}},
	}
	pm, fakes := testPoolManager(t, pools, map[string]string{"my-model": "primary"})

	// One failed probe trips the single-failure breaker for the primary
	// provider; the pool then has no admissible providers.
	pm.health.ObserveHealthCheck(ProviderKey("primary", "openai-main"), errors.New("connection refused"), 0)

	res, err := pm.ExecuteWithPoolFallback("my-model", testRequestContext(t), chatOp)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if res.UsedPool != "backup" {
		t.Errorf("routed to %s, want backup", res.UsedPool)
	}
	if fakes[ProviderKey("primary", "openai-main")].callCount() != 0 {
		t.Error("provider behind an open breaker must not be called")
	}
}

func TestSelectRoundRobin_CyclesInOrder(t *testing.T) {
	cfgs := []*providers.Config{providerCfg("a"), providerCfg("b"), providerCfg("c")}
	pools := []PoolConfig{{ID: "p", Strategy: StrategyRoundRobin, Providers: cfgs}}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "p"})
	p := pm.pools["p"]

	got := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		got = append(got, pm.selectRoundRobin(p, cfgs).Name)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
}

func TestSelectCostOptimized_MissingCostWins(t *testing.T) {
	cheap := providerCfg("cheap")
	cheap.CostPerToken = 0.001
	free := providerCfg("unpriced") // no cost configured, compares as zero
	pricey := providerCfg("pricey")
	pricey.CostPerToken = 0.01

	pools := []PoolConfig{{ID: "p", Strategy: StrategyCostOptimized, Providers: []*providers.Config{cheap, free, pricey}}}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "p"})

	if got := pm.selectCostOptimized([]*providers.Config{cheap, free, pricey}); got.Name != "unpriced" {
		t.Errorf("selected %s, want unpriced", got.Name)
	}
	if got := pm.selectCostOptimized([]*providers.Config{cheap, pricey}); got.Name != "cheap" {
		t.Errorf("selected %s, want cheap", got.Name)
	}
}

func TestSelectLeastConnections(t *testing.T) {
	cfgs := []*providers.Config{providerCfg("busy"), providerCfg("idle")}
	pools := []PoolConfig{{ID: "p", Strategy: StrategyLeastConnections, Providers: cfgs}}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "p"})
	p := pm.pools["p"]

	p.connCounts["busy"] = 5
	if got := pm.selectLeastConnections(p, cfgs); got.Name != "idle" {
		t.Errorf("selected %s, want idle", got.Name)
	}
}

func TestSelectWeighted_HonorsWeights(t *testing.T) {
	heavy := providerCfg("heavy")
	heavy.Weight = 99
	light := providerCfg("light")
	light.Weight = 1

	pools := []PoolConfig{{ID: "p", Strategy: StrategyWeighted, Providers: []*providers.Config{heavy, light}}}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "p"})

	heavyWins := 0
	for i := 0; i < 200; i++ {
		if pm.selectWeighted([]*providers.Config{heavy, light}).Name == "heavy" {
			heavyWins++
		}
	}
	if heavyWins < 150 {
		t.Errorf("heavy provider won %d/200 draws, expected a large majority", heavyWins)
	}
}

func TestSelectFastestResponse_UnsampledSortsLast(t *testing.T) {
	fast := providerCfg("fast")
	fresh := providerCfg("fresh")
	pools := []PoolConfig{{ID: "p", Strategy: StrategyFastestResponse, Providers: []*providers.Config{fast, fresh}}}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "p"})
	p := pm.pools["p"]

	pm.health.ObserveHealthCheck(ProviderKey("p", "fast"), nil, 20*time.Millisecond)

	if got := pm.selectFastestResponse(p, []*providers.Config{fast, fresh}); got.Name != "fast" {
		t.Errorf("selected %s, want fast (fresh has no samples)", got.Name)
	}
}

func TestPoolHealth_UnhealthyBelowMinProviders(t *testing.T) {
	pools := []PoolConfig{{
		ID:                  "p",
		MinHealthyProviders: 2,
		Providers:           []*providers.Config{providerCfg("a"), providerCfg("b")},
	}}
	pm, _ := testPoolManager(t, pools, map[string]string{"m": "p"})

	if h := pm.PoolHealth("p"); h.Status != "healthy" {
		t.Fatalf("status = %s, want healthy", h.Status)
	}

	pm.health.ObserveHealthCheck(ProviderKey("p", "a"), errors.New("boom"), 0)
	pm.invalidateHealth("p")

	h := pm.PoolHealth("p")
	if h.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", h.Status)
	}
	if h.HealthyProviders != 1 || h.TotalProviders != 2 {
		t.Errorf("providers = %d/%d, want 1/2", h.HealthyProviders, h.TotalProviders)
	}
	if h.Score > 50 {
		t.Errorf("score = %d, expected the min-providers penalty", h.Score)
	}
}

func TestPoolHealth_UnknownPool(t *testing.T) {
	pm, _ := testPoolManager(t, []PoolConfig{
		{ID: "p", Providers: []*providers.Config{providerCfg("a")}},
	}, nil)
	if pm.PoolHealth("nope") != nil {
		t.Error("unknown pool must return nil health")
	}
}

func TestPoolOwning(t *testing.T) {
	pools := []PoolConfig{
		{ID: "primary", FallbackPoolIDs: []string{"backup"}, Providers: []*providers.Config{providerCfg("openai-main")}},
		{ID: "backup", Providers: []*providers.Config{providerCfg("anthropic-backup")}},
	}
	pm, _ := testPoolManager(t, pools, map[string]string{"my-model": "primary"})

	if pool, ok := pm.PoolOwning("my-model", "anthropic-backup"); !ok || pool != "backup" {
		t.Errorf("PoolOwning = %q, %v", pool, ok)
	}
	if _, ok := pm.PoolOwning("my-model", "nope"); ok {
		t.Error("unknown provider must not resolve")
	}
}

func TestMetrics_CountsOutcomes(t *testing.T) {
	pools := []PoolConfig{{ID: "p", Providers: []*providers.Config{providerCfg("a")}}}
	pm, fakes := testPoolManager(t, pools, map[string]string{"m": "p"})

	if _, err := pm.ExecuteWithPoolFallback("m", testRequestContext(t), chatOp); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	fakes[ProviderKey("p", "a")].setErr(errors.New("boom"))
	_, _ = pm.ExecuteWithPoolFallback("m", testRequestContext(t), chatOp)

	m := pm.Metrics("p")
	if m.Requests != 2 || m.Successes != 1 || m.Failures != 1 {
		t.Errorf("metrics = %+v", m)
	}
}
