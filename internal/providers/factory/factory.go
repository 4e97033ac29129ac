// Package factory builds provider adapters from validated configuration,
// resolving each provider's credential store from the registry.
package factory

import (
	"fmt"
	"strings"

	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/anthropic"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/bedrock"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/openaicompat"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/vertexai"
)

// defaultBaseURLs maps OpenAI-compatible kinds to their public API roots.
// Kinds absent here require an explicit apiBase.
var defaultBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"together": "https://api.together.xyz/v1",
	"alibaba":  "https://dashscope.aliyuncs.com/compatible-mode/v1",
}

// Factory builds adapters.
type Factory struct {
	creds    *credentials.Registry
	registry *modelregistry.Registry
}

// New creates a Factory.
func New(creds *credentials.Registry, registry *modelregistry.Registry) *Factory {
	return &Factory{creds: creds, registry: registry}
}

// Build constructs the adapter for one provider config. The config must have
// passed Validate.
func (f *Factory) Build(cfg *providers.Config) (providers.Adapter, error) {
	store, err := f.storeFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}

	switch strings.ToLower(cfg.Kind) {
	case "anthropic":
		return anthropic.New(cfg, store, f.registry), nil
	case "bedrock":
		return bedrock.New(cfg, store, f.registry), nil
	case "vertex":
		return vertexai.New(cfg, f.registry), nil
	case "openai", "together", "runpod", "alibaba", "azure", "custom":
		baseURL := cfg.APIBase
		if baseURL == "" {
			baseURL = defaultBaseURLs[strings.ToLower(cfg.Kind)]
		}
		return openaicompat.New(cfg, store, f.registry, strings.TrimRight(baseURL, "/"))
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// storeFor resolves the provider's named credential store, or synthesizes a
// single-key store when the config carries a direct apiKey. The inline store
// uses the same header scheme as any simple store: sk- keys become a bearer
// token, everything else goes out as x-api-key.
func (f *Factory) storeFor(cfg *providers.Config) (credentials.Store, error) {
	if cfg.CredentialsRef != "" {
		return f.creds.Lookup(cfg.CredentialsRef)
	}
	return credentials.NewSimpleStore(credentials.StoreConfig{
		Name:   cfg.Name + "-inline",
		Type:   "simple",
		Source: "inline",
		Config: map[string]string{"apiKey": cfg.APIKey},
	}, nil)
}

// SupportsLegacyCompletions reports whether a provider kind can serve the
// legacy text completions API. Chat-only upstreams cannot.
func SupportsLegacyCompletions(kind string) bool {
	switch strings.ToLower(kind) {
	case "anthropic", "bedrock", "vertex":
		return false
	default:
		return true
	}
}
