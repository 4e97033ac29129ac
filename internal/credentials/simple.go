package credentials

import (
	"context"
	"fmt"
	"log/slog"
)

// simpleResolver resolves a single API key from inline config or an
// environment variable.
type simpleResolver struct {
	apiKey    string // inline value; takes precedence when set
	apiKeyVar string // env var name
}

func (r *simpleResolver) resolve(_ context.Context) (Credential, error) {
	key := r.apiKey
	if key == "" && r.apiKeyVar != "" {
		v, err := resolveEnv(r.apiKeyVar, true)
		if err != nil {
			return nil, err
		}
		key = v
	}
	if key == "" {
		return nil, fmt.Errorf("no apiKey or apiKeyVar configured")
	}
	return Simple{APIKey: key}, nil
}

// NewSimpleStore builds a simple API-key store from its config map.
// Recognised keys: apiKey (inline), apiKeyVar (env indirection).
func NewSimpleStore(cfg StoreConfig, log *slog.Logger) (Store, error) {
	r := &simpleResolver{
		apiKey:    cfg.Config["apiKey"],
		apiKeyVar: cfg.Config["apiKeyVar"],
	}
	if r.apiKey == "" && r.apiKeyVar == "" {
		return nil, fmt.Errorf("credentials: store %s: simple store needs apiKey or apiKeyVar", cfg.Name)
	}
	return newCachingStore(cfg.Name, cfg.CacheTTL, r, log), nil
}
