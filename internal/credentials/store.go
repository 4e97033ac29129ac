package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// resolveBudget bounds a single credential resolution. Resolution may touch
// disk, env, or the network (metadata services) and must never eat the whole
// request deadline.
const resolveBudget = 10 * time.Second

// StoreConfig is the validated configuration for one credential store.
type StoreConfig struct {
	// ID is an optional numeric alias. 0 means unset.
	ID int

	// Name is the unique store name providers reference.
	Name string

	// Type selects the store implementation: simple | aws | google | azure | oauth.
	Type string

	// Source describes where the secret material comes from:
	// env | file | vault | aws-secrets | inline.
	Source string

	// Config holds type-specific settings (apiKey / apiKeyVar for simple
	// stores, key material and region for aws stores, ...).
	Config map[string]string

	// CacheTTL caches the resolved credential for this long. 0 caches until
	// the credential itself reports expiry.
	CacheTTL time.Duration
}

// Store resolves credentials for one named configuration.
type Store interface {
	Name() string

	// Resolve returns the current credential, resolving from the source on
	// first use and whenever the cached value expires.
	Resolve(ctx context.Context) (Credential, error)

	// Dispose releases any resources held by the store.
	Dispose(ctx context.Context) error
}

// resolver is the type-specific part of a store; cachingStore supplies lazy
// initialization and TTL caching around it.
type resolver interface {
	resolve(ctx context.Context) (Credential, error)
}

// cachingStore wraps a resolver with TTL caching. The cached credential is
// discarded when it reports expiry or when the TTL elapses.
type cachingStore struct {
	name string
	ttl  time.Duration
	impl resolver
	log  *slog.Logger

	mu       sync.Mutex
	cached   Credential
	cachedAt time.Time
}

func newCachingStore(name string, ttl time.Duration, impl resolver, log *slog.Logger) *cachingStore {
	if log == nil {
		log = slog.Default()
	}
	return &cachingStore{name: name, ttl: ttl, impl: impl, log: log}
}

func (s *cachingStore) Name() string { return s.name }

func (s *cachingStore) Resolve(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveBudget)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && !s.cached.Expired() {
		if s.ttl <= 0 || time.Since(s.cachedAt) < s.ttl {
			return s.cached, nil
		}
	}

	cred, err := s.impl.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: store %s: %w", s.name, err)
	}
	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("credentials: store %s: %w", s.name, err)
	}

	s.cached = cred
	s.cachedAt = time.Now()
	return cred, nil
}

func (s *cachingStore) Dispose(_ context.Context) error {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	return nil
}

// Invalidate drops the cached credential, forcing the next Resolve to
// re-read the source. Used by rotation hooks.
func (s *cachingStore) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
