package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry lookup and registration errors.
var (
	ErrDuplicate = errors.New("credential store already registered")
	ErrNotFound  = errors.New("credential store not found")
)

// Registry holds credential stores by name with an optional bijective
// numeric-id alias per store. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Store
	byID   map[int]string
	log    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byName: make(map[string]Store),
		byID:   make(map[int]string),
		log:    log,
	}
}

// Register builds the store for cfg and adds it under cfg.Name (and cfg.ID
// when set). A repeated name or id fails with ErrDuplicate.
func (r *Registry) Register(cfg StoreConfig) (Store, error) {
	store, err := buildStore(cfg, r.log)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[cfg.Name]; ok {
		return nil, fmt.Errorf("credentials: %q: %w", cfg.Name, ErrDuplicate)
	}
	if cfg.ID != 0 {
		if existing, ok := r.byID[cfg.ID]; ok {
			return nil, fmt.Errorf("credentials: id %d already maps to %q: %w", cfg.ID, existing, ErrDuplicate)
		}
		r.byID[cfg.ID] = cfg.Name
	}
	r.byName[cfg.Name] = store
	return store, nil
}

// buildStore dispatches on the configured store type.
func buildStore(cfg StoreConfig, log *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "simple", "":
		return NewSimpleStore(cfg, log)
	case "aws":
		return NewAWSStore(cfg, log)
	case "google", "azure", "oauth":
		// These types authenticate with a single key/token in practice; the
		// simple store covers them until dedicated stores exist.
		return NewSimpleStore(cfg, log)
	default:
		return nil, fmt.Errorf("credentials: store %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// Lookup resolves a store reference. The reference may be a store name, a
// numeric id, or the decimal string form of a numeric id.
func (r *Registry) Lookup(ref string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.byName[ref]; ok {
		return s, nil
	}
	if id, err := strconv.Atoi(ref); err == nil {
		if name, ok := r.byID[id]; ok {
			return r.byName[name], nil
		}
	}
	return nil, fmt.Errorf("credentials: %q: %w", ref, ErrNotFound)
}

// LookupID resolves a store by its numeric id.
func (r *Registry) LookupID(id int) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("credentials: id %d: %w", id, ErrNotFound)
	}
	return r.byName[name], nil
}

// Names returns the registered store names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}

// Dispose disposes all stores concurrently, collecting the first error.
func (r *Registry) Dispose(ctx context.Context) error {
	r.mu.Lock()
	stores := make([]Store, 0, len(r.byName))
	for _, s := range r.byName {
		stores = append(stores, s)
	}
	r.byName = make(map[string]Store)
	r.byID = make(map[int]string)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stores {
		g.Go(func() error {
			return s.Dispose(gctx)
		})
	}
	return g.Wait()
}
