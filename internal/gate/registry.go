package gate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Domain is one sending domain known to the gate. Messages from
// domains not in the registry, or from disabled ones, never reach the
// broker.
type Domain struct {
	Name           string `toml:"name"`
	Enabled        bool   `toml:"enabled"`
	MaxMessageSize int64  `toml:"max_message_size"`
	AgentGroup     string `toml:"agent_group"`
}

// DomainLoader fetches the current domain set from wherever it is
// mastered. The registry caches the result between refreshes.
type DomainLoader func(ctx context.Context) ([]Domain, error)

// Registry is the cached set of sending domains. Lookups are served
// from memory; Refresh swaps the whole set at once so readers never
// observe a partial update.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]Domain
	loader  DomainLoader
	logger  *slog.Logger

	refreshed time.Time
}

// NewRegistry seeds a registry with a static domain set. A loader may
// be attached for periodic refreshes; pass nil for a purely static
// registry.
func NewRegistry(domains []Domain, loader DomainLoader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		loader: loader,
		logger: logger.With("component", "domain-registry"),
	}
	r.Replace(domains)
	return r
}

// Replace swaps the cached domain set.
func (r *Registry) Replace(domains []Domain) {
	next := make(map[string]Domain, len(domains))
	for _, d := range domains {
		next[strings.ToLower(d.Name)] = d
	}
	r.mu.Lock()
	r.domains = next
	r.refreshed = time.Now()
	r.mu.Unlock()
}

// Refresh reloads the domain set through the loader. Without a loader
// it is a no-op. On loader failure the previous set stays in place.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}
	domains, err := r.loader(ctx)
	if err != nil {
		r.logger.Warn("Domain refresh failed, keeping cached set", "error", err)
		return err
	}
	r.Replace(domains)
	r.logger.Debug("Domain registry refreshed", "domains", len(domains))
	return nil
}

// Lookup returns the domain entry for name, matching case
// insensitively.
func (r *Registry) Lookup(name string) (Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[strings.ToLower(name)]
	return d, ok
}

// Len reports the number of cached domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.domains)
}
