// Package router executes tasks through a tiered registry of external
// providers: ascending cost order, per-provider rate limiting, health
// filtering, and a free-only degradation fallback when every paid option
// turns out to be mis-configured.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sells-group/resolve-cli/internal/model"
)

// Provider is the adapter contract implemented by each concrete search/API
// client. The router is indifferent to what a provider does; it only needs
// the tier (cost-ordering discriminant), per-call cost, and Execute.
type Provider interface {
	Name() string
	Tier() int
	CostPerCall() float64
	// Credits returns the remaining balance, or nil when unmetered/unknown.
	Credits() *float64
	// Tasks returns the task types this provider can execute.
	Tasks() []model.TaskType
	Execute(ctx context.Context, payload model.Payload) (json.RawMessage, error)
}

// AuthError marks an authentication/authorization failure (401/403,
// invalid-key class). The router's free-only degradation recognizes these
// as distinct from overload or transient failures.
type AuthError struct {
	Provider string
	Status   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %s: auth failure (status %d)", e.Provider, e.Status)
}

// Registry holds registered providers, sorted by ascending tier.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a provider, keeping the tier ordering.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Tier() < r.providers[j].Tier()
	})
}

// ForTask returns providers able to execute taskType with tier <= maxTier,
// ascending by tier. A negative maxTier means no ceiling.
func (r *Registry) ForTask(taskType model.TaskType, maxTier int) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, p := range r.providers {
		if maxTier >= 0 && p.Tier() > maxTier {
			continue
		}
		for _, tt := range p.Tasks() {
			if tt == taskType {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// List returns all registered providers ascending by tier.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
