package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderFactory builds a Provider for a concrete model name.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes provider names to factories so a session can pick its
// backend at turn time. Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register installs a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f ProviderFactory) {
	key := normalizeName(name)
	r.mu.Lock()
	r.factories[key] = f
	r.mu.Unlock()
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Get builds a provider for the session's backend choice.
func (r *Registry) Get(ctx context.Context, name, model string) (Provider, error) {
	key := normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider %q (registered: %s)",
			name, strings.Join(r.Names(), ", "))
	}
	return f(ctx, model)
}
