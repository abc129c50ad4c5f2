package arbitrage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Registry holds the available strategies for selection by config.
type Registry struct {
	strategies map[domain.StrategyKind]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add strategies.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[domain.StrategyKind]Strategy)}
}

// Register adds a strategy under its kind, replacing any previous one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Kind()] = s
}

// Get returns the strategy by kind, or an error if not found.
func (r *Registry) Get(kind domain.StrategyKind) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("arbitrage strategy %q not found", kind)
	}
	return s, nil
}

// Select resolves a list of configured strategy names. An empty list selects
// every registered strategy.
func (r *Registry) Select(names []string) ([]Strategy, error) {
	if len(names) == 0 {
		names = r.List()
	}
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		s, err := r.Get(domain.StrategyKind(n))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// List returns all registered strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}
