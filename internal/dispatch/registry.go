package dispatch

import (
	"fmt"
	"sort"
	"sync"

	dom "github.com/cuihairu/countersign/internal/ports"
)

type entry struct {
	d      Dispatcher
	policy *RetryPolicy
}

// Registry maps connector names to dispatchers and optional retry overrides.
type Registry struct {
	mu sync.RWMutex
	m  map[string]entry
}

func NewRegistry() *Registry { return &Registry{m: map[string]entry{}} }

// Register adds d under d.Connector(). policy, when non-nil, overrides the
// global retry policy for that connector.
func (r *Registry) Register(d Dispatcher, policy *RetryPolicy) error {
	if d == nil || d.Connector() == "" {
		return fmt.Errorf("register dispatcher: empty connector: %w", dom.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[d.Connector()]; ok {
		return fmt.Errorf("connector %q already registered: %w", d.Connector(), dom.ErrConflict)
	}
	var p *RetryPolicy
	if policy != nil {
		cp := *policy
		p = &cp
	}
	r.m[d.Connector()] = entry{d: d, policy: p}
	return nil
}

// MustRegister is Register that panics, for wiring at startup.
func (r *Registry) MustRegister(d Dispatcher, policy *RetryPolicy) {
	if err := r.Register(d, policy); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(connector string) (Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[connector]
	return e.d, ok
}

// PolicyFor returns the effective retry policy for connector. Zero fields of
// an override fall back to global.
func (r *Registry) PolicyFor(connector string, global RetryPolicy) RetryPolicy {
	r.mu.RLock()
	e, ok := r.m[connector]
	r.mu.RUnlock()
	if !ok || e.policy == nil {
		return global
	}
	p := *e.policy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = global.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = global.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = global.MaxDelay
	}
	if p.Observer == nil {
		p.Observer = global.Observer
	}
	return p
}

// Connectors lists registered connector names in sorted order.
func (r *Registry) Connectors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
