// Package predicate evaluates conditional-schedule predicates against a
// constrained, read-only capability surface. Evaluation is deterministic for
// a given (predicate, evaluation time, subject value) and never mutates state.
package predicate

import (
	"context"
	"sync"

	"automation-scheduler/internal/models"
)

// ResolveFunc reads the current value of a subject. It must be free of side
// effects; the bool reports whether the subject resolved to a non-empty value.
type ResolveFunc func(ctx context.Context, actor models.ActorContext, evalCtx map[string]string) (string, bool, error)

// Capability is one resolvable subject. Only read-only capabilities may be
// used as predicate subjects; anything capable of create/update/delete/send
// is registered with ReadOnly=false and rejected at evaluation time.
type Capability struct {
	Name     string
	ReadOnly bool
	Resolve  ResolveFunc
}

// Registry is the capability surface exposed to the evaluator.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds or replaces a capability.
func (r *Registry) Register(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Name] = cap
}

// Lookup finds a capability by subject name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[name]
	return cap, ok
}
