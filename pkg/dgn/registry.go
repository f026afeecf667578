package dgn

import (
	"sync"

	"github.com/thatdot/streamgraph/pkg/types"
)

// InMemoryRegistry is a reference Registry backed by a map, suitable
// for single-process deployments and tests. A clustered deployment
// would instead serve DGN definitions from the same persistence layer
// standing queries are registered against (out of scope, spec §1).
type InMemoryRegistry struct {
	mu   sync.RWMutex
	defs map[types.DomainGraphNodeId]Definition
}

// NewInMemoryRegistry returns an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{defs: make(map[types.DomainGraphNodeId]Definition)}
}

// Register adds or replaces a DGN definition.
func (r *InMemoryRegistry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Id] = def
}

// Deregister removes a DGN definition, as happens when the standing
// query it belongs to is cancelled.
func (r *InMemoryRegistry) Deregister(id types.DomainGraphNodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
}

func (r *InMemoryRegistry) IsRegistered(id types.DomainGraphNodeId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

func (r *InMemoryRegistry) Get(id types.DomainGraphNodeId) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

var _ Registry = (*InMemoryRegistry)(nil)
