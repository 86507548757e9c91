package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// AISystem is a pluggable scorer consulted while gathering evidence for
// the context layer. Any subset of registered systems may fail per call;
// the pipeline tolerates all of them failing.
type AISystem interface {
	Process(ctx context.Context, sc *StreamingContext) (json.RawMessage, error)
	Confidence(input json.RawMessage) float64
	ID() string
	ProcessingTime() time.Duration
}

// Layer is one of the three cognitive evidence producers. Internals are
// opaque to the core; only the call contract matters. The knowledge base
// is read-only for the duration of a pipeline run.
type Layer interface {
	Process(ctx context.Context, sc *StreamingContext, evidence map[string]json.RawMessage, kb KnowledgeBase) (json.RawMessage, error)
}

// KnowledgeBase exposes read-only lookups to the cognitive layers.
type KnowledgeBase interface {
	Lookup(key string) (json.RawMessage, bool)
	Keys() []string
}

// SystemRegistry holds registered AI systems and their trust weights.
type SystemRegistry struct {
	mu      sync.RWMutex
	systems map[string]AISystem
	weights map[string]float64
}

// NewSystemRegistry creates an empty registry.
func NewSystemRegistry() *SystemRegistry {
	return &SystemRegistry{
		systems: make(map[string]AISystem),
		weights: make(map[string]float64),
	}
}

// Register inserts a system and its weight. Re-registering the same id
// overwrites both entries.
func (r *SystemRegistry) Register(system AISystem, weight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := system.ID()
	r.systems[id] = system
	r.weights[id] = weight
}

// Systems returns a snapshot of registered systems keyed by id.
func (r *SystemRegistry) Systems() map[string]AISystem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AISystem, len(r.systems))
	for id, s := range r.systems {
		out[id] = s
	}
	return out
}

// Weight returns the trust weight for a system id, defaulting to 1.0.
func (r *SystemRegistry) Weight(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.weights[id]; ok {
		return w
	}
	return 1.0
}

// Count returns the number of registered systems.
func (r *SystemRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.systems)
}
