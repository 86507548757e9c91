// Package layers provides the default cognitive-layer adapters and the
// in-memory knowledge base they consult. The orchestrator treats layers
// as opaque scorers; these implementations exist so the pipeline has
// evidence producers out of the box.
package layers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/morphine-live/morphine-core/internal/orchestrator"
)

// MemoryKnowledgeBase is a concurrent map with read-only access during
// pipeline runs. Seeding happens at startup.
type MemoryKnowledgeBase struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
}

// NewMemoryKnowledgeBase creates an empty knowledge base.
func NewMemoryKnowledgeBase() *MemoryKnowledgeBase {
	return &MemoryKnowledgeBase{entries: make(map[string]json.RawMessage)}
}

// Seed inserts or replaces entries. Not for use mid-run.
func (kb *MemoryKnowledgeBase) Seed(entries map[string]json.RawMessage) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	for k, v := range entries {
		kb.entries[k] = v
	}
}

// Lookup returns the entry for a key.
func (kb *MemoryKnowledgeBase) Lookup(key string) (json.RawMessage, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	v, ok := kb.entries[key]
	return v, ok
}

// Keys returns all entry keys.
func (kb *MemoryKnowledgeBase) Keys() []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]string, 0, len(kb.entries))
	for k := range kb.entries {
		out = append(out, k)
	}
	return out
}

// ContextLayer scores a context by the density of its partial data and
// the evidence collected from registered AI systems.
type ContextLayer struct {
	logger *zap.Logger
}

// NewContextLayer creates the context adapter.
func NewContextLayer(logger *zap.Logger) *ContextLayer {
	return &ContextLayer{logger: logger}
}

// Process implements orchestrator.Layer.
func (l *ContextLayer) Process(ctx context.Context, sc *orchestrator.StreamingContext, evidence map[string]json.RawMessage, kb orchestrator.KnowledgeBase) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	density := float64(len(sc.PartialData)) * 0.1
	if density > 0.4 {
		density = 0.4
	}
	confidence := clamp(0.4 + density + 0.2*sc.ConfidenceLevel)

	return marshalEvidence(map[string]any{
		"layer":             "context",
		"confidence":        confidence,
		"data_points":       len(sc.PartialData),
		"systems_consulted": len(evidence),
	})
}

// ReasoningLayer applies rule-style inference: knowledge-base hits on the
// submitted data names raise its confidence.
type ReasoningLayer struct {
	logger *zap.Logger
}

// NewReasoningLayer creates the reasoning adapter.
func NewReasoningLayer(logger *zap.Logger) *ReasoningLayer {
	return &ReasoningLayer{logger: logger}
}

// Process implements orchestrator.Layer.
func (l *ReasoningLayer) Process(ctx context.Context, sc *orchestrator.StreamingContext, _ map[string]json.RawMessage, kb orchestrator.KnowledgeBase) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := 0
	if kb != nil {
		for key := range sc.PartialData {
			if _, ok := kb.Lookup(strings.ToLower(key)); ok {
				hits++
			}
		}
	}
	confidence := clamp(0.5 + 0.1*float64(hits))

	return marshalEvidence(map[string]any{
		"layer":          "reasoning",
		"confidence":     confidence,
		"knowledge_hits": hits,
	})
}

// IntuitionLayer produces a fast, low-cost estimate keyed off the
// caller-supplied confidence and processing stage.
type IntuitionLayer struct {
	logger *zap.Logger
}

// NewIntuitionLayer creates the intuition adapter.
func NewIntuitionLayer(logger *zap.Logger) *IntuitionLayer {
	return &IntuitionLayer{logger: logger}
}

// Process implements orchestrator.Layer.
func (l *IntuitionLayer) Process(ctx context.Context, sc *orchestrator.StreamingContext, _ map[string]json.RawMessage, _ orchestrator.KnowledgeBase) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	confidence := clamp(0.3 + 0.6*sc.ConfidenceLevel)
	if sc.Stage == orchestrator.StageComplete {
		confidence = clamp(confidence + 0.1)
	}

	return marshalEvidence(map[string]any{
		"layer":      "intuition",
		"confidence": confidence,
		"stage":      string(sc.Stage),
	})
}

func marshalEvidence(fields map[string]any) (json.RawMessage, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
