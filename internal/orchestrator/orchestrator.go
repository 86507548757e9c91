// Package orchestrator drives the per-stream decision pipeline: it fuses
// the three cognitive layers into ranked decisions under the metabolic
// resource model.
package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/morphine-live/morphine-core/internal/metabolic"
)

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	ChannelCapacity  int           // per-stream input/output capacity, default 1000
	LayerTimeout     time.Duration // per-layer budget within a pipeline run, default 2s
	ArchiveThreshold float64       // decisions below this confidence go to the lactate cache, default 0.8
	PartialTTL       time.Duration // lifetime of cached partial results, default 1h
}

func (o Options) withDefaults() Options {
	if o.ChannelCapacity <= 0 {
		o.ChannelCapacity = 1000
	}
	if o.LayerTimeout <= 0 {
		o.LayerTimeout = 2 * time.Second
	}
	if o.ArchiveThreshold <= 0 {
		o.ArchiveThreshold = 0.8
	}
	if o.PartialTTL <= 0 {
		o.PartialTTL = time.Hour
	}
	return o
}

// streamEndpoints is the channel pair owned by one active stream.
type streamEndpoints struct {
	input  chan *StreamingContext
	output chan *MetacognitiveDecision
}

// Orchestrator owns the per-stream channel registry, the AI system
// registry and the three metabolic components.
type Orchestrator struct {
	contextLayer   Layer
	reasoningLayer Layer
	intuitionLayer Layer
	knowledge      KnowledgeBase

	glycolytic *metabolic.GlycolyticCycle
	lactate    *metabolic.LactateCycle
	dreaming   *metabolic.DreamingModule

	registry *SystemRegistry

	mu      sync.Mutex
	streams map[string]*streamEndpoints

	opts   Options
	logger *zap.Logger
}

// New creates an orchestrator and starts the three metabolic background
// loops. Call Stop to halt them.
func New(contextLayer, reasoningLayer, intuitionLayer Layer, kb KnowledgeBase, opts Options, logger *zap.Logger) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		contextLayer:   contextLayer,
		reasoningLayer: reasoningLayer,
		intuitionLayer: intuitionLayer,
		knowledge:      kb,
		glycolytic:     metabolic.NewGlycolyticCycle(logger),
		lactate:        metabolic.NewLactateCycle(opts.PartialTTL, logger),
		dreaming:       metabolic.NewDreamingModule(logger),
		registry:       NewSystemRegistry(),
		streams:        make(map[string]*streamEndpoints),
		opts:           opts,
		logger:         logger,
	}

	o.glycolytic.Start()
	o.lactate.Start()
	o.dreaming.Start()

	return o
}

// Stop halts the metabolic background loops. Active streams keep their
// pipeline goroutines until their input channels close.
func (o *Orchestrator) Stop() {
	o.glycolytic.Stop()
	o.lactate.Stop()
	o.dreaming.Stop()
}

// RegisterAISystem inserts a scorer and its trust weight. Re-registering
// the same id overwrites both.
func (o *Orchestrator) RegisterAISystem(system AISystem, weight float64) {
	o.registry.Register(system, weight)
	o.logger.Info("registered ai system",
		zap.String("system", system.ID()),
		zap.Float64("weight", weight))
}

// CreateStream allocates the bounded channel pair for a stream and starts
// its dedicated pipeline goroutine. The registration is an atomic
// insert-if-absent: concurrent calls for the same id resolve to exactly
// one winning pair and one pipeline goroutine, and the losers receive the
// winner's endpoints.
func (o *Orchestrator) CreateStream(streamID string) (chan<- *StreamingContext, <-chan *MetacognitiveDecision) {
	o.mu.Lock()
	if ep, ok := o.streams[streamID]; ok {
		o.mu.Unlock()
		return ep.input, ep.output
	}

	ep := &streamEndpoints{
		input:  make(chan *StreamingContext, o.opts.ChannelCapacity),
		output: make(chan *MetacognitiveDecision, o.opts.ChannelCapacity),
	}
	o.streams[streamID] = ep
	o.mu.Unlock()

	go o.consumeStream(streamID, ep)

	o.logger.Info("stream created",
		zap.String("stream", streamID),
		zap.Int("capacity", o.opts.ChannelCapacity))

	return ep.input, ep.output
}

// consumeStream is the single consumer of a stream's input channel.
// Contexts are processed strictly in submission order; closing the input
// channel drains in-flight work, closes the output and unregisters the
// stream.
func (o *Orchestrator) consumeStream(streamID string, ep *streamEndpoints) {
	for sc := range ep.input {
		decision := o.processContext(sc)
		o.emit(streamID, ep, decision)
	}

	o.mu.Lock()
	delete(o.streams, streamID)
	o.mu.Unlock()
	close(ep.output)

	o.logger.Info("stream closed", zap.String("stream", streamID))
}

// emit delivers a decision without blocking the pipeline. A full output
// channel drops the decision: delivery is at most once.
func (o *Orchestrator) emit(streamID string, ep *streamEndpoints, decision *MetacognitiveDecision) {
	select {
	case ep.output <- decision:
	default:
		o.logger.Warn("output channel full, dropping decision",
			zap.String("stream", streamID),
			zap.String("decision", decision.DecisionID))
	}
}

// ActiveStreams returns the number of registered streams.
func (o *Orchestrator) ActiveStreams() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streams)
}

// StreamIDs returns the ids of currently registered streams.
func (o *Orchestrator) StreamIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.streams))
	for id := range o.streams {
		ids = append(ids, id)
	}
	return ids
}

// GetSystemHealth returns a read-only snapshot of the metabolic state,
// active-stream count and registered-system count. It never blocks a
// pipeline run beyond the registry's short-held lock.
func (o *Orchestrator) GetSystemHealth() SystemHealth {
	return SystemHealth{
		MetabolicState:    o.assessMetabolicState(),
		ActiveStreams:     o.ActiveStreams(),
		RegisteredSystems: o.registry.Count(),
	}
}

// Glycolytic exposes the scheduler for callers that submit mediated work.
func (o *Orchestrator) Glycolytic() *metabolic.GlycolyticCycle { return o.glycolytic }

// Lactate exposes the partial-result cache for recovery lookups.
func (o *Orchestrator) Lactate() *metabolic.LactateCycle { return o.lactate }

// Dreaming exposes the pattern synthesizer for introspection.
func (o *Orchestrator) Dreaming() *metabolic.DreamingModule { return o.dreaming }

// assessMetabolicState snapshots the three metabolic components.
func (o *Orchestrator) assessMetabolicState() MetabolicState {
	return MetabolicState{
		GlycolyticLoad:     o.glycolytic.CurrentLoad(),
		LactateLevel:       o.lactate.LactateLevel(),
		DreamingActive:     o.dreaming.Active(),
		ResourceAllocation: o.glycolytic.ResourceAllocation(),
	}
}
