package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/morphine-live/morphine-core/internal/metabolic"
)

// neutralEvidence stands in for a layer that failed or timed out. The
// run degrades instead of aborting.
var neutralEvidence = json.RawMessage(`{"confidence":0.5,"degraded":true}`)

// processContext is one full pipeline run: resource assessment, parallel
// layer invocation, weighted fusion, caching and learning hooks.
func (o *Orchestrator) processContext(sc *StreamingContext) *MetacognitiveDecision {
	decisionID := uuid.New().String()

	state := o.assessMetabolicState()
	o.glycolytic.AllocateResources(sc.ConfidenceLevel, state.GlycolyticLoad)

	contextEv, reasoningEv, intuitionEv := o.invokeLayers(sc)

	evidence := map[string]json.RawMessage{
		"context":   contextEv,
		"reasoning": reasoningEv,
		"intuition": intuitionEv,
	}

	contributions := calculateLayerWeights(
		ExtractConfidence(contextEv),
		ExtractConfidence(reasoningEv),
		ExtractConfidence(intuitionEv),
		state,
	)

	decision := &MetacognitiveDecision{
		DecisionID:    decisionID,
		StreamID:      sc.StreamID,
		DecisionType:  classifyDecisionType(sc, evidence),
		Confidence:    overallConfidence(evidence, contributions),
		Evidence:      evidence,
		Timestamp:     sc.Timestamp,
		Contributions: contributions,
	}

	if decision.Confidence < o.opts.ArchiveThreshold {
		o.archivePartial(decision)
	}

	o.dreaming.IncorporateExperience(toExperience(decision))

	return decision
}

// invokeLayers fans out the three cognitive layers concurrently and joins
// all three results against the shared deadline. A layer that errors or
// overruns its budget contributes the neutral placeholder instead; the
// deadline holds even when a layer ignores its context.
func (o *Orchestrator) invokeLayers(sc *StreamingContext) (contextEv, reasoningEv, intuitionEv json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.LayerTimeout)
	defer cancel()

	systemEvidence := o.gatherSystemEvidence(ctx, sc)

	contextCh := o.invokeLayer(ctx, "context", o.contextLayer, sc, systemEvidence)
	reasoningCh := o.invokeLayer(ctx, "reasoning", o.reasoningLayer, sc, nil)
	intuitionCh := o.invokeLayer(ctx, "intuition", o.intuitionLayer, sc, nil)

	contextEv = o.awaitLayer(ctx, "context", sc, contextCh)
	reasoningEv = o.awaitLayer(ctx, "reasoning", sc, reasoningCh)
	intuitionEv = o.awaitLayer(ctx, "intuition", sc, intuitionCh)

	return contextEv, reasoningEv, intuitionEv
}

// invokeLayer starts one layer call in the background and returns the
// channel its evidence arrives on. The channel is buffered so a result
// landing after the deadline never leaks the goroutine.
func (o *Orchestrator) invokeLayer(ctx context.Context, name string, layer Layer, sc *StreamingContext, evidence map[string]json.RawMessage) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)

	go func() {
		if layer == nil {
			ch <- neutralEvidence
			return
		}
		result, err := layer.Process(ctx, sc, evidence, o.knowledge)
		if err != nil {
			o.logger.Warn("layer degraded",
				zap.String("layer", name),
				zap.String("stream", sc.StreamID),
				zap.Error(err))
			ch <- neutralEvidence
			return
		}
		ch <- result
	}()

	return ch
}

// awaitLayer joins one layer result. When the budget expires first the
// layer contributes the neutral placeholder and the stray call finishes
// in the background.
func (o *Orchestrator) awaitLayer(ctx context.Context, name string, sc *StreamingContext, ch <-chan json.RawMessage) json.RawMessage {
	// A result that already landed always wins over an expired deadline.
	select {
	case result := <-ch:
		return result
	default:
	}

	select {
	case result := <-ch:
		return result
	case <-ctx.Done():
		o.logger.Warn("layer timed out",
			zap.String("layer", name),
			zap.String("stream", sc.StreamID))
		return neutralEvidence
	}
}

// gatherSystemEvidence consults every registered AI system. Failing
// systems are skipped; their absence is not an error.
func (o *Orchestrator) gatherSystemEvidence(ctx context.Context, sc *StreamingContext) map[string]json.RawMessage {
	systems := o.registry.Systems()
	if len(systems) == 0 {
		return nil
	}

	out := make(map[string]json.RawMessage, len(systems))
	for id, system := range systems {
		result, err := system.Process(ctx, sc)
		if err != nil {
			o.logger.Debug("ai system skipped",
				zap.String("system", id),
				zap.Error(err))
			continue
		}
		out[id] = result
	}
	return out
}

// calculateLayerWeights normalizes the three layer confidences into a
// weight triple summing to 1.0, splitting evenly when all are zero.
func calculateLayerWeights(contextConf, reasoningConf, intuitionConf float64, state MetabolicState) LayerContributions {
	total := contextConf + reasoningConf + intuitionConf
	if total == 0 {
		return LayerContributions{
			ContextWeight:   1.0 / 3.0,
			ReasoningWeight: 1.0 / 3.0,
			IntuitionWeight: 1.0 / 3.0,
			MetabolicState:  state,
		}
	}
	return LayerContributions{
		ContextWeight:   contextConf / total,
		ReasoningWeight: reasoningConf / total,
		IntuitionWeight: intuitionConf / total,
		MetabolicState:  state,
	}
}

// overallConfidence is the confidence of each layer weighted by its
// contribution.
func overallConfidence(evidence map[string]json.RawMessage, c LayerContributions) float64 {
	return ExtractConfidence(evidence["context"])*c.ContextWeight +
		ExtractConfidence(evidence["reasoning"])*c.ReasoningWeight +
		ExtractConfidence(evidence["intuition"])*c.IntuitionWeight
}

// classificationKeywords maps partial-data key fragments to decision
// types. First match in precedence order wins.
var classificationKeywords = []struct {
	fragment string
	decision DecisionType
}{
	{"bet", DecisionBettingOpportunity},
	{"odds", DecisionBettingOpportunity},
	{"stake", DecisionBettingOpportunity},
	{"location", DecisionLocationVerification},
	{"gps", DecisionLocationVerification},
	{"geo", DecisionLocationVerification},
	{"transaction", DecisionTransactionValidation},
	{"payment", DecisionTransactionValidation},
	{"alert", DecisionAlertGeneration},
	{"anomaly", DecisionAlertGeneration},
}

// classifyDecisionType scans the names of the submitted partial data for
// domain keywords, defaulting to stream analysis.
func classifyDecisionType(sc *StreamingContext, evidence map[string]json.RawMessage) DecisionType {
	for _, kw := range classificationKeywords {
		for key := range sc.PartialData {
			if strings.Contains(strings.ToLower(key), kw.fragment) {
				return kw.decision
			}
		}
	}
	return DecisionStreamAnalysis
}

// archivePartial stores a low-confidence decision's evidence in the
// lactate cache for later recovery.
func (o *Orchestrator) archivePartial(decision *MetacognitiveDecision) {
	payload, err := json.Marshal(decision.Evidence)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	o.lactate.Store(decision.DecisionID, decision.Confidence, payload)
}

// toExperience projects a decision onto the slice the dreaming module
// mines.
func toExperience(decision *MetacognitiveDecision) metabolic.Experience {
	return metabolic.Experience{
		DecisionID:    decision.DecisionID,
		StreamID:      decision.StreamID,
		DecisionType:  string(decision.DecisionType),
		Confidence:    decision.Confidence,
		ContextWeight: decision.Contributions.ContextWeight,
	}
}
