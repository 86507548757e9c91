package orchestrator

import "encoding/json"

// ProcessingStage tracks how far a context has moved through the pipeline.
type ProcessingStage string

const (
	StageContext   ProcessingStage = "context"
	StageReasoning ProcessingStage = "reasoning"
	StageIntuition ProcessingStage = "intuition"
	StageComplete  ProcessingStage = "complete"
)

// DecisionType classifies what a fused decision is about.
type DecisionType string

const (
	DecisionBettingOpportunity    DecisionType = "betting_opportunity"
	DecisionLocationVerification  DecisionType = "location_verification"
	DecisionTransactionValidation DecisionType = "transaction_validation"
	DecisionStreamAnalysis        DecisionType = "stream_analysis"
	DecisionAlertGeneration       DecisionType = "alert_generation"
)

// StreamingContext is one unit of input submitted on a stream. It is
// immutable once submitted and owned by the pipeline run it triggers.
type StreamingContext struct {
	StreamID        string                     `json:"stream_id"`
	Timestamp       float64                    `json:"timestamp"`
	PartialData     map[string]json.RawMessage `json:"partial_data"`
	ConfidenceLevel float64                    `json:"confidence_level"`
	Stage           ProcessingStage            `json:"processing_stage"`
}

// MetacognitiveDecision is the output of a single pipeline run.
type MetacognitiveDecision struct {
	DecisionID    string                     `json:"decision_id"`
	StreamID      string                     `json:"stream_id"`
	DecisionType  DecisionType               `json:"decision_type"`
	Confidence    float64                    `json:"confidence"`
	Evidence      map[string]json.RawMessage `json:"evidence"`
	Timestamp     float64                    `json:"timestamp"`
	Contributions LayerContributions         `json:"layer_contributions"`
}

// LayerContributions records the relative weight of each cognitive layer
// in a fused decision. The three weights sum to 1.0.
type LayerContributions struct {
	ContextWeight   float64        `json:"context_weight"`
	ReasoningWeight float64        `json:"reasoning_weight"`
	IntuitionWeight float64        `json:"intuition_weight"`
	MetabolicState  MetabolicState `json:"metabolic_state"`
}

// MetabolicState is a point-in-time snapshot of system load, cache
// pressure and idle-synthesis activity. Recomputed per pipeline run,
// never persisted beyond the decision that embeds it.
type MetabolicState struct {
	GlycolyticLoad     float64            `json:"glycolytic_load"`
	LactateLevel       float64            `json:"lactate_level"`
	DreamingActive     bool               `json:"dreaming_active"`
	ResourceAllocation map[string]float64 `json:"resource_allocation"`
}

// SystemHealth is the read-only snapshot exposed by GetSystemHealth.
type SystemHealth struct {
	MetabolicState    MetabolicState `json:"metabolic_state"`
	ActiveStreams     int            `json:"active_streams"`
	RegisteredSystems int            `json:"registered_ai_systems"`
}
