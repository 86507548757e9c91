package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubLayer returns a canned result, optionally after a delay or with an
// error.
type stubLayer struct {
	result json.RawMessage
	err    error
	delay  time.Duration

	mu       sync.Mutex
	evidence map[string]json.RawMessage
}

func (s *stubLayer) Process(ctx context.Context, sc *StreamingContext, evidence map[string]json.RawMessage, kb KnowledgeBase) (json.RawMessage, error) {
	s.mu.Lock()
	s.evidence = evidence
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.result, s.err
}

func (s *stubLayer) seenEvidence() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evidence
}

func confLayer(conf float64) *stubLayer {
	return &stubLayer{result: json.RawMessage(fmt.Sprintf(`{"confidence":%f}`, conf))}
}

type stubSystem struct {
	id     string
	result json.RawMessage
	err    error
}

func (s *stubSystem) Process(ctx context.Context, sc *StreamingContext) (json.RawMessage, error) {
	return s.result, s.err
}
func (s *stubSystem) Confidence(input json.RawMessage) float64 { return ExtractConfidence(input) }
func (s *stubSystem) ID() string                               { return s.id }
func (s *stubSystem) ProcessingTime() time.Duration            { return time.Millisecond }

func newTestOrchestrator(t *testing.T, ctxLayer, reasonLayer, intuitLayer Layer, opts Options) *Orchestrator {
	t.Helper()
	o := New(ctxLayer, reasonLayer, intuitLayer, nil, opts, zap.NewNop())
	t.Cleanup(o.Stop)
	return o
}

func TestCalculateLayerWeights(t *testing.T) {
	c := calculateLayerWeights(0.9, 0.8, 0.7, MetabolicState{})

	if math.Abs(c.ContextWeight-0.9/2.4) > 1e-9 {
		t.Errorf("context weight = %f, want %f", c.ContextWeight, 0.9/2.4)
	}
	if math.Abs(c.ReasoningWeight-0.8/2.4) > 1e-9 {
		t.Errorf("reasoning weight = %f, want %f", c.ReasoningWeight, 0.8/2.4)
	}
	if sum := c.ContextWeight + c.ReasoningWeight + c.IntuitionWeight; math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("weights sum to %f, want 1.0", sum)
	}
}

func TestCalculateLayerWeightsZeroTotal(t *testing.T) {
	c := calculateLayerWeights(0, 0, 0, MetabolicState{})
	third := 1.0 / 3.0
	if c.ContextWeight != third || c.ReasoningWeight != third || c.IntuitionWeight != third {
		t.Errorf("expected even split, got %f/%f/%f",
			c.ContextWeight, c.ReasoningWeight, c.IntuitionWeight)
	}
}

func TestProcessContextWeightedFusion(t *testing.T) {
	o := newTestOrchestrator(t, confLayer(0.9), confLayer(0.8), confLayer(0.7), Options{})

	decision := o.processContext(&StreamingContext{StreamID: "s1", Timestamp: 123.0})

	want := (0.9*0.9 + 0.8*0.8 + 0.7*0.7) / 2.4
	if math.Abs(decision.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %f, want %f", decision.Confidence, want)
	}
	if decision.DecisionID == "" {
		t.Error("missing decision id")
	}
	if decision.StreamID != "s1" || decision.Timestamp != 123.0 {
		t.Errorf("context fields not carried: %+v", decision)
	}
	if decision.DecisionType != DecisionStreamAnalysis {
		t.Errorf("decision type = %s, want %s", decision.DecisionType, DecisionStreamAnalysis)
	}
}

func TestFailedLayerContributesNeutralEvidence(t *testing.T) {
	failing := &stubLayer{err: errors.New("model unavailable")}
	o := newTestOrchestrator(t, confLayer(0.9), failing, confLayer(0.9), Options{})

	decision := o.processContext(&StreamingContext{StreamID: "s1"})

	if string(decision.Evidence["reasoning"]) != string(neutralEvidence) {
		t.Fatalf("reasoning evidence = %s, want the neutral placeholder",
			decision.Evidence["reasoning"])
	}
	// 0.9, 0.5, 0.9 weighted.
	want := (0.9*0.9 + 0.5*0.5 + 0.9*0.9) / 2.3
	if math.Abs(decision.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %f, want %f", decision.Confidence, want)
	}
}

// stallingLayer sleeps through its budget without ever checking the
// context.
type stallingLayer struct {
	d time.Duration
}

func (s *stallingLayer) Process(ctx context.Context, sc *StreamingContext, _ map[string]json.RawMessage, _ KnowledgeBase) (json.RawMessage, error) {
	time.Sleep(s.d)
	return json.RawMessage(`{"confidence":0.9}`), nil
}

func TestUncooperativeLayerCannotStallRun(t *testing.T) {
	stuck := &stallingLayer{d: 3 * time.Second}
	o := newTestOrchestrator(t, confLayer(0.9), stuck, confLayer(0.9),
		Options{LayerTimeout: 50 * time.Millisecond})

	start := time.Now()
	decision := o.processContext(&StreamingContext{StreamID: "s1"})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("pipeline run took %v, the layer budget is 50ms", elapsed)
	}
	if string(decision.Evidence["reasoning"]) != string(neutralEvidence) {
		t.Errorf("reasoning evidence = %s, want the neutral placeholder",
			decision.Evidence["reasoning"])
	}
	// The layers that met the budget still contribute their own evidence.
	if string(decision.Evidence["context"]) == string(neutralEvidence) {
		t.Error("context layer result discarded despite finishing in time")
	}
}

func TestSlowLayerTimesOutToNeutral(t *testing.T) {
	slow := &stubLayer{result: json.RawMessage(`{"confidence":0.9}`), delay: 200 * time.Millisecond}
	o := newTestOrchestrator(t, confLayer(0.9), confLayer(0.9), slow,
		Options{LayerTimeout: 20 * time.Millisecond})

	decision := o.processContext(&StreamingContext{StreamID: "s1"})

	if string(decision.Evidence["intuition"]) != string(neutralEvidence) {
		t.Fatalf("intuition evidence = %s, want the neutral placeholder",
			decision.Evidence["intuition"])
	}
}

func TestClassifyDecisionType(t *testing.T) {
	cases := []struct {
		key  string
		want DecisionType
	}{
		{"bet_amount", DecisionBettingOpportunity},
		{"current_odds", DecisionBettingOpportunity},
		{"GPS_fix", DecisionLocationVerification},
		{"geofence", DecisionLocationVerification},
		{"payment_ref", DecisionTransactionValidation},
		{"anomaly_score", DecisionAlertGeneration},
		{"frame_rate", DecisionStreamAnalysis},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			sc := &StreamingContext{
				PartialData: map[string]json.RawMessage{tc.key: json.RawMessage(`1`)},
			}
			if got := classifyDecisionType(sc, nil); got != tc.want {
				t.Errorf("classify(%s) = %s, want %s", tc.key, got, tc.want)
			}
		})
	}
}

func TestClassificationPrecedenceBettingFirst(t *testing.T) {
	sc := &StreamingContext{
		PartialData: map[string]json.RawMessage{
			"gps_fix":  json.RawMessage(`1`),
			"bet_slip": json.RawMessage(`1`),
		},
	}
	if got := classifyDecisionType(sc, nil); got != DecisionBettingOpportunity {
		t.Errorf("classify = %s, want %s", got, DecisionBettingOpportunity)
	}
}

func TestLowConfidenceDecisionArchived(t *testing.T) {
	o := newTestOrchestrator(t, confLayer(0.3), confLayer(0.3), confLayer(0.3), Options{})

	decision := o.processContext(&StreamingContext{StreamID: "s1"})

	if decision.Confidence >= 0.8 {
		t.Fatalf("test setup: confidence %f should be below the archive threshold", decision.Confidence)
	}
	cached := o.Lactate().Retrieve(decision.DecisionID)
	if cached == nil {
		t.Fatal("low-confidence decision missing from the lactate cache")
	}
	if cached.Confidence != decision.Confidence {
		t.Errorf("cached confidence = %f, want %f", cached.Confidence, decision.Confidence)
	}
	if o.Dreaming().BufferedExperiences() != 1 {
		t.Error("decision missing from the dreaming buffer")
	}
}

func TestHighConfidenceDecisionSkipsCache(t *testing.T) {
	o := newTestOrchestrator(t, confLayer(0.95), confLayer(0.95), confLayer(0.95), Options{})

	decision := o.processContext(&StreamingContext{StreamID: "s1"})

	if decision.Confidence < 0.8 {
		t.Fatalf("test setup: confidence %f should clear the archive threshold", decision.Confidence)
	}
	if o.Lactate().Retrieve(decision.DecisionID) != nil {
		t.Error("high-confidence decision should not be cached")
	}
	// Every decision feeds the dreaming module regardless of confidence.
	if o.Dreaming().BufferedExperiences() != 1 {
		t.Error("decision missing from the dreaming buffer")
	}
}

func TestSystemEvidenceReachesContextLayerOnly(t *testing.T) {
	ctxLayer := confLayer(0.9)
	reasonLayer := confLayer(0.9)
	o := newTestOrchestrator(t, ctxLayer, reasonLayer, confLayer(0.9), Options{})

	o.RegisterAISystem(&stubSystem{id: "scorer-a", result: json.RawMessage(`{"confidence":0.7}`)}, 1.0)
	o.RegisterAISystem(&stubSystem{id: "scorer-b", err: errors.New("down")}, 0.5)

	o.processContext(&StreamingContext{StreamID: "s1"})

	seen := ctxLayer.seenEvidence()
	if _, ok := seen["scorer-a"]; !ok {
		t.Error("context layer did not receive the healthy system's evidence")
	}
	if _, ok := seen["scorer-b"]; ok {
		t.Error("failing system should have been skipped")
	}
	if reasonLayer.seenEvidence() != nil {
		t.Error("reasoning layer should not receive system evidence")
	}
}
