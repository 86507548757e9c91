package metabolic

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	dreamInterval      = 5 * time.Minute
	experienceCapacity = 1000
	minExperiences     = 10
	lowActivityWindow  = 300 // first seconds of each hour
	scenarioThreshold  = 2.0
	strengthReinforce  = 1.1
	strengthDecay      = 0.95
)

// Experience is the slice of a decision the dreaming module mines:
// enough to derive a pattern signature plus the payload it preserves in
// generated scenarios.
type Experience struct {
	DecisionID    string          `json:"decision_id"`
	StreamID      string          `json:"stream_id"`
	DecisionType  string          `json:"decision_type"`
	Confidence    float64         `json:"confidence"`
	ContextWeight float64         `json:"context_weight"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DreamPattern is a mined regularity over recent decisions. Strength is
// reinforced on repeat sightings and decays each cycle; patterns at or
// below zero strength are purged.
type DreamPattern struct {
	PatternID          string             `json:"pattern_id"`
	PatternType        string             `json:"pattern_type"`
	Strength           float64            `json:"strength"`
	Frequency          float64            `json:"frequency"`
	Associations       map[string]float64 `json:"associations"`
	GeneratedScenarios []json.RawMessage  `json:"generated_scenarios"`
}

// DreamingModule mines recurring decision patterns and synthesizes novel
// scenarios during detected idle periods.
type DreamingModule struct {
	mu          sync.RWMutex
	patterns    map[string]*DreamPattern
	experiences []Experience
	discoveries []json.RawMessage
	active      bool

	now    func() time.Time // injectable for the idle-window check
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewDreamingModule creates the synthesizer.
func NewDreamingModule(logger *zap.Logger) *DreamingModule {
	return &DreamingModule{
		patterns: make(map[string]*DreamPattern),
		now:      time.Now,
		logger:   logger,
	}
}

// Start begins the periodic dreaming loop.
func (d *DreamingModule) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.loop(ctx)
	d.logger.Info("dreaming module started", zap.Duration("interval", dreamInterval))
}

// Stop halts the dreaming loop.
func (d *DreamingModule) Stop() {
	if d.cancel != nil {
		d.cancel()
		d.logger.Info("dreaming module stopped")
	}
}

func (d *DreamingModule) loop(ctx context.Context) {
	ticker := time.NewTicker(dreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.shouldActivate() {
				continue
			}
			d.setActive(true)
			d.dreamCycle()
			d.setActive(false)
		}
	}
}

// shouldActivate gates dreaming on having enough buffered experience and
// the clock sitting in the low-activity window at the top of the hour.
func (d *DreamingModule) shouldActivate() bool {
	d.mu.RLock()
	buffered := len(d.experiences)
	d.mu.RUnlock()
	return buffered > minExperiences && d.now().Unix()%3600 < lowActivityWindow
}

func (d *DreamingModule) setActive(v bool) {
	d.mu.Lock()
	d.active = v
	d.mu.Unlock()
}

// dreamCycle runs one consolidate / generate / decay pass.
func (d *DreamingModule) dreamCycle() {
	d.consolidatePatterns()
	d.generateNovelScenarios()
	d.decayPatterns()
}

// consolidatePatterns groups buffered decisions by signature, reinforcing
// repeated patterns and inserting new ones at unit strength.
func (d *DreamingModule) consolidatePatterns() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, exp := range d.experiences {
		sig := patternSignature(exp)
		if p, ok := d.patterns[sig]; ok {
			p.Frequency++
			p.Strength *= strengthReinforce
			continue
		}
		d.patterns[sig] = &DreamPattern{
			PatternID:    sig,
			PatternType:  exp.DecisionType,
			Strength:     1.0,
			Frequency:    1.0,
			Associations: make(map[string]float64),
		}
	}
}

// patternSignature coarsens a decision to type plus confidence and
// context weight rounded to two decimals. Distinct decisions can collide;
// the coarsening is deliberate.
func patternSignature(exp Experience) string {
	return fmt.Sprintf("%s_%.2f_%.2f", exp.DecisionType, exp.Confidence, exp.ContextWeight)
}

// generateNovelScenarios emits a synthetic scenario for every pattern
// strong enough to have proven itself.
func (d *DreamingModule) generateNovelScenarios() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.patterns {
		if p.Strength <= scenarioThreshold {
			continue
		}
		scenario := d.novelScenario(p)
		p.GeneratedScenarios = append(p.GeneratedScenarios, scenario)
		d.discoveries = append(d.discoveries, scenario)
	}
}

func (d *DreamingModule) novelScenario(p *DreamPattern) json.RawMessage {
	scenario := map[string]any{
		"scenario_id":     uuid.New().String(),
		"based_on":        p.PatternID,
		"scenario_type":   "novel_edge_case",
		"generated_at":    d.now().Unix(),
		"diversity_score": rand.Float64(),
		"scenario_data": map[string]any{
			"pattern_type": p.PatternType,
			"strength":     p.Strength,
			"novel_elements": map[string]any{
				"unexpected_conditions": []string{
					"extreme_weather",
					"network_anomaly",
					"behavioral_outlier",
					"technical_malfunction",
				},
				"edge_cases": []string{
					"simultaneous_events",
					"rapid_state_changes",
					"multi_factor_interactions",
				},
				"diversity_parameters": map[string]float64{
					"temporal_variation":   rand.Float64(),
					"spatial_variation":    rand.Float64(),
					"behavioral_variation": rand.Float64(),
				},
			},
		},
	}
	data, err := json.Marshal(scenario)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// decayPatterns weakens every pattern and purges the ones that faded out.
func (d *DreamingModule) decayPatterns() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for sig, p := range d.patterns {
		p.Strength *= strengthDecay
		if p.Strength < 0.1 {
			p.Strength = 0
		}
		if p.Strength <= 0 {
			delete(d.patterns, sig)
		}
	}
}

// IncorporateExperience appends a decision to the bounded buffer, evicting
// the oldest entry when full. Safe to call concurrently with a running
// cycle.
func (d *DreamingModule) IncorporateExperience(exp Experience) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.experiences = append(d.experiences, exp)
	if len(d.experiences) > experienceCapacity {
		d.experiences = d.experiences[len(d.experiences)-experienceCapacity:]
	}
}

// Active reports whether a dreaming cycle is currently running.
func (d *DreamingModule) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// DiscoveredPatterns returns a snapshot of the mined pattern table.
func (d *DreamingModule) DiscoveredPatterns() []DreamPattern {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DreamPattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		out = append(out, *p)
	}
	return out
}

// NovelDiscoveries returns the synthesized scenario log.
func (d *DreamingModule) NovelDiscoveries() []json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]json.RawMessage, len(d.discoveries))
	copy(out, d.discoveries)
	return out
}

// BufferedExperiences returns the current experience-buffer length.
func (d *DreamingModule) BufferedExperiences() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.experiences)
}
