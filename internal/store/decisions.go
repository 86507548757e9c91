package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/morphine-live/morphine-core/internal/orchestrator"
)

// ArchiveDecision inserts an emitted decision into the archive.
func (s *Store) ArchiveDecision(ctx context.Context, d *orchestrator.MetacognitiveDecision) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence for %s: %w", d.DecisionID, err)
	}
	contributions, err := json.Marshal(d.Contributions)
	if err != nil {
		return fmt.Errorf("marshal contributions for %s: %w", d.DecisionID, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO decisions (id, stream_id, decision_type, confidence, evidence, contributions, decided_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		d.DecisionID, d.StreamID, string(d.DecisionType), d.Confidence,
		evidence, contributions, d.Timestamp, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("archive decision %s: %w", d.DecisionID, err)
	}
	return nil
}

// DecisionsForStream returns the most recent archived decisions for a
// stream, newest first.
func (s *Store) DecisionsForStream(ctx context.Context, streamID string, limit int) ([]*orchestrator.MetacognitiveDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, stream_id, decision_type, confidence, evidence, contributions, decided_at
		FROM decisions WHERE stream_id = $1
		ORDER BY archived_at DESC
		LIMIT $2`, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("decisions for %s: %w", streamID, err)
	}
	defer rows.Close()

	var out []*orchestrator.MetacognitiveDecision
	for rows.Next() {
		var (
			d             orchestrator.MetacognitiveDecision
			decisionType  string
			evidence      []byte
			contributions []byte
		)
		if err := rows.Scan(&d.DecisionID, &d.StreamID, &decisionType,
			&d.Confidence, &evidence, &contributions, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.DecisionType = orchestrator.DecisionType(decisionType)
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		if err := json.Unmarshal(contributions, &d.Contributions); err != nil {
			return nil, fmt.Errorf("unmarshal contributions: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}
