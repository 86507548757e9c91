package orchestrator

import "encoding/json"

// ExtractConfidence reads the "confidence" field of an evidence blob.
// Absent, malformed or non-numeric fields yield the neutral 0.5; this
// never fails.
func ExtractConfidence(evidence json.RawMessage) float64 {
	if len(evidence) == 0 {
		return 0.5
	}
	var parsed struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(evidence, &parsed); err != nil || parsed.Confidence == nil {
		return 0.5
	}
	return *parsed.Confidence
}
