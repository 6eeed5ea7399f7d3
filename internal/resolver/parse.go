package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcourtman/resolvd/internal/store"
)

// modelProposal is the JSON shape the model is asked to produce.
type modelProposal struct {
	Analysis           string   `json:"analysis"`
	RecommendedActions []string `json:"recommended_actions"`
	NextSteps          string   `json:"next_steps"`
	Reasoning          string   `json:"reasoning"`
	Confidence         float64  `json:"confidence"`
	RiskLevel          string   `json:"risk_level"`
	EstimatedMinutes   int      `json:"estimated_minutes"`
}

// parseProposal extracts and validates the proposal JSON from raw model
// output. Models wrap JSON in fences or prose often enough that we slice out
// the outermost object before decoding.
func parseProposal(raw string) (modelProposal, error) {
	var p modelProposal

	payload := extractJSON(raw)
	if payload == "" {
		return p, fmt.Errorf("no JSON object found in model output")
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return p, fmt.Errorf("malformed proposal JSON: %w", err)
	}

	if strings.TrimSpace(p.Analysis) == "" {
		return p, fmt.Errorf("proposal is missing analysis")
	}
	if len(p.RecommendedActions) == 0 {
		return p, fmt.Errorf("proposal has no recommended actions")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return p, fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	}
	switch store.RiskLevel(p.RiskLevel) {
	case store.RiskLow, store.RiskMedium, store.RiskHigh:
	default:
		return p, fmt.Errorf("unknown risk level %q", p.RiskLevel)
	}
	if p.EstimatedMinutes < 0 {
		return p, fmt.Errorf("negative estimated minutes")
	}
	return p, nil
}

// extractJSON returns the outermost {...} object in raw, tolerating markdown
// fences and surrounding prose.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
