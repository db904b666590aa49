// Package risk turns scan findings into a 0-100 score and category.
//
// Score() is a pure function so it can be reused outside the scan lifecycle
// (e.g. historical backfill) without side effects.
package risk

import "scanwatch/internal/model"

// Severity weights.
const (
	weightLow      = 2
	weightMedium   = 8
	weightHigh     = 20
	weightCritical = 35
)

// Category thresholds (inclusive lower bounds).
const (
	thresholdCritical = 75
	thresholdHigh     = 50
	thresholdMedium   = 25
)

// Score aggregates severity-weighted findings into a clamped 0-100 score and
// its category. Empty findings score 0 / Low.
func Score(findings []model.RiskFinding) (int, model.RiskCategory) {
	total := 0
	for _, f := range findings {
		total += weight(f.Severity)
	}
	if total > 100 {
		total = 100
	}
	return total, Categorize(total)
}

func weight(s model.Severity) int {
	switch s {
	case model.SeverityLow:
		return weightLow
	case model.SeverityMedium:
		return weightMedium
	case model.SeverityHigh:
		return weightHigh
	case model.SeverityCritical:
		return weightCritical
	default:
		return 0
	}
}

// Categorize buckets a 0-100 score.
func Categorize(score int) model.RiskCategory {
	switch {
	case score >= thresholdCritical:
		return model.RiskCritical
	case score >= thresholdHigh:
		return model.RiskHigh
	case score >= thresholdMedium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}
