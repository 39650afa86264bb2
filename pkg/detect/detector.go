package detect

import (
	"context"
	"math"
)

// Detector is the common capability interface for the four risk detectors.
// Score must never fail: model trouble degrades to rule-only scoring and
// extraction is total over any Transaction.
type Detector interface {
	Name() string
	Score(ctx context.Context, tx *Transaction) Subscore
	Ready() bool
}

// combine fuses the model probability with the rule-overlay probability.
//
// A hard rule hit takes the max of the two so a deterministic red flag is
// never diluted by an over-confident benign model prediction. Otherwise the
// blend keeps brittle models from dominating. Without a model (rule-only
// mode) the rule probability stands alone.
func combine(detector string, pModel float64, hasModel bool, pRules float64, hard bool, hits []string, top []FeatureWeight) Subscore {
	var p float64
	switch {
	case !hasModel:
		p = pRules
	case hard:
		p = math.Max(pModel, pRules)
	default:
		p = 0.6*pModel + 0.4*pRules
	}
	p = clamp01(p)

	margin := math.Abs(p - 0.5)
	if hasModel {
		margin = math.Abs(pModel - 0.5)
	}

	return Subscore{
		Detector:      detector,
		Probability:   p,
		RuleHits:      hits,
		Confidence:    tierOf(margin, len(hits)),
		HardRuleFired: hard,
		TopFeatures:   top,
	}
}

// tierOf derives the confidence tier from the model margin and the degree of
// rule corroboration.
func tierOf(margin float64, ruleHits int) Tier {
	switch {
	case margin >= 0.35 || ruleHits >= 3:
		return TierHigh
	case margin >= 0.15 || ruleHits >= 1:
		return TierMedium
	default:
		return TierLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// topSignals merges rule-hit weights and model contributions into the
// explainer feed, strongest first, capped at four entries.
func topSignals(ruleWeights []FeatureWeight, modelContribs []FeatureWeight) []FeatureWeight {
	merged := append(append([]FeatureWeight{}, ruleWeights...), modelContribs...)
	// insertion sort; the slice never exceeds a handful of entries
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j].Weight > merged[j-1].Weight; j-- {
			merged[j], merged[j-1] = merged[j-1], merged[j]
		}
	}
	if len(merged) > 4 {
		merged = merged[:4]
	}
	return merged
}
