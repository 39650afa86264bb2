package detect

import (
	"math"
	"time"

	"github.com/SafePayLabs/vigil/pkg/config"
)

// Aggregator fuses the four subscores into a trust score and proposed action.
type Aggregator struct{}

func NewAggregator() *Aggregator { return &Aggregator{} }

// Aggregate computes the weighted risk, the trust score, and the action.
//
// Hard overrides apply in order, first match wins:
//  1. any detector with a hard rule fire and probability at or above the
//     hard-rule threshold -> BLOCK, trust capped at 20
//  2. two or more detectors at probability >= 0.7 -> BLOCK
//  3. any detector at probability >= 0.9 -> at least WARN
//
// Otherwise the trust-score bands decide. Band lower bounds are inclusive, so
// a score exactly on a threshold takes the band above it (45 is WARN, 65 is
// ALLOW with the default thresholds).
func (a *Aggregator) Aggregate(subs []Subscore, st *config.Settings, now time.Time) Decision {
	risk := 0.0
	for _, s := range subs {
		risk += st.Weights[s.Detector] * s.Probability
	}
	risk = clamp01(risk)
	trust := int(math.Round((1 - risk) * 100))

	dec := Decision{
		TrustScore: trust,
		Risk:       risk,
		Subscores:  subs,
		Timestamp:  now,
	}

	// Override 1: decisive hard-rule fire.
	for _, s := range subs {
		if s.HardRuleFired && s.Probability >= st.HardRuleThreshold {
			dec.Action = ActionBlock
			if dec.TrustScore > 20 {
				dec.TrustScore = 20
			}
			return dec
		}
	}

	// Override 2: corroborated high risk across detectors.
	highCount := 0
	for _, s := range subs {
		if s.Probability >= 0.7 {
			highCount++
		}
	}
	if highCount >= 2 {
		dec.Action = ActionBlock
		return dec
	}

	dec.Action = bandAction(trust, st)

	// Override 3: one near-certain detector forbids a clean ALLOW.
	for _, s := range subs {
		if s.Probability >= 0.9 && dec.Action == ActionAllow {
			dec.Action = ActionWarn
			break
		}
	}
	return dec
}

func bandAction(trust int, st *config.Settings) Action {
	switch {
	case trust >= st.AllowThreshold:
		return ActionAllow
	case trust >= st.WarnThreshold:
		return ActionWarn
	default:
		return ActionBlock
	}
}
