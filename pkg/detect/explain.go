package detect

import (
	"fmt"
	"sort"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/rules"
)

const (
	// detectors below this probability stay out of the narrative.
	reasonThreshold = 0.3
	maxReasons      = 6
	maxShapeReasons = 2
)

var detectorLabels = map[string]string{
	config.DetectorPhishing: "Phishing/social engineering",
	config.DetectorQuishing: "Malicious QR code (quishing)",
	config.DetectorCollect:  "Collect-request exploitation",
	config.DetectorMalware:  "Malware/device compromise",
}

// Explainer turns a decision into ranked reasons, a risk decomposition, and
// feature importances suitable for display.
type Explainer struct {
	rules *rules.Registry
}

func NewExplainer(reg *rules.Registry) *Explainer {
	return &Explainer{rules: reg}
}

// Explain produces the human-facing reasoning for a decision.
func (e *Explainer) Explain(tx *Transaction, dec Decision, st *config.Settings) Explanation {
	triggered := e.triggeredSubscores(dec.Subscores, st)

	reasons := make([]string, 0, maxReasons)
	for _, s := range triggered {
		reasons = append(reasons, e.detectorReason(s))
	}
	reasons = append(reasons, e.shapeReasons(tx, st)...)
	if len(reasons) > maxReasons {
		reasons = reasons[:maxReasons]
	}

	breakdown, nominal := riskBreakdown(dec.Subscores, st)

	return Explanation{
		Reasons:           reasons,
		RiskBreakdown:     breakdown,
		FeatureImportance: e.featureImportance(triggered),
		RiskLevel:         riskLevel(dec.TrustScore),
		Nominal:           nominal,
	}
}

// triggeredSubscores returns the detectors above the reason threshold, sorted
// by weighted risk contribution descending.
func (e *Explainer) triggeredSubscores(subs []Subscore, st *config.Settings) []Subscore {
	var triggered []Subscore
	for _, s := range subs {
		if s.Probability >= reasonThreshold {
			triggered = append(triggered, s)
		}
	}
	sort.SliceStable(triggered, func(i, j int) bool {
		wi := st.Weights[triggered[i].Detector] * triggered[i].Probability
		wj := st.Weights[triggered[j].Detector] * triggered[j].Probability
		return wi > wj
	})
	return triggered
}

// detectorReason emits one templated sentence keyed by the detector and its
// highest-weighted rule hit.
func (e *Explainer) detectorReason(s Subscore) string {
	label := detectorLabels[s.Detector]
	if label == "" {
		label = s.Detector
	}
	if top := e.rules.TopWeighted(s.RuleHits); top != nil && top.Weight > 0 {
		return fmt.Sprintf("%s: %s", label, top.Description)
	}
	if len(s.RuleHits) == 1 && s.RuleHits[0] == rules.RuleTimeout {
		return fmt.Sprintf("%s: detector did not answer in time; treated as uncertain", label)
	}
	return fmt.Sprintf("%s: risk elevated by learned scam patterns", label)
}

// shapeReasons emits up to two transaction-shape observations.
func (e *Explainer) shapeReasons(tx *Transaction, st *config.Settings) []string {
	var out []string
	if tx.PayeeNew == 1 {
		out = append(out, "First payment to this payee")
	}
	if tx.Amount.GreaterThanOrEqual(st.LargeAmountThreshold) {
		out = append(out, "Amount at or above the large-transaction threshold")
	} else if v := tx.Velocity; v != nil && v.Samples >= 5 && v.StdAmount30d > 0 {
		if (amountFloat(tx)-v.MeanAmount30d)/v.StdAmount30d >= 2 {
			out = append(out, "Amount well above this payer's usual spending")
		}
	}
	if len(out) < maxShapeReasons && isOffHours(tx.Now) {
		out = append(out, "Initiated outside usual hours")
	}
	if len(out) > maxShapeReasons {
		out = out[:maxShapeReasons]
	}
	return out
}

// riskBreakdown computes each detector's share of the weighted risk. A
// riskless request distributes shares evenly and is marked nominal.
func riskBreakdown(subs []Subscore, st *config.Settings) (map[string]float64, bool) {
	out := make(map[string]float64, len(subs))
	total := 0.0
	for _, s := range subs {
		total += st.Weights[s.Detector] * s.Probability
	}
	if total == 0 {
		for _, s := range subs {
			out[s.Detector] = 1.0 / float64(len(subs))
		}
		return out, true
	}
	for _, s := range subs {
		out[s.Detector] = st.Weights[s.Detector] * s.Probability / total
	}
	return out, false
}

// featureImportance concatenates the top two signals from each triggered
// detector, dedupes preserving order, and renormalizes to sum 1.
func (e *Explainer) featureImportance(triggered []Subscore) []FeatureWeight {
	var merged []FeatureWeight
	seen := make(map[string]bool)
	for _, s := range triggered {
		taken := 0
		for _, f := range s.TopFeatures {
			if taken == 2 {
				break
			}
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			merged = append(merged, f)
			taken++
		}
	}
	total := 0.0
	for _, f := range merged {
		total += f.Weight
	}
	if total == 0 {
		return []FeatureWeight{}
	}
	for i := range merged {
		merged[i].Weight /= total
	}
	return merged
}

// riskLevel bands 1 - trust/100 into the display levels. Integer comparisons
// on trust keep the band edges exact: risk < 0.2 is trust > 80, and so on.
func riskLevel(trust int) string {
	switch {
	case trust > 80:
		return "LOW"
	case trust > 60:
		return "LOW-MEDIUM"
	case trust > 40:
		return "MEDIUM"
	case trust > 20:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}
