package detect

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/ml"
	"github.com/SafePayLabs/vigil/pkg/rules"
)

// Collect feature names; must match the collect model artifact.
const (
	featColIsCollect     = "is_collect"
	featColPayeeNew      = "payee_new"
	featColAmountZBucket = "amount_z_bucket"
	featColKeywordHits   = "keyword_hits"
	featColOffHours      = "off_hours"
	featColVelocity      = "velocity_bucket"
	featColAmountBucket  = "amount_bucket"
)

// velocity count at which a payer's day looks scripted rather than human.
const highVelocityCount = 15

// CollectDetector screens payee-initiated collect requests. The pull-payment
// flow is the one most abused by coercion ("approve or face legal action")
// and bait ("approve to claim your prize"), so the signals here lean on the
// memo plus the payer's own spending baseline.
type CollectDetector struct {
	cfg    *config.Config
	rules  *rules.Registry
	models *ml.Registry
}

func NewCollectDetector(cfg *config.Config, reg *rules.Registry, models *ml.Registry) *CollectDetector {
	return &CollectDetector{cfg: cfg, rules: reg, models: models}
}

func (d *CollectDetector) Name() string { return config.DetectorCollect }

func (d *CollectDetector) Ready() bool {
	return d.models.Ready(config.DetectorCollect)
}

func (d *CollectDetector) Score(ctx context.Context, tx *Transaction) Subscore {
	st := d.cfg.Settings()
	feats := extractCollectFeatures(tx)

	hits := d.rules.EvaluateText(config.DetectorCollect, strings.ToLower(normMemo(tx.Message)), "")
	if tx.Type == TypeCollect {
		hits = append(hits, "collect_request")
	}
	if tx.Type == TypeCollect && tx.PayeeNew == 1 && tx.Amount.GreaterThanOrEqual(st.LargeAmountThreshold) {
		hits = append(hits, rules.RuleCollectLargeNewPayee)
	}
	if feats[featColOffHours] > 0 {
		hits = append(hits, rules.RuleCollectOffHours)
	}
	if feats[featColAmountZBucket] >= 2.0/3.0 {
		hits = append(hits, rules.RuleCollectAboveBaseline)
	}
	if tx.Velocity != nil && tx.Velocity.Count24h >= highVelocityCount {
		hits = append(hits, rules.RuleCollectHighVelocity)
	}
	feats[featColKeywordHits] = float64(countMemoRuleHits(hits))
	pRules, hard := d.rules.ScoreHits(hits)

	var pModel float64
	hasModel := false
	var contribs []FeatureWeight
	if scorer := d.models.Scorer(config.DetectorCollect); scorer != nil {
		pModel = scorer.PredictProba(feats)
		hasModel = true
		for _, c := range scorer.TopContributions(feats, 2) {
			contribs = append(contribs, FeatureWeight{Name: c.Feature, Weight: c.Value})
		}
	}

	return combine(config.DetectorCollect, pModel, hasModel, pRules, hard, hits, topSignals(ruleWeights(d.rules, hits), contribs))
}

// countMemoRuleHits counts the lexicon-based hits; structural hits carry
// their own features.
func countMemoRuleHits(hits []string) int {
	n := 0
	for _, h := range hits {
		switch h {
		case "threat_language", "dues_claim", "authority_impersonation", "collect_reward_bait":
			n++
		}
	}
	return n
}

// extractCollectFeatures derives the collect vector. Total: a request without
// velocity enrichment or posture yields neutral buckets.
func extractCollectFeatures(tx *Transaction) map[string]float64 {
	feats := map[string]float64{
		featColIsCollect:     boolFeature(tx.Type == TypeCollect),
		featColPayeeNew:      boolFeature(tx.PayeeNew == 1),
		featColAmountZBucket: 0,
		featColKeywordHits:   0,
		featColOffHours:      boolFeature(isOffHours(tx.Now)),
		featColVelocity:      0,
		featColAmountBucket:  amountBucket(tx.Amount),
	}

	if v := tx.Velocity; v != nil {
		feats[featColVelocity] = math.Min(float64(v.Count24h)/float64(highVelocityCount), 1)
		if v.Samples >= 5 && v.StdAmount30d > 0 {
			z := (amountFloat(tx) - v.MeanAmount30d) / v.StdAmount30d
			feats[featColAmountZBucket] = zBucket(z)
		}
	}
	return feats
}

func amountFloat(tx *Transaction) float64 {
	f, _ := tx.Amount.Float64()
	return f
}

// zBucket folds a z-score into {0, 1/3, 2/3, 1}.
func zBucket(z float64) float64 {
	switch {
	case z < 1:
		return 0
	case z < 2:
		return 1.0 / 3.0
	case z < 3:
		return 2.0 / 3.0
	default:
		return 1
	}
}

// isOffHours reports late-night or weekend requests. A zero time (no clock
// injected) is never off-hours.
func isOffHours(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	h := t.Hour()
	return h < 6 || h >= 23
}
