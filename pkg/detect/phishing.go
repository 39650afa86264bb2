package detect

import (
	"context"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/ml"
	"github.com/SafePayLabs/vigil/pkg/rules"
)

// URLIntel looks up link reputation. Implementations must be best-effort and
// fast; a lookup that cannot answer within the detector budget returns false.
type URLIntel interface {
	Enabled() bool
	Listed(ctx context.Context, url string) bool
}

// Phishing feature names. These must match the coefficient names in the
// phishing model artifact.
const (
	featUrgencyTerms    = "urgency_terms"
	featCredentialTerms = "credential_terms"
	featKYCTerms        = "kyc_terms"
	featRewardTerms     = "reward_terms"
	featURLCount        = "url_count"
	featShortenerURL    = "shortener_url"
	featUppercaseRatio  = "uppercase_ratio"
	featHomoglyph       = "homoglyph"
	featAmountBucket    = "amount_bucket"
	featSuspiciousPayee = "suspicious_payee"
)

var reURL = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+|\b[a-z0-9-]+\.(?:com|in|net|org|ly|gd|co|cc|at)/\S*`)

// PhishingDetector screens the memo and addresses for social-engineering
// patterns. Model-side signals: the coefficient model over engineered
// features, plus (when provisioned) the ONNX memo classifier and the
// scam-memo similarity index, fused by max.
type PhishingDetector struct {
	cfg    *config.Config
	rules  *rules.Registry
	models *ml.Registry
	memo   *ml.MemoClassifier
	scams  *ml.ScamIndex
	intel  URLIntel
}

func NewPhishingDetector(cfg *config.Config, reg *rules.Registry, models *ml.Registry, memo *ml.MemoClassifier, scams *ml.ScamIndex, intel URLIntel) *PhishingDetector {
	return &PhishingDetector{cfg: cfg, rules: reg, models: models, memo: memo, scams: scams, intel: intel}
}

func (d *PhishingDetector) Name() string { return config.DetectorPhishing }

func (d *PhishingDetector) Ready() bool {
	return d.models.Ready(config.DetectorPhishing)
}

func (d *PhishingDetector) Score(ctx context.Context, tx *Transaction) Subscore {
	feats, urls, memoNorm := extractPhishingFeatures(tx, d.rules)

	hits := d.rules.EvaluateText(config.DetectorPhishing, memoNorm, strings.ToLower(tx.PayeeVPA))
	if feats[featShortenerURL] > 0 {
		hits = append(hits, rules.RulePhishShortenerURL)
	}
	if feats[featHomoglyph] > 0 {
		hits = append(hits, rules.RulePhishHomoglyph)
	}
	if d.intel != nil && d.intel.Enabled() {
		for _, u := range urls {
			if d.intel.Listed(ctx, u) {
				hits = append(hits, rules.RulePhishListedURL)
				break
			}
		}
	}
	pRules, hard := d.rules.ScoreHits(hits)

	var pModel float64
	hasModel := false
	var contribs []FeatureWeight
	if scorer := d.models.Scorer(config.DetectorPhishing); scorer != nil {
		pModel = scorer.PredictProba(feats)
		hasModel = true
		for _, c := range scorer.TopContributions(feats, 2) {
			contribs = append(contribs, FeatureWeight{Name: c.Feature, Weight: c.Value})
		}
	}
	if d.memo.IsReady() {
		if res, err := d.memo.Classify(ctx, tx.Message); err == nil && res.IsFraud {
			pModel = math.Max(pModel, res.Confidence)
			hasModel = true
		}
	}
	if d.scams.IsReady() {
		if match, err := d.scams.Match(ctx, memoNorm); err == nil && match != nil {
			pModel = math.Max(pModel, float64(match.Similarity))
			hasModel = true
			contribs = append(contribs, FeatureWeight{Name: "scam_pattern:" + match.Category, Weight: float64(match.Similarity)})
		}
	}

	return combine(config.DetectorPhishing, pModel, hasModel, pRules, hard, hits, topSignals(ruleWeights(d.rules, hits), contribs))
}

// extractPhishingFeatures derives the phishing feature vector. Total over any
// transaction: absent fields yield zeros, never an error.
func extractPhishingFeatures(tx *Transaction, reg *rules.Registry) (feats map[string]float64, urls []string, memoNorm string) {
	// NFKC folds homoglyphs and fullwidth digits back to their plain forms;
	// a memo that changes under normalization is hiding something.
	normalized := norm.NFKC.String(tx.Message)
	homoglyph := normalized != tx.Message || hasInvisibleRunes(tx.Message)
	memoNorm = strings.ToLower(normalized)

	urls = reURL.FindAllString(memoNorm, -1)
	shortener := false
	for _, u := range urls {
		if reg.IsShortenerHost(u) {
			shortener = true
			break
		}
	}

	feats = map[string]float64{
		featUrgencyTerms:    countTerms(memoNorm, []string{"urgent", "immediately", "emergency", "expire", "suspended", "locked", "final notice", "action required"}),
		featCredentialTerms: countTerms(memoNorm, []string{"otp", "one time password", "pin", "cvv", "password"}),
		featKYCTerms:        countTerms(memoNorm, []string{"kyc", "verify", "verification", "blocked", "deactivated", "unauthorized"}),
		featRewardTerms:     countTerms(memoNorm, []string{"reward", "lottery", "prize", "winner", "cashback", "refund"}),
		featURLCount:        float64(len(urls)),
		featShortenerURL:    boolFeature(shortener),
		featUppercaseRatio:  uppercaseRatio(tx.Message),
		featHomoglyph:       boolFeature(homoglyph),
		featAmountBucket:    amountBucket(tx.Amount),
		featSuspiciousPayee: boolFeature(containsAny(strings.ToLower(tx.PayeeVPA), []string{"verify", "security", "support", "official", "service", "helpdesk"})),
	}
	return feats, urls, memoNorm
}

// normMemo applies the same NFKC fold the phishing extractor uses, for
// detectors that only need normalized memo text.
func normMemo(s string) string {
	return norm.NFKC.String(s)
}

func hasInvisibleRunes(s string) bool {
	for _, r := range s {
		// Cf covers zero-width spaces/joiners, BOM, and bidi controls.
		if unicode.Is(unicode.Cf, r) {
			return true
		}
	}
	return false
}

func countTerms(text string, terms []string) float64 {
	n := 0.0
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func uppercaseRatio(s string) float64 {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

var amountBuckets = []struct {
	limit decimal.Decimal
	value float64
}{
	{decimal.NewFromInt(1000), 0},
	{decimal.NewFromInt(10000), 0.25},
	{decimal.NewFromInt(50000), 0.5},
	{decimal.NewFromInt(200000), 0.75},
}

func amountBucket(amount decimal.Decimal) float64 {
	for _, b := range amountBuckets {
		if amount.LessThan(b.limit) {
			return b.value
		}
	}
	return 1
}

// ruleWeights resolves hit names into explainer feature weights.
func ruleWeights(reg *rules.Registry, hits []string) []FeatureWeight {
	out := make([]FeatureWeight, 0, len(hits))
	for _, name := range hits {
		if rule := reg.Lookup(name); rule != nil && rule.Weight > 0 {
			out = append(out, FeatureWeight{Name: name, Weight: rule.Weight})
		}
	}
	return out
}
