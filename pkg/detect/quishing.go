package detect

import (
	"context"
	"math"
	"net"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/ml"
	"github.com/SafePayLabs/vigil/pkg/rules"
)

// Quishing feature names; must match the quishing model artifact.
const (
	featQRHasPayload    = "has_payload"
	featQRIsQRType      = "is_qr_type"
	featQRPayeeMismatch = "payee_mismatch"
	featQRAmtMismatch   = "amount_mismatch"
	featQRBadScheme     = "bad_scheme"
	featQRIPHost        = "ip_host"
	featQRShortener     = "shortener_host"
	featQRNonstdParams  = "nonstandard_params"
	featQREntropy       = "payload_entropy"
	featQRLengthBucket  = "payload_length_bucket"
)

// standard UPI deep-link query parameters.
var standardQRParams = map[string]bool{
	"pa": true, "pn": true, "am": true, "cu": true, "tn": true,
	"tr": true, "tid": true, "mc": true, "mode": true, "purpose": true,
	"orgid": true, "sign": true, "url": true,
}

// qrPayload is the parsed view of a QR payload string.
type qrPayload struct {
	present     bool
	scheme      string
	host        string
	payee       string
	amount      decimal.Decimal
	hasAmount   bool
	extraParams int
	parseFailed bool
}

func parseQRPayload(raw string) qrPayload {
	if strings.TrimSpace(raw) == "" {
		return qrPayload{}
	}
	p := qrPayload{present: true}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		p.parseFailed = true
		return p
	}
	p.scheme = strings.ToLower(u.Scheme)
	p.host = strings.ToLower(u.Host)

	q := u.Query()
	p.payee = strings.ToLower(q.Get("pa"))
	if am := q.Get("am"); am != "" {
		if d, err := decimal.NewFromString(am); err == nil {
			p.amount = d
			p.hasAmount = true
		}
	}
	for key := range q {
		if !standardQRParams[strings.ToLower(key)] {
			p.extraParams++
		}
	}
	return p
}

// QuishingDetector screens the QR payload against the visible transaction.
// The high-signal patterns here are field mismatches: a crafted QR encodes a
// payee or amount at odds with what the payer believes they approved.
type QuishingDetector struct {
	cfg    *config.Config
	rules  *rules.Registry
	models *ml.Registry
}

func NewQuishingDetector(cfg *config.Config, reg *rules.Registry, models *ml.Registry) *QuishingDetector {
	return &QuishingDetector{cfg: cfg, rules: reg, models: models}
}

func (d *QuishingDetector) Name() string { return config.DetectorQuishing }

func (d *QuishingDetector) Ready() bool {
	return d.models.Ready(config.DetectorQuishing)
}

func (d *QuishingDetector) Score(ctx context.Context, tx *Transaction) Subscore {
	feats, payload := extractQuishingFeatures(tx, d.rules)

	hits := d.rules.EvaluateText(config.DetectorQuishing, strings.ToLower(normMemo(tx.Message)), "")
	if payload.present {
		if feats[featQRPayeeMismatch] > 0 {
			hits = append(hits, rules.RuleQRPayeeMismatch)
		}
		if feats[featQRAmtMismatch] > 0 {
			hits = append(hits, rules.RuleQRAmountMismatch)
		}
		if feats[featQRBadScheme] > 0 {
			hits = append(hits, rules.RuleQRBadScheme)
		}
		if feats[featQRIPHost] > 0 {
			hits = append(hits, rules.RuleQRIPHost)
		}
		if feats[featQRShortener] > 0 {
			hits = append(hits, rules.RuleQRShortenerHost)
		}
		if feats[featQRNonstdParams] > 0 {
			hits = append(hits, rules.RuleQRNonstandardParam)
		}
		if feats[featQREntropy] > 0 {
			hits = append(hits, rules.RuleQRHighEntropy)
		}
	}
	pRules, hard := d.rules.ScoreHits(hits)

	var pModel float64
	hasModel := false
	var contribs []FeatureWeight
	if scorer := d.models.Scorer(config.DetectorQuishing); scorer != nil {
		pModel = scorer.PredictProba(feats)
		hasModel = true
		for _, c := range scorer.TopContributions(feats, 2) {
			contribs = append(contribs, FeatureWeight{Name: c.Feature, Weight: c.Value})
		}
	}

	return combine(config.DetectorQuishing, pModel, hasModel, pRules, hard, hits, topSignals(ruleWeights(d.rules, hits), contribs))
}

// extractQuishingFeatures derives the quishing vector. Total: a missing or
// unparseable payload yields neutral values.
func extractQuishingFeatures(tx *Transaction, reg *rules.Registry) (map[string]float64, qrPayload) {
	payload := parseQRPayload(tx.QRPayload)

	feats := map[string]float64{
		featQRHasPayload:    boolFeature(payload.present),
		featQRIsQRType:      boolFeature(tx.Type == TypeQRPay),
		featQRPayeeMismatch: 0,
		featQRAmtMismatch:   0,
		featQRBadScheme:     0,
		featQRIPHost:        0,
		featQRShortener:     0,
		featQRNonstdParams:  0,
		featQREntropy:       0,
		featQRLengthBucket:  0,
	}
	if !payload.present {
		return feats, payload
	}

	if payload.payee != "" && tx.PayeeVPA != "" && payload.payee != strings.ToLower(tx.PayeeVPA) {
		feats[featQRPayeeMismatch] = 1
	}
	if payload.hasAmount && amountsDiverge(payload.amount, tx.Amount) {
		feats[featQRAmtMismatch] = 1
	}
	if payload.parseFailed || payload.scheme != "upi" {
		feats[featQRBadScheme] = 1
	}
	if host := stripPort(payload.host); host != "" && net.ParseIP(host) != nil {
		feats[featQRIPHost] = 1
	}
	if payload.host != "" && reg.IsShortenerHost(payload.host) {
		feats[featQRShortener] = 1
	}
	if payload.extraParams > 0 {
		feats[featQRNonstdParams] = float64(payload.extraParams)
	}
	if len(tx.QRPayload) > 40 && shannonEntropy(tx.QRPayload) > 4.5 {
		feats[featQREntropy] = 1
	}
	feats[featQRLengthBucket] = math.Min(float64(len(tx.QRPayload))/256.0, 1)

	return feats, payload
}

// amountsDiverge reports whether the encoded amount differs from the request
// amount by more than 1%.
func amountsDiverge(encoded, requested decimal.Decimal) bool {
	if requested.IsZero() {
		return encoded.IsPositive()
	}
	diff := encoded.Sub(requested).Abs()
	return diff.GreaterThan(requested.Abs().Mul(decimal.NewFromFloat(0.01)))
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	h := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
