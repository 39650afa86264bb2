package detect

import (
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/SafePayLabs/vigil/pkg/rules"
)

func newExplainer() *Explainer {
	return NewExplainer(rules.NewRegistry())
}

func TestExplainCleanTransaction(t *testing.T) {
	e := newExplainer()
	st := testSettings()
	tx := &Transaction{TransactionID: "t1", Amount: decimal.NewFromInt(500), Now: testNow}
	dec := Decision{TrustScore: 100, Action: ActionAllow, Subscores: subsWith(nil, nil), Timestamp: testNow}

	expl := e.Explain(tx, dec, st)

	if len(expl.Reasons) != 0 {
		t.Errorf("clean transaction must produce no reasons, got %v", expl.Reasons)
	}
	if !expl.Nominal {
		t.Error("zero-risk breakdown must be marked nominal")
	}
	sum := 0.0
	for _, share := range expl.RiskBreakdown {
		if math.Abs(share-0.25) > 1e-9 {
			t.Errorf("nominal share must be 0.25, got %v", share)
		}
		sum += share
	}
	if math.Abs(sum-1.0) > 0.01 {
		t.Errorf("breakdown must sum to ~1, got %v", sum)
	}
	if expl.RiskLevel != "LOW" {
		t.Errorf("expected LOW, got %s", expl.RiskLevel)
	}
}

func TestExplainBreakdownNormalizes(t *testing.T) {
	e := newExplainer()
	st := testSettings()
	tx := &Transaction{TransactionID: "t1", Amount: decimal.NewFromInt(500), Now: testNow}
	dec := Decision{
		TrustScore: 60,
		Action:     ActionWarn,
		Subscores:  subsWith(map[string]float64{"phishing": 0.8, "malware": 0.2}, nil),
		Timestamp:  testNow,
	}

	expl := e.Explain(tx, dec, st)

	sum := 0.0
	for _, share := range expl.RiskBreakdown {
		sum += share
	}
	if math.Abs(sum-1.0) > 0.01 {
		t.Errorf("breakdown must sum to ~1, got %v", sum)
	}
	if expl.RiskBreakdown["phishing"] <= expl.RiskBreakdown["malware"] {
		t.Error("phishing contributed more risk and must own the larger share")
	}
	if expl.Nominal {
		t.Error("non-zero risk must not be nominal")
	}
}

func TestExplainReasonsRankedAndNamed(t *testing.T) {
	e := newExplainer()
	st := testSettings()
	tx := &Transaction{TransactionID: "t1", Amount: decimal.NewFromInt(100), Now: testNow}

	subs := subsWith(map[string]float64{"phishing": 0.95, "collect": 0.4}, map[string]bool{"phishing": true})
	subs[0].RuleHits = []string{"otp_share", "urgency_language"}
	subs[2].RuleHits = []string{"threat_language"}
	dec := Decision{TrustScore: 20, Action: ActionBlock, Subscores: subs, Timestamp: testNow}

	expl := e.Explain(tx, dec, st)

	if len(expl.Reasons) < 2 {
		t.Fatalf("expected detector reasons, got %v", expl.Reasons)
	}
	// highest weighted risk first
	if !strings.Contains(expl.Reasons[0], "OTP") {
		t.Errorf("top reason must name the top phishing rule, got %q", expl.Reasons[0])
	}
	if !strings.Contains(strings.Join(expl.Reasons, " "), "legal") {
		t.Errorf("collect reason missing: %v", expl.Reasons)
	}
}

func TestExplainReasonCap(t *testing.T) {
	e := newExplainer()
	st := testSettings()
	tx := &Transaction{
		TransactionID: "t1",
		Amount:        decimal.NewFromInt(75000),
		PayeeNew:      1,
		Now:           testNow,
	}

	subs := subsWith(map[string]float64{"phishing": 0.8, "quishing": 0.8, "collect": 0.8, "malware": 0.8}, nil)
	subs[0].RuleHits = []string{"urgency_language"}
	subs[1].RuleHits = []string{rules.RuleQRPayeeMismatch}
	subs[2].RuleHits = []string{"threat_language"}
	subs[3].RuleHits = []string{rules.RuleMalOverlay}
	dec := Decision{TrustScore: 20, Action: ActionBlock, Subscores: subs, Timestamp: testNow}

	expl := e.Explain(tx, dec, st)
	if len(expl.Reasons) > 6 {
		t.Errorf("reasons capped at six, got %d: %v", len(expl.Reasons), expl.Reasons)
	}
}

func TestExplainShapeReasons(t *testing.T) {
	e := newExplainer()
	st := testSettings()
	tx := &Transaction{
		TransactionID: "t1",
		Amount:        decimal.NewFromInt(75000),
		PayeeNew:      1,
		Now:           testNow,
	}
	dec := Decision{TrustScore: 90, Action: ActionAllow, Subscores: subsWith(nil, nil), Timestamp: testNow}

	expl := e.Explain(tx, dec, st)
	joined := strings.Join(expl.Reasons, " | ")
	if !strings.Contains(joined, "First payment") {
		t.Errorf("expected first-time payee shape reason: %v", expl.Reasons)
	}
	if !strings.Contains(joined, "large-transaction") {
		t.Errorf("expected large-amount shape reason: %v", expl.Reasons)
	}
}

func TestExplainFeatureImportanceNormalized(t *testing.T) {
	e := newExplainer()
	st := testSettings()
	tx := &Transaction{TransactionID: "t1", Amount: decimal.NewFromInt(100), Now: testNow}

	subs := subsWith(map[string]float64{"phishing": 0.9, "malware": 0.9}, nil)
	subs[0].TopFeatures = []FeatureWeight{{Name: "otp_share", Weight: 0.45}, {Name: "urgency_language", Weight: 0.25}, {Name: "contains_url", Weight: 0.15}}
	subs[3].TopFeatures = []FeatureWeight{{Name: "debugger_attached", Weight: 0.65}, {Name: "otp_share", Weight: 0.45}}
	dec := Decision{TrustScore: 30, Action: ActionBlock, Subscores: subs, Timestamp: testNow}

	expl := e.Explain(tx, dec, st)

	sum := 0.0
	seen := map[string]bool{}
	for _, f := range expl.FeatureImportance {
		if seen[f.Name] {
			t.Errorf("duplicate feature %q after dedupe", f.Name)
		}
		seen[f.Name] = true
		sum += f.Weight
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("importance must renormalize to 1, got %v", sum)
	}
	// top two per detector only
	if seen["contains_url"] {
		t.Error("third-ranked feature must not be included")
	}
}

func TestRiskLevelBands(t *testing.T) {
	testCases := []struct {
		trust int
		want  string
	}{
		{100, "LOW"}, {85, "LOW"}, {80, "LOW-MEDIUM"}, {65, "LOW-MEDIUM"},
		{60, "MEDIUM"}, {45, "MEDIUM"}, {40, "HIGH"}, {25, "HIGH"},
		{20, "CRITICAL"}, {0, "CRITICAL"},
	}
	for _, tc := range testCases {
		if got := riskLevel(tc.trust); got != tc.want {
			t.Errorf("trust %d: expected %s, got %s", tc.trust, tc.want, got)
		}
	}
}
