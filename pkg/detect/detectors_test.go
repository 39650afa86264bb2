package detect

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/ml"
	"github.com/SafePayLabs/vigil/pkg/rules"
)

// ruleOnlyModels returns an empty registry: every detector runs rule-only.
func ruleOnlyModels() *ml.Registry {
	return ml.NewRegistry(config.DetectorIDs)
}

// shippedModels loads the coefficient artifacts checked into ./models.
func shippedModels(t *testing.T) *ml.Registry {
	t.Helper()
	_, thisFile, _, _ := runtime.Caller(0)
	dir := filepath.Join(filepath.Dir(thisFile), "..", "..", "models")
	reg := ml.NewRegistry(config.DetectorIDs)
	failures := reg.LoadDir(dir)
	if len(failures) != 0 {
		t.Fatalf("shipped artifacts failed to load: %v", failures)
	}
	return reg
}

func benignTx(id string) *Transaction {
	return &Transaction{
		TransactionID: id,
		PayerVPA:      "vikas@okbank",
		PayeeVPA:      "ravi@okbank",
		Amount:        decimal.NewFromInt(500),
		Message:       "Send ₹500 for lunch",
		Type:          TypePay,
		Now:           testNow,
	}
}

func TestPhishingDetectorScamMemo(t *testing.T) {
	cfg := config.NewDefaultConfig()
	reg := rules.NewRegistry()
	d := NewPhishingDetector(cfg, reg, ruleOnlyModels(), nil, nil, nil)

	tx := benignTx("t-phish")
	tx.Message = "URGENT: verify KYC, share OTP to 9xxxxxxxx9, tap bit.ly/abc"
	tx.Amount = decimal.NewFromInt(100)

	sub := d.Score(context.Background(), tx)
	if sub.Probability < 0.9 {
		t.Errorf("phishing subscore: expected >= 0.9, got %v", sub.Probability)
	}
	if !sub.HardRuleFired {
		t.Error("otp_share and url_shortener are hard rules")
	}
	for _, want := range []string{"otp_share", "urgency_language", rules.RulePhishShortenerURL} {
		if !hasHit(sub.RuleHits, want) {
			t.Errorf("expected rule hit %q, got %v", want, sub.RuleHits)
		}
	}
	if sub.Confidence != TierHigh {
		t.Errorf("three-plus corroborating rules should be high confidence, got %s", sub.Confidence)
	}
}

func TestPhishingDetectorBenign(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewPhishingDetector(cfg, rules.NewRegistry(), shippedModels(t), nil, nil, nil)

	sub := d.Score(context.Background(), benignTx("t-clean"))
	if sub.Probability >= 0.3 {
		t.Errorf("benign memo scored too high: %v", sub.Probability)
	}
	if sub.HardRuleFired {
		t.Errorf("no hard rule should fire, hits=%v", sub.RuleHits)
	}
}

func TestPhishingDetectorTotalOnEmptyRequest(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewPhishingDetector(cfg, rules.NewRegistry(), ruleOnlyModels(), nil, nil, nil)

	sub := d.Score(context.Background(), &Transaction{TransactionID: "t-empty"})
	if sub.Probability != 0 {
		t.Errorf("empty request must score zero in rule-only mode, got %v", sub.Probability)
	}
}

func TestQuishingDetectorPayeeMismatch(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewQuishingDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	tx := benignTx("t-qr")
	tx.Type = TypeQRPay
	tx.PayeeVPA = "alice@bank"
	tx.Amount = decimal.NewFromInt(100)
	tx.QRPayload = "upi://pay?pa=mallory@bank&am=1000"

	sub := d.Score(context.Background(), tx)
	if sub.Probability < 0.9 {
		t.Errorf("quishing subscore: expected >= 0.9, got %v", sub.Probability)
	}
	if !hasHit(sub.RuleHits, rules.RuleQRPayeeMismatch) {
		t.Errorf("expected payee mismatch hit, got %v", sub.RuleHits)
	}
	if !hasHit(sub.RuleHits, rules.RuleQRAmountMismatch) {
		t.Errorf("expected amount mismatch hit, got %v", sub.RuleHits)
	}
	if !sub.HardRuleFired {
		t.Error("QR mismatches are hard rules")
	}
}

func TestQuishingDetectorAmountTolerance(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewQuishingDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	// encoded amount within 1% of request: no mismatch
	tx := benignTx("t-qr-tol")
	tx.Type = TypeQRPay
	tx.PayeeVPA = "ravi@okbank"
	tx.Amount = decimal.NewFromInt(1000)
	tx.QRPayload = "upi://pay?pa=ravi@okbank&am=1005"

	sub := d.Score(context.Background(), tx)
	if hasHit(sub.RuleHits, rules.RuleQRAmountMismatch) {
		t.Errorf("0.5%% divergence must not trip the mismatch rule, hits=%v", sub.RuleHits)
	}
}

func TestQuishingDetectorBadSchemeAndIPHost(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewQuishingDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	tx := benignTx("t-qr-http")
	tx.Type = TypeQRPay
	tx.QRPayload = "http://203.0.113.9/pay"

	sub := d.Score(context.Background(), tx)
	if !hasHit(sub.RuleHits, rules.RuleQRBadScheme) {
		t.Errorf("expected bad scheme hit, got %v", sub.RuleHits)
	}
	if !hasHit(sub.RuleHits, rules.RuleQRIPHost) {
		t.Errorf("expected IP host hit, got %v", sub.RuleHits)
	}
}

func TestQuishingDetectorNoPayloadNeutral(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewQuishingDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	sub := d.Score(context.Background(), benignTx("t-noqr"))
	if sub.Probability != 0 {
		t.Errorf("no payload must score zero in rule-only mode, got %v", sub.Probability)
	}
}

func TestCollectDetectorLargeNewPayeeBait(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewCollectDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	tx := benignTx("t-collect")
	tx.Type = TypeCollect
	tx.PayeeNew = 1
	tx.Amount = decimal.NewFromInt(75000)
	tx.Message = "prize claim"

	sub := d.Score(context.Background(), tx)
	if sub.Probability < 0.85 {
		t.Errorf("collect subscore: expected >= 0.85, got %v", sub.Probability)
	}
	if !sub.HardRuleFired {
		t.Error("large+new+collect is a hard rule")
	}
	if !hasHit(sub.RuleHits, rules.RuleCollectLargeNewPayee) {
		t.Errorf("expected %s, got %v", rules.RuleCollectLargeNewPayee, sub.RuleHits)
	}
}

func TestCollectDetectorThresholdBoundaryInclusive(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewCollectDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	tx := benignTx("t-collect-edge")
	tx.Type = TypeCollect
	tx.PayeeNew = 1
	tx.Amount = decimal.NewFromInt(50000) // exactly the threshold

	sub := d.Score(context.Background(), tx)
	if !hasHit(sub.RuleHits, rules.RuleCollectLargeNewPayee) {
		t.Errorf("boundary amount must fire the large-amount rule, hits=%v", sub.RuleHits)
	}
}

func TestCollectDetectorUsesVelocityBaseline(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewCollectDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	tx := benignTx("t-collect-vel")
	tx.Type = TypeCollect
	tx.Amount = decimal.NewFromInt(40000)
	tx.Velocity = &VelocityProfile{Count24h: 2, MeanAmount30d: 800, StdAmount30d: 400, Samples: 20}

	sub := d.Score(context.Background(), tx)
	if !hasHit(sub.RuleHits, rules.RuleCollectAboveBaseline) {
		t.Errorf("amount 50x baseline must hit %s, got %v", rules.RuleCollectAboveBaseline, sub.RuleHits)
	}
}

func TestMalwareDetectorCompromisedPosture(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewMalwareDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	tx := benignTx("t-mal")
	tx.Posture = &DevicePosture{DebuggerAttached: true, AccessibilityServiceActive: true}

	sub := d.Score(context.Background(), tx)
	if sub.Probability < 0.85 {
		t.Errorf("malware subscore: expected >= 0.85, got %v", sub.Probability)
	}
	if !sub.HardRuleFired {
		t.Error("debugger_attached is a hard rule")
	}
	if !hasHit(sub.RuleHits, rules.RuleMalDebugger) {
		t.Errorf("expected debugger hit, got %v", sub.RuleHits)
	}
}

func TestMalwareDetectorSideloadAccessibilityCombo(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewMalwareDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	tx := benignTx("t-mal2")
	tx.Posture = &DevicePosture{RecentSideload: true, AccessibilityServiceActive: true}

	sub := d.Score(context.Background(), tx)
	if !hasHit(sub.RuleHits, rules.RuleMalSideloadAccessibilty) {
		t.Errorf("expected combo hit, got %v", sub.RuleHits)
	}
	if !sub.HardRuleFired {
		t.Error("sideload+accessibility is a hard rule")
	}
}

func TestMalwareDetectorCleanOrMissingPosture(t *testing.T) {
	cfg := config.NewDefaultConfig()
	d := NewMalwareDetector(cfg, rules.NewRegistry(), ruleOnlyModels())

	for _, tx := range []*Transaction{
		benignTx("t-clean-posture"),
		{TransactionID: "t-nil-posture"},
	} {
		sub := d.Score(context.Background(), tx)
		if sub.Probability != 0 {
			t.Errorf("clean posture must score zero in rule-only mode, got %v", sub.Probability)
		}
	}
}

func hasHit(hits []string, want string) bool {
	for _, h := range hits {
		if h == want {
			return true
		}
	}
	return false
}
