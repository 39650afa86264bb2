package detect

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/rules"
)

// memQueue is a minimal idempotent enqueuer for coordinator tests.
type memQueue struct {
	entries map[string]ReviewTicket
	ids     map[string]string
	fail    bool
}

func newMemQueue() *memQueue {
	return &memQueue{entries: map[string]ReviewTicket{}, ids: map[string]string{}}
}

func (q *memQueue) Enqueue(ctx context.Context, t ReviewTicket) (string, bool, error) {
	if q.fail {
		return "", false, errors.New("storage down")
	}
	if id, ok := q.ids[t.TransactionID]; ok {
		return id, false, nil
	}
	id := "rev-" + t.TransactionID
	q.ids[t.TransactionID] = id
	q.entries[t.TransactionID] = t
	return id, true, nil
}

func newTestCoordinator(t *testing.T, queue ReviewEnqueuer) (*Coordinator, *config.Config) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	reg := rules.NewRegistry()
	models := ruleOnlyModels()
	detectors := []Detector{
		NewPhishingDetector(cfg, reg, models, nil, nil, nil),
		NewQuishingDetector(cfg, reg, models),
		NewCollectDetector(cfg, reg, models),
		NewMalwareDetector(cfg, reg, models),
	}
	c := NewCoordinator(cfg, detectors, reg, queue, nil, zap.NewNop()).
		WithClock(func() time.Time { return testNow })
	return c, cfg
}

func TestScoreBenignTransaction(t *testing.T) {
	c, _ := newTestCoordinator(t, newMemQueue())

	resp, err := c.Score(context.Background(), benignTx("s1"))
	require.NoError(t, err)

	assert.Equal(t, ActionAllow, resp.Action)
	assert.GreaterOrEqual(t, resp.TrustScore, 80)
	assert.Empty(t, resp.Reasons)
	assert.Equal(t, "LOW", resp.RiskLevel)
	assert.Nil(t, resp.ReviewID)
	assertInvariants(t, resp)
}

func TestScorePhishingMemoBlocks(t *testing.T) {
	c, _ := newTestCoordinator(t, newMemQueue())

	tx := benignTx("s2")
	tx.Message = "URGENT: verify KYC, share OTP to 9xxxxxxxx9, tap bit.ly/abc"
	tx.Amount = decimal.NewFromInt(100)

	resp, err := c.Score(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, ActionBlock, resp.Action)
	assert.LessOrEqual(t, resp.TrustScore, 20)
	assert.GreaterOrEqual(t, resp.Subscores["phishing"], 0.9)
	assert.Contains(t, joinReasons(resp), "OTP")
	assert.Nil(t, resp.ReviewID)
	assertInvariants(t, resp)
}

func TestScoreQuishingMismatchBlocks(t *testing.T) {
	c, _ := newTestCoordinator(t, newMemQueue())

	tx := benignTx("s3")
	tx.Type = TypeQRPay
	tx.PayeeVPA = "alice@bank"
	tx.Amount = decimal.NewFromInt(100)
	tx.QRPayload = "upi://pay?pa=mallory@bank&am=1000"

	resp, err := c.Score(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, ActionBlock, resp.Action)
	assert.GreaterOrEqual(t, resp.Subscores["quishing"], 0.9)
	assert.Contains(t, joinReasons(resp), "payee")
	assertInvariants(t, resp)
}

func TestScoreLargeCollectRoutesToReview(t *testing.T) {
	q := newMemQueue()
	c, _ := newTestCoordinator(t, q)

	tx := collectScam("s4")
	resp, err := c.Score(context.Background(), tx)
	require.NoError(t, err)

	assert.Equal(t, ActionHumanReview, resp.Action)
	require.NotNil(t, resp.ReviewID)

	ticket, ok := q.entries["s4"]
	require.True(t, ok, "review must be enqueued")
	assert.Equal(t, PriorityCritical, ticket.Priority)
	assert.Equal(t, testNow.Add(60*time.Second), ticket.SLADeadline)

	// request round-trips through the queue payload
	var stored Transaction
	require.NoError(t, json.Unmarshal(ticket.RequestJSON, &stored))
	assert.Equal(t, tx.TransactionID, stored.TransactionID)
	assert.True(t, tx.Amount.Equal(stored.Amount))
	assert.Equal(t, tx.Message, stored.Message)
	assertInvariants(t, resp)
}

func TestScoreCompromisedDeviceBlocks(t *testing.T) {
	c, _ := newTestCoordinator(t, newMemQueue())

	tx := benignTx("s5")
	tx.Posture = &DevicePosture{DebuggerAttached: true, AccessibilityServiceActive: true}

	resp, err := c.Score(context.Background(), tx)
	require.NoError(t, err)

	assert.Contains(t, []Action{ActionWarn, ActionBlock}, resp.Action)
	assert.GreaterOrEqual(t, resp.Subscores["malware"], 0.85)
	assert.Contains(t, joinReasons(resp), "debugger")
	assertInvariants(t, resp)
}

func TestScoreRepeatEnqueueReturnsSameReview(t *testing.T) {
	q := newMemQueue()
	c, _ := newTestCoordinator(t, q)

	first, err := c.Score(context.Background(), collectScam("s6"))
	require.NoError(t, err)
	second, err := c.Score(context.Background(), collectScam("s6"))
	require.NoError(t, err)

	require.NotNil(t, first.ReviewID)
	require.NotNil(t, second.ReviewID)
	assert.Equal(t, *first.ReviewID, *second.ReviewID)
	assert.Len(t, q.entries, 1, "exactly one review row")
}

func TestScoreDeterministic(t *testing.T) {
	c, _ := newTestCoordinator(t, newMemQueue())

	a, err := c.Score(context.Background(), benignTx("same"))
	require.NoError(t, err)
	b, err := c.Score(context.Background(), benignTx("same"))
	require.NoError(t, err)

	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	assert.JSONEq(t, string(aj), string(bj))
}

func TestScoreEnqueueFailureDegrades(t *testing.T) {
	q := newMemQueue()
	q.fail = true
	c, _ := newTestCoordinator(t, q)

	resp, err := c.Score(context.Background(), collectScam("s-fail"))
	require.NoError(t, err, "a persistence hiccup must not fail the scoring request")

	assert.Equal(t, ActionHumanReview, resp.Action)
	assert.Nil(t, resp.ReviewID)
	assert.Contains(t, resp.Reasons, "review_enqueue_failed")
}

func TestScoreHITLDisabled(t *testing.T) {
	c, cfg := newTestCoordinator(t, newMemQueue())
	st := *cfg.Settings()
	st.HITLEnabled = false
	cfg.SwapSettings(&st)

	resp, err := c.Score(context.Background(), collectScam("s-nohitl"))
	require.NoError(t, err)

	assert.NotEqual(t, ActionHumanReview, resp.Action)
	assert.Equal(t, ActionBlock, resp.Action)
	assert.Nil(t, resp.ReviewID)
}

func TestScoreSlowDetectorGetsNeutralSubstitute(t *testing.T) {
	cfg := config.NewDefaultConfig()
	st := *cfg.Settings()
	st.PerDetectorDeadline = 30 * time.Millisecond
	cfg.SwapSettings(&st)

	reg := rules.NewRegistry()
	models := ruleOnlyModels()
	detectors := []Detector{
		NewPhishingDetector(cfg, reg, models, nil, nil, nil),
		&stallDetector{name: config.DetectorQuishing, delay: 500 * time.Millisecond},
		NewCollectDetector(cfg, reg, models),
		NewMalwareDetector(cfg, reg, models),
	}
	c := NewCoordinator(cfg, detectors, reg, newMemQueue(), nil, zap.NewNop()).
		WithClock(func() time.Time { return testNow })

	resp, err := c.Score(context.Background(), benignTx("s-slow"))
	require.NoError(t, err)

	assert.InDelta(t, 0.5, resp.Subscores["quishing"], 1e-9, "timed-out detector is substituted, not dropped")
	assertInvariants(t, resp)
}

func TestScoreInvalidRequests(t *testing.T) {
	c, _ := newTestCoordinator(t, newMemQueue())

	testCases := []struct {
		name string
		tx   *Transaction
	}{
		{"empty transaction id", &Transaction{Amount: decimal.NewFromInt(10)}},
		{"negative amount", &Transaction{TransactionID: "x", Amount: decimal.NewFromInt(-1)}},
		{"oversized transaction id", &Transaction{TransactionID: string(make([]byte, 200)), Amount: decimal.NewFromInt(10)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Score(context.Background(), tc.tx)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestScoreEmptyOptionalFieldsValid(t *testing.T) {
	c, _ := newTestCoordinator(t, newMemQueue())

	resp, err := c.Score(context.Background(), &Transaction{
		TransactionID: "bare",
		Type:          TypePay,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, resp.Action)
	assertInvariants(t, resp)
}

// stallDetector simulates a detector that exceeds its deadline.
type stallDetector struct {
	name  string
	delay time.Duration
}

func (s *stallDetector) Name() string { return s.name }
func (s *stallDetector) Ready() bool  { return true }
func (s *stallDetector) Score(ctx context.Context, tx *Transaction) Subscore {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return Subscore{Detector: s.name, Probability: 0.1}
}

func collectScam(id string) *Transaction {
	return &Transaction{
		TransactionID: id,
		PayerVPA:      "vikas@okbank",
		PayeeVPA:      "collector@newpsp",
		Amount:        decimal.NewFromInt(75000),
		Message:       "prize claim",
		Type:          TypeCollect,
		PayeeNew:      1,
	}
}

func joinReasons(resp *Response) string {
	out := ""
	for _, r := range resp.Reasons {
		out += r + " | "
	}
	return out
}

func assertInvariants(t *testing.T, resp *Response) {
	t.Helper()
	assert.GreaterOrEqual(t, resp.TrustScore, 0)
	assert.LessOrEqual(t, resp.TrustScore, 100)
	assert.Contains(t, []Action{ActionAllow, ActionWarn, ActionBlock, ActionHumanReview}, resp.Action)

	sum := 0.0
	for _, share := range resp.RiskBreakdown {
		sum += share
	}
	assert.InDelta(t, 1.0, sum, 0.01, "risk breakdown must sum to ~1")

	for _, p := range resp.Subscores {
		if p >= 0.9 {
			assert.NotEqual(t, ActionAllow, resp.Action, "p >= 0.9 forbids ALLOW")
		}
	}
	if resp.ReviewID != nil {
		assert.Equal(t, ActionHumanReview, resp.Action, "review_id non-null implies HUMAN_REVIEW")
	}
}
