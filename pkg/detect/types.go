// Package detect implements the fraud-screening pipeline: the four risk
// detectors, the trust-score aggregator, the explainer, the HITL manager, and
// the scoring coordinator that orchestrates one request end to end.
package detect

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the terminal decision for a screening request.
type Action string

const (
	ActionAllow       Action = "ALLOW"
	ActionWarn        Action = "WARN"
	ActionBlock       Action = "BLOCK"
	ActionHumanReview Action = "HUMAN_REVIEW"
)

// TransactionType is the payment flow being screened.
type TransactionType string

const (
	TypePay     TransactionType = "pay"
	TypeCollect TransactionType = "collect"
	TypeQRPay   TransactionType = "qr_pay"
)

// Tier is a detector's confidence in its own probability.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Priority ranks review-queue entries for analysts.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// DevicePosture is the client-supplied device signal bundle. Vigil consumes
// these flags as reported; attestation is the client's problem.
type DevicePosture struct {
	InstalledAppCount          int  `json:"installed_app_count"`
	SuspiciousAppFlag          bool `json:"suspicious_app_flag"`
	AccessibilityServiceActive bool `json:"accessibility_service_active"`
	ScreenOverlayActive        bool `json:"screen_overlay_active"`
	DebuggerAttached           bool `json:"debugger_attached"`
	RecentSideload             bool `json:"recent_sideload"`
}

// VelocityProfile summarizes a payer's recent activity. Values exclude the
// transaction being scored so that re-scoring the same request is stable.
type VelocityProfile struct {
	Count24h      int
	MeanAmount30d float64
	StdAmount30d  float64
	Samples       int
}

// Transaction is one screening event. Immutable once received; the
// coordinator fills the enrichment fields before the detectors run.
type Transaction struct {
	TransactionID string          `json:"transaction_id" validate:"required,max=128"`
	PayerVPA      string          `json:"payer_vpa"`
	PayeeVPA      string          `json:"payee_vpa"`
	Amount        decimal.Decimal `json:"amount"`
	Message       string          `json:"message"`
	Type          TransactionType `json:"transaction_type" validate:"omitempty,oneof=pay collect qr_pay"`
	QRPayload     string          `json:"qr_payload,omitempty"`
	PayeeNew      int             `json:"payee_new" validate:"min=0,max=1"`
	Posture       *DevicePosture  `json:"device_posture,omitempty"`

	// Enrichment; not part of the wire request.
	Velocity *VelocityProfile `json:"-"`
	Now      time.Time        `json:"-"`
}

// FeatureWeight is a named importance value used for explanations.
type FeatureWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"importance"`
}

// Subscore is one detector's verdict.
type Subscore struct {
	Detector      string   `json:"detector"`
	Probability   float64  `json:"probability"`
	RuleHits      []string `json:"rule_hits"`
	Confidence    Tier     `json:"confidence"`
	HardRuleFired bool     `json:"hard_rule_fired"`

	// TopFeatures carries the detector's strongest signals (rule weights
	// and model contributions) for the explainer, strongest first.
	TopFeatures []FeatureWeight `json:"top_features,omitempty"`
}

// NeutralSubscore is the substitution emitted when a detector cannot answer
// in time (or at all). The aggregator treats it as uncertain but explicit.
func NeutralSubscore(detector, ruleHit string) Subscore {
	return Subscore{
		Detector:    detector,
		Probability: 0.5,
		RuleHits:    []string{ruleHit},
		Confidence:  TierLow,
	}
}

// Decision is the aggregator's result for one request.
type Decision struct {
	TrustScore int        `json:"trust_score"`
	Action     Action     `json:"action"`
	Risk       float64    `json:"risk"`
	Subscores  []Subscore `json:"subscores"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Explanation is the human-facing reasoning for a decision.
type Explanation struct {
	Reasons           []string           `json:"reasons"`
	RiskBreakdown     map[string]float64 `json:"risk_breakdown"`
	FeatureImportance []FeatureWeight    `json:"feature_importance"`
	RiskLevel         string             `json:"risk_level"`
	Nominal           bool               `json:"nominal"`
}

// Response is the wire shape returned to the payment client.
type Response struct {
	TransactionID     string             `json:"transaction_id"`
	TrustScore        int                `json:"trust_score"`
	Action            Action             `json:"action"`
	Subscores         map[string]float64 `json:"subscores"`
	Reasons           []string           `json:"reasons"`
	RiskBreakdown     map[string]float64 `json:"risk_breakdown"`
	FeatureImportance []FeatureWeight    `json:"feature_importance"`
	RiskLevel         string             `json:"risk_level"`
	ReviewID          *string            `json:"review_id"`
}
