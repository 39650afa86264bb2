package detect

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/SafePayLabs/vigil/pkg/config"
)

// ReviewPlan is the HITL manager's verdict for one decision.
type ReviewPlan struct {
	Required bool
	Priority Priority
	SLA      time.Duration
}

// HITLManager decides when to suspend the automated decision and route the
// transaction to the analyst queue.
type HITLManager struct{}

func NewHITLManager() *HITLManager { return &HITLManager{} }

// Evaluate applies the review triggers:
//
//   - WARN always confirms with a human before release
//   - BLOCK without a decisive detector (max p < 0.9) gets a human adjudicator
//   - sharp disagreement between detectors (spread >= 0.6) without a decisive
//     detector means the evidence is ambiguous
//   - large amounts never WARN or BLOCK silently
//
// A single detector at p >= 0.9 is decisive on its own; decisive BLOCKs below
// the large-amount threshold pass through without review so known-bad
// patterns fail fast.
func (h *HITLManager) Evaluate(dec Decision, amount decimal.Decimal, st *config.Settings) ReviewPlan {
	if !st.HITLEnabled {
		return ReviewPlan{}
	}

	maxP, minP := 0.0, 1.0
	for _, s := range dec.Subscores {
		if s.Probability > maxP {
			maxP = s.Probability
		}
		if s.Probability < minP {
			minP = s.Probability
		}
	}

	required := false
	switch {
	case dec.Action == ActionWarn:
		required = true
	case dec.Action == ActionBlock && maxP < 0.9:
		required = true
	case maxP-minP >= 0.6 && maxP < 0.9:
		required = true
	case amount.GreaterThanOrEqual(st.LargeAmountThreshold) && dec.Action != ActionAllow:
		required = true
	}
	if !required {
		return ReviewPlan{}
	}

	priority, sla := h.classify(dec, amount, st)
	return ReviewPlan{Required: true, Priority: priority, SLA: sla}
}

// classify assigns priority and SLA; first matching row wins.
func (h *HITLManager) classify(dec Decision, amount decimal.Decimal, st *config.Settings) (Priority, time.Duration) {
	switch {
	case dec.Action == ActionBlock && amount.GreaterThanOrEqual(st.LargeAmountThreshold):
		return PriorityCritical, 60 * time.Second
	case dec.Action == ActionBlock:
		return PriorityHigh, 5 * time.Minute
	case dec.TrustScore < 35:
		return PriorityHigh, 5 * time.Minute
	case dec.TrustScore < 50:
		return PriorityMedium, 30 * time.Minute
	default:
		return PriorityLow, 4 * time.Hour
	}
}
