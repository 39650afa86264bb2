// Package store persists the review queue, the analyst feedback log, and the
// payer velocity profiles. The queue and feedback tables live in Postgres
// (an in-memory implementation backs development and tests); velocity lives
// in Redis.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/SafePayLabs/vigil/pkg/detect"
)

// Error taxonomy surfaced by the analyst operations. The scoring path never
// sees these: enqueue failures degrade into a response reason instead.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyReviewed    = errors.New("already reviewed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// AnalystDecision is an analyst's verdict on a queued review.
type AnalystDecision string

const (
	DecisionApprove  AnalystDecision = "APPROVE"
	DecisionReject   AnalystDecision = "REJECT"
	DecisionEscalate AnalystDecision = "ESCALATE"
)

// ValidAnalystDecision reports whether s names a known verdict.
func ValidAnalystDecision(s string) bool {
	switch AnalystDecision(s) {
	case DecisionApprove, DecisionReject, DecisionEscalate:
		return true
	}
	return false
}

// ReviewQueueEntry is one persisted review. Once Reviewed flips true the
// analyst triple is immutable.
type ReviewQueueEntry struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	TrustScore    int             `json:"trust_score"`
	Priority      detect.Priority `json:"priority"`
	RequestJSON   []byte          `json:"request_json"`
	SubscoresJSON []byte          `json:"subscores_json"`
	SLADeadline   time.Time       `json:"sla_deadline"`
	CreatedAt     time.Time       `json:"created_at"`
	Reviewed      bool            `json:"reviewed"`
	AnalystID     *string         `json:"analyst_id"`
	Decision      *string         `json:"decision"`
	FeedbackText  *string         `json:"feedback_text"`
}

// Overdue reports whether the entry is pending past its SLA at the given
// instant.
func (e *ReviewQueueEntry) Overdue(now time.Time) bool {
	return !e.Reviewed && now.After(e.SLADeadline)
}

// FeedbackRecord is one labeled example staged for retraining. Never deleted.
type FeedbackRecord struct {
	ID                 string    `json:"id"`
	TransactionID      string    `json:"transaction_id"`
	OriginalTrustScore int       `json:"original_trust_score"`
	OriginalSubscores  []byte    `json:"original_subscores_json"`
	AnalystDecision    string    `json:"analyst_decision"`
	CorrectLabel       int       `json:"correct_label"`
	ModelWasCorrect    int       `json:"model_was_correct"`
	UsedForRetraining  bool      `json:"used_for_retraining"`
	CreatedAt          time.Time `json:"created_at"`
}

// DeriveFeedback computes the retraining label fields from an analyst
// decision: REJECT and ESCALATE mean the transaction was fraud; the model was
// correct when its BLOCK-band prediction (trust below the WARN threshold)
// agrees with the label.
func DeriveFeedback(decision AnalystDecision, trustScore, warnThreshold int) (correctLabel, modelWasCorrect int) {
	if decision == DecisionReject || decision == DecisionEscalate {
		correctLabel = 1
	}
	modelPredictedFraud := trustScore < warnThreshold
	if modelPredictedFraud == (correctLabel == 1) {
		modelWasCorrect = 1
	}
	return correctLabel, modelWasCorrect
}

// ReviewStore is the full queue + feedback contract. SubmitDecision performs
// the queue update and the feedback append in one logical transaction.
type ReviewStore interface {
	detect.ReviewEnqueuer

	ListPending(ctx context.Context, limit int) ([]*ReviewQueueEntry, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*ReviewQueueEntry, error)
	CountPending(ctx context.Context) (int, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*ReviewQueueEntry, error)

	// SubmitDecision transitions the entry to reviewed and appends the
	// feedback record atomically. Fails with ErrNotFound on an unknown id
	// and ErrAlreadyReviewed on a second submission.
	SubmitDecision(ctx context.Context, transactionID, analystID string, decision AnalystDecision, feedbackText string, warnThreshold int) (*ReviewQueueEntry, error)

	// PendingFeedback returns unexported feedback, newest first, capped at
	// 2*minSamples. MarkUsed flips the export flag; neither deletes.
	PendingFeedback(ctx context.Context, minSamples int) ([]*FeedbackRecord, error)
	MarkUsed(ctx context.Context, transactionIDs []string) error

	// Ping reports storage reachability for health checks.
	Ping(ctx context.Context) error
}
