package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SafePayLabs/vigil/pkg/detect"
)

// MemoryStore implements ReviewStore in process memory. It backs development
// without a database and the test suite; semantics mirror PostgresStore,
// including idempotent enqueue and the atomic submit+feedback pair.
type MemoryStore struct {
	mu       sync.Mutex
	byTxID   map[string]*ReviewQueueEntry
	feedback []*FeedbackRecord
}

var _ ReviewStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTxID: make(map[string]*ReviewQueueEntry)}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Enqueue(ctx context.Context, t detect.ReviewTicket) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byTxID[t.TransactionID]; ok {
		return existing.ID, false, nil
	}
	e := &ReviewQueueEntry{
		ID:            uuid.NewString(),
		TransactionID: t.TransactionID,
		TrustScore:    t.TrustScore,
		Priority:      t.Priority,
		RequestJSON:   append([]byte(nil), t.RequestJSON...),
		SubscoresJSON: append([]byte(nil), t.SubscoresJSON...),
		SLADeadline:   t.SLADeadline,
		CreatedAt:     t.CreatedAt,
	}
	s.byTxID[t.TransactionID] = e
	return e.ID, true, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]*ReviewQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ReviewQueueEntry
	for _, e := range s.byTxID {
		if !e.Reviewed {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetByTransactionID(ctx context.Context, transactionID string) (*ReviewQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTxID[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *MemoryStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.byTxID {
		if !e.Reviewed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListOverdue(ctx context.Context, now time.Time) ([]*ReviewQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ReviewQueueEntry
	for _, e := range s.byTxID {
		if e.Overdue(now) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(out[j].SLADeadline) })
	return out, nil
}

func (s *MemoryStore) SubmitDecision(ctx context.Context, transactionID, analystID string, decision AnalystDecision, feedbackText string, warnThreshold int) (*ReviewQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byTxID[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Reviewed {
		return nil, ErrAlreadyReviewed
	}

	dec := string(decision)
	e.Reviewed = true
	e.AnalystID = &analystID
	e.Decision = &dec
	e.FeedbackText = &feedbackText

	correctLabel, modelWasCorrect := DeriveFeedback(decision, e.TrustScore, warnThreshold)
	s.feedback = append(s.feedback, &FeedbackRecord{
		ID:                 uuid.NewString(),
		TransactionID:      transactionID,
		OriginalTrustScore: e.TrustScore,
		OriginalSubscores:  append([]byte(nil), e.SubscoresJSON...),
		AnalystDecision:    dec,
		CorrectLabel:       correctLabel,
		ModelWasCorrect:    modelWasCorrect,
		CreatedAt:          time.Now().UTC(),
	})
	return copyEntry(e), nil
}

func (s *MemoryStore) PendingFeedback(ctx context.Context, minSamples int) ([]*FeedbackRecord, error) {
	if minSamples <= 0 {
		minSamples = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*FeedbackRecord
	for i := len(s.feedback) - 1; i >= 0 && len(out) < 2*minSamples; i-- {
		if !s.feedback[i].UsedForRetraining {
			r := *s.feedback[i]
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkUsed(ctx context.Context, transactionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(transactionIDs))
	for _, id := range transactionIDs {
		ids[id] = true
	}
	for _, r := range s.feedback {
		if ids[r.TransactionID] {
			r.UsedForRetraining = true
		}
	}
	return nil
}

func copyEntry(e *ReviewQueueEntry) *ReviewQueueEntry {
	out := *e
	out.RequestJSON = append([]byte(nil), e.RequestJSON...)
	out.SubscoresJSON = append([]byte(nil), e.SubscoresJSON...)
	return &out
}
