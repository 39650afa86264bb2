package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SafePayLabs/vigil/pkg/detect"
)

// PostgresStore implements ReviewStore backed by PostgreSQL. Connections come
// from the pool and are scoped to one operation; per-row exclusion (SELECT
// FOR UPDATE on the queue row) serializes mutations per transaction id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time check.
var _ ReviewStore = (*PostgresStore)(nil)

// NewPostgresStore connects a pool to the database URL.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping implements ReviewStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const reviewColumns = `id, transaction_id, trust_score, priority, request_json, subscores_json,
	sla_deadline, created_at, reviewed, analyst_id, decision, feedback_text`

func scanReview(row pgx.Row) (*ReviewQueueEntry, error) {
	var e ReviewQueueEntry
	var priority string
	err := row.Scan(&e.ID, &e.TransactionID, &e.TrustScore, &priority, &e.RequestJSON,
		&e.SubscoresJSON, &e.SLADeadline, &e.CreatedAt, &e.Reviewed, &e.AnalystID,
		&e.Decision, &e.FeedbackText)
	if err != nil {
		return nil, err
	}
	e.Priority = detect.Priority(priority)
	return &e, nil
}

// Enqueue implements detect.ReviewEnqueuer. Re-enqueue with a known
// transaction id returns the existing entry unchanged.
func (s *PostgresStore) Enqueue(ctx context.Context, t detect.ReviewTicket) (string, bool, error) {
	var id string
	var created bool
	err := withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO review_queue
				(id, transaction_id, trust_score, priority, request_json, subscores_json, sla_deadline, created_at, reviewed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
			ON CONFLICT (transaction_id) DO NOTHING
			RETURNING id
		`, uuid.NewString(), t.TransactionID, t.TrustScore, string(t.Priority),
			t.RequestJSON, t.SubscoresJSON, t.SLADeadline, t.CreatedAt)

		switch err := row.Scan(&id); {
		case err == nil:
			created = true
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			created = false
			return s.pool.QueryRow(ctx,
				`SELECT id FROM review_queue WHERE transaction_id = $1`, t.TransactionID,
			).Scan(&id)
		default:
			return err
		}
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// ListPending implements ReviewStore; newest first.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*ReviewQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+reviewColumns+`
		FROM review_queue
		WHERE reviewed = FALSE
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

// GetByTransactionID implements ReviewStore.
func (s *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (*ReviewQueueEntry, error) {
	e, err := scanReview(s.pool.QueryRow(ctx, `
		SELECT `+reviewColumns+`
		FROM review_queue
		WHERE transaction_id = $1
	`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return e, nil
}

// CountPending implements ReviewStore.
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_queue WHERE reviewed = FALSE`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}

// ListOverdue implements ReviewStore.
func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time) ([]*ReviewQueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reviewColumns+`
		FROM review_queue
		WHERE reviewed = FALSE AND sla_deadline < $1
		ORDER BY sla_deadline ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return collectReviews(rows)
}

func collectReviews(rows pgx.Rows) ([]*ReviewQueueEntry, error) {
	var out []*ReviewQueueEntry
	for rows.Next() {
		e, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// SubmitDecision implements ReviewStore. The queue update and the feedback
// append land in one database transaction; either both commit or neither.
func (s *PostgresStore) SubmitDecision(ctx context.Context, transactionID, analystID string, decision AnalystDecision, feedbackText string, warnThreshold int) (*ReviewQueueEntry, error) {
	var out *ReviewQueueEntry
	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		e, err := scanReview(tx.QueryRow(ctx, `
			SELECT `+reviewColumns+`
			FROM review_queue
			WHERE transaction_id = $1
			FOR UPDATE
		`, transactionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if e.Reviewed {
			return ErrAlreadyReviewed
		}

		now := time.Now().UTC()
		dec := string(decision)
		if _, err := tx.Exec(ctx, `
			UPDATE review_queue
			SET reviewed = TRUE, analyst_id = $2, decision = $3, feedback_text = $4
			WHERE transaction_id = $1
		`, transactionID, analystID, dec, feedbackText); err != nil {
			return err
		}

		correctLabel, modelWasCorrect := DeriveFeedback(decision, e.TrustScore, warnThreshold)
		if _, err := tx.Exec(ctx, `
			INSERT INTO feedback_log
				(id, transaction_id, original_trust_score, original_subscores_json,
				 analyst_decision, correct_label, model_was_correct, used_for_retraining, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		`, uuid.NewString(), transactionID, e.TrustScore, e.SubscoresJSON,
			dec, correctLabel, modelWasCorrect, now); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		e.Reviewed = true
		e.AnalystID = &analystID
		e.Decision = &dec
		e.FeedbackText = &feedbackText
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingFeedback implements ReviewStore; newest first, capped at
// 2*minSamples.
func (s *PostgresStore) PendingFeedback(ctx context.Context, minSamples int) ([]*FeedbackRecord, error) {
	if minSamples <= 0 {
		minSamples = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, transaction_id, original_trust_score, original_subscores_json,
		       analyst_decision, correct_label, model_was_correct, used_for_retraining, created_at
		FROM feedback_log
		WHERE used_for_retraining = FALSE
		ORDER BY created_at DESC
		LIMIT $1
	`, 2*minSamples)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*FeedbackRecord
	for rows.Next() {
		var r FeedbackRecord
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.OriginalTrustScore, &r.OriginalSubscores,
			&r.AnalystDecision, &r.CorrectLabel, &r.ModelWasCorrect, &r.UsedForRetraining, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// MarkUsed implements ReviewStore.
func (s *PostgresStore) MarkUsed(ctx context.Context, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE feedback_log SET used_for_retraining = TRUE
		WHERE transaction_id = ANY($1)
	`, transactionIDs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
