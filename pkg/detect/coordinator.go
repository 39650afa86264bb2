package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/rules"
	"github.com/SafePayLabs/vigil/pkg/telemetry"
)

// ErrInvalidRequest marks a request that fails validation. It is the only
// error the scoring path surfaces to the caller.
var ErrInvalidRequest = errors.New("invalid request")

// appended to the response reasons when a required review could not be
// persisted, so the client knows a human review was intended.
const reasonEnqueueFailed = "review_enqueue_failed"

// ReviewTicket is what the coordinator hands the queue when HITL demands a
// review.
type ReviewTicket struct {
	TransactionID string
	TrustScore    int
	Priority      Priority
	SLADeadline   time.Time
	RequestJSON   []byte
	SubscoresJSON []byte
	CreatedAt     time.Time
}

// ReviewEnqueuer persists review tickets. Enqueue is idempotent on
// transaction id: a re-enqueue returns the existing entry's id with
// created=false.
type ReviewEnqueuer interface {
	Enqueue(ctx context.Context, t ReviewTicket) (reviewID string, created bool, err error)
}

// VelocitySource serves payer activity profiles and records observations.
// Both directions are best-effort; the pipeline runs without them.
type VelocitySource interface {
	// ProfileFor returns the payer's profile excluding the given
	// transaction's own contribution, so re-scoring is stable.
	ProfileFor(ctx context.Context, payerVPA, transactionID string, amount float64) (*VelocityProfile, error)

	// Observe records the transaction into the profile, idempotently by
	// transaction id.
	Observe(ctx context.Context, payerVPA, transactionID string, amount float64) error
}

var validate = validator.New()

// Coordinator orchestrates one scoring request: detectors in parallel,
// aggregation, HITL evaluation, explanation, response assembly.
type Coordinator struct {
	cfg       *config.Config
	detectors []Detector
	agg       *Aggregator
	hitl      *HITLManager
	expl      *Explainer
	queue     ReviewEnqueuer
	velocity  VelocitySource
	log       *zap.Logger
	clock     func() time.Time
}

// NewCoordinator wires the pipeline. The detector slice must hold exactly the
// four detectors in response order; velocity may be nil.
func NewCoordinator(cfg *config.Config, detectors []Detector, reg *rules.Registry, queue ReviewEnqueuer, velocity VelocitySource, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		detectors: detectors,
		agg:       NewAggregator(),
		hitl:      NewHITLManager(),
		expl:      NewExplainer(reg),
		queue:     queue,
		velocity:  velocity,
		log:       log,
		clock:     time.Now,
	}
}

// WithClock replaces the coordinator's clock. Intended for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Validate checks the caller-controlled fields. Violations surface as
// ErrInvalidRequest with a human-readable detail.
func (c *Coordinator) Validate(tx *Transaction) error {
	if err := validate.Struct(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if tx.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidRequest)
	}
	return nil
}

// Score runs the full pipeline for one request.
//
// The scoring path never fails because a detector, a timeout, or a
// persistence hiccup occurred: it degrades and reports. The only error
// returns are validation failure and caller cancellation.
func (c *Coordinator) Score(ctx context.Context, tx *Transaction) (*Response, error) {
	start := time.Now()
	if err := c.Validate(tx); err != nil {
		return nil, err
	}

	st := c.cfg.Settings()
	now := c.clock()
	tx.Now = now

	// Best-effort enrichment; detectors treat a nil profile as neutral.
	if c.velocity != nil {
		if profile, err := c.velocity.ProfileFor(ctx, tx.PayerVPA, tx.TransactionID, amountFloat(tx)); err == nil {
			tx.Velocity = profile
		}
	}

	subs := c.runDetectors(ctx, tx, st)
	dec := c.agg.Aggregate(subs, st, now)
	plan := c.hitl.Evaluate(dec, tx.Amount, st)

	var reviewID *string
	enqueueFailed := false
	if plan.Required {
		// A caller that is gone must not leave a review behind.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec.Action = ActionHumanReview

		id, created, err := c.enqueue(ctx, tx, dec, plan, now)
		switch {
		case err != nil:
			enqueueFailed = true
			telemetry.EnqueueFailures.Inc()
			c.log.Warn("review enqueue failed",
				zap.String("transaction_id", tx.TransactionID),
				zap.Error(err))
		default:
			reviewID = &id
			if created {
				c.log.Info("queued for human review",
					zap.String("transaction_id", tx.TransactionID),
					zap.String("priority", string(plan.Priority)),
					zap.Duration("sla", plan.SLA))
			}
		}
	}

	expl := c.expl.Explain(tx, dec, st)
	if enqueueFailed {
		expl.Reasons = append(expl.Reasons, reasonEnqueueFailed)
	}

	if c.velocity != nil {
		c.observeAsync(tx)
	}

	telemetry.ScoreLatency.Observe(time.Since(start).Seconds())
	telemetry.Actions.WithLabelValues(string(dec.Action)).Inc()

	return &Response{
		TransactionID:     tx.TransactionID,
		TrustScore:        dec.TrustScore,
		Action:            dec.Action,
		Subscores:         subscoreMap(subs),
		Reasons:           expl.Reasons,
		RiskBreakdown:     expl.RiskBreakdown,
		FeatureImportance: expl.FeatureImportance,
		RiskLevel:         expl.RiskLevel,
		ReviewID:          reviewID,
	}, nil
}

// runDetectors launches all four detectors concurrently and collects either a
// real subscore or, past the per-detector deadline, the neutral substitute.
// No exception crosses this boundary: a detector that misses the deadline
// becomes an explicit "timeout" flag in the aggregation, and one that panics
// becomes a "detector_unavailable" flag.
func (c *Coordinator) runDetectors(ctx context.Context, tx *Transaction, st *config.Settings) []Subscore {
	type scored struct {
		idx int
		sub Subscore
	}

	dctx, cancel := context.WithTimeout(ctx, st.PerDetectorDeadline)
	defer cancel()

	results := make(chan scored, len(c.detectors))
	for i, d := range c.detectors {
		go func(idx int, det Detector) {
			defer func() {
				// Should be impossible by construction (extractors are
				// total), but a detector crash must read as an explicit
				// neutral flag, not a failed request.
				if r := recover(); r != nil {
					c.log.Error("detector panicked",
						zap.String("detector", det.Name()), zap.Any("panic", r))
					results <- scored{idx: idx, sub: NeutralSubscore(det.Name(), rules.RuleDetectorUnavailable)}
				}
			}()
			results <- scored{idx: idx, sub: det.Score(dctx, tx)}
		}(i, d)
	}

	subs := make([]Subscore, len(c.detectors))
	received := make([]bool, len(c.detectors))
	pending := len(c.detectors)
	deadline := time.NewTimer(st.PerDetectorDeadline)
	defer deadline.Stop()

collect:
	for pending > 0 {
		select {
		case r := <-results:
			if !received[r.idx] {
				subs[r.idx] = r.sub
				received[r.idx] = true
				pending--
			}
		case <-deadline.C:
			break collect
		}
	}

	for i, ok := range received {
		if !ok {
			name := c.detectors[i].Name()
			subs[i] = NeutralSubscore(name, rules.RuleTimeout)
			telemetry.DetectorTimeouts.WithLabelValues(name).Inc()
		}
	}
	return subs
}

func (c *Coordinator) enqueue(ctx context.Context, tx *Transaction, dec Decision, plan ReviewPlan, now time.Time) (string, bool, error) {
	requestJSON, err := json.Marshal(tx)
	if err != nil {
		return "", false, fmt.Errorf("marshal request: %w", err)
	}
	subscoresJSON, err := json.Marshal(dec.Subscores)
	if err != nil {
		return "", false, fmt.Errorf("marshal subscores: %w", err)
	}
	return c.queue.Enqueue(ctx, ReviewTicket{
		TransactionID: tx.TransactionID,
		TrustScore:    dec.TrustScore,
		Priority:      plan.Priority,
		SLADeadline:   now.Add(plan.SLA),
		RequestJSON:   requestJSON,
		SubscoresJSON: subscoresJSON,
		CreatedAt:     now,
	})
}

// observeAsync records the transaction into the payer's velocity profile off
// the response path.
func (c *Coordinator) observeAsync(tx *Transaction) {
	payer, id, amount := tx.PayerVPA, tx.TransactionID, amountFloat(tx)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if err := c.velocity.Observe(ctx, payer, id, amount); err != nil {
			c.log.Debug("velocity observe failed", zap.String("payer", payer), zap.Error(err))
		}
	}()
}

func subscoreMap(subs []Subscore) map[string]float64 {
	out := make(map[string]float64, len(subs))
	for _, s := range subs {
		out[s.Detector] = s.Probability
	}
	return out
}

// Healthy reports detector readiness for the health endpoint: true when all
// four models are loaded, or when degraded rule-only operation is allowed.
func (c *Coordinator) Healthy() bool {
	if c.cfg.AllowDegraded {
		return true
	}
	for _, d := range c.detectors {
		if !d.Ready() {
			return false
		}
	}
	return true
}

// DetectorReadiness reports each detector's model state for health output.
func (c *Coordinator) DetectorReadiness() map[string]bool {
	out := make(map[string]bool, len(c.detectors))
	for _, d := range c.detectors {
		out[d.Name()] = d.Ready()
	}
	return out
}
