package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/detect"
	"github.com/SafePayLabs/vigil/pkg/msgparse"
	"github.com/SafePayLabs/vigil/pkg/store"
)

// reviewSubmission is the analyst verdict payload.
type reviewSubmission struct {
	TransactionID string `json:"transaction_id"`
	AnalystID     string `json:"analyst_id"`
	Decision      string `json:"decision"`
	FeedbackText  string `json:"feedback_text"`
}

func buildApp(cfg *config.Config, coordinator *detect.Coordinator, reviews store.ReviewStore, parser *msgparse.Parser, log *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "vigil",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	app.Get("/health", func(c fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		storageOK := reviews.Ping(ctx) == nil
		healthy := coordinator.Healthy() && storageOK
		depth, _ := reviews.CountPending(ctx)

		status := fiber.StatusOK
		if !healthy {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":             map[bool]string{true: "healthy", false: "unhealthy"}[healthy],
			"version":            Version,
			"detectors":          coordinator.DetectorReadiness(),
			"storage":            storageOK,
			"review_queue_depth": depth,
		})
	})

	app.Post("/api/v1/score_request", func(c fiber.Ctx) error {
		var tx detect.Transaction
		if err := c.Bind().Body(&tx); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_request", "detail": "malformed JSON body",
			})
		}
		if tx.Type == "" {
			tx.Type = detect.TypePay
		}

		resp, err := coordinator.Score(c.Context(), &tx)
		switch {
		case errors.Is(err, detect.ErrInvalidRequest):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_request", "detail": err.Error(),
			})
		case err != nil:
			log.Error("scoring failed", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "internal",
			})
		}
		return c.JSON(resp)
	})

	app.Get("/api/v1/analyst/review_queue", func(c fiber.Ctx) error {
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		entries, err := reviews.ListPending(c.Context(), limit)
		if err != nil {
			return storageError(c, err)
		}
		return c.JSON(fiber.Map{
			"queue_depth": len(entries),
			"items":       formatEntries(entries),
		})
	})

	app.Get("/api/v1/analyst/overdue", func(c fiber.Ctx) error {
		entries, err := reviews.ListOverdue(c.Context(), time.Now().UTC())
		if err != nil {
			return storageError(c, err)
		}
		return c.JSON(fiber.Map{
			"overdue_count": len(entries),
			"items":         formatEntries(entries),
		})
	})

	app.Post("/api/v1/analyst/review", func(c fiber.Ctx) error {
		var sub reviewSubmission
		if err := c.Bind().Body(&sub); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_request", "detail": "malformed JSON body",
			})
		}
		if sub.TransactionID == "" || sub.AnalystID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_request", "detail": "transaction_id and analyst_id are required",
			})
		}
		if !store.ValidAnalystDecision(sub.Decision) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_request", "detail": "decision must be APPROVE, REJECT, or ESCALATE",
			})
		}

		entry, err := reviews.SubmitDecision(c.Context(), sub.TransactionID, sub.AnalystID,
			store.AnalystDecision(sub.Decision), sub.FeedbackText, cfg.Settings().WarnThreshold)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		case errors.Is(err, store.ErrAlreadyReviewed):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_reviewed"})
		case err != nil:
			return storageError(c, err)
		}

		log.Info("analyst decision recorded",
			zap.String("transaction_id", sub.TransactionID),
			zap.String("analyst_id", sub.AnalystID),
			zap.String("decision", sub.Decision))
		return c.JSON(fiber.Map{
			"transaction_id": entry.TransactionID,
			"decision":       entry.Decision,
			"reviewed":       entry.Reviewed,
		})
	})

	// Retraining export surface; consumed by the training pipeline, not the
	// payment client.
	app.Get("/api/v1/admin/feedback/pending", func(c fiber.Ctx) error {
		minSamples, _ := strconv.Atoi(c.Query("min_samples", "100"))
		records, err := reviews.PendingFeedback(c.Context(), minSamples)
		if err != nil {
			return storageError(c, err)
		}
		return c.JSON(fiber.Map{"count": len(records), "records": records})
	})

	app.Post("/api/v1/admin/feedback/mark_used", func(c fiber.Ctx) error {
		var body struct {
			TransactionIDs []string `json:"transaction_ids"`
		}
		if err := c.Bind().Body(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_request", "detail": "malformed JSON body",
			})
		}
		if err := reviews.MarkUsed(c.Context(), body.TransactionIDs); err != nil {
			return storageError(c, err)
		}
		return c.JSON(fiber.Map{"marked": len(body.TransactionIDs)})
	})

	app.Post("/api/v1/parse_message", func(c fiber.Ctx) error {
		var body struct {
			Message string `json:"message"`
		}
		if err := c.Bind().Body(&body); err != nil || body.Message == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_request", "detail": "message field is required",
			})
		}
		extraction := parser.Extract(body.Message)
		return c.JSON(fiber.Map{
			"extraction": extraction,
			"valid":      extraction.Valid(),
		})
	})

	return app
}

func storageError(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable", "detail": err.Error()})
}

// formatEntries shapes queue entries for the analyst UI: parsed payloads plus
// queue-age bookkeeping.
func formatEntries(entries []*store.ReviewQueueEntry) []fiber.Map {
	now := time.Now().UTC()
	out := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		out = append(out, fiber.Map{
			"id":                    e.ID,
			"transaction_id":        e.TransactionID,
			"trust_score":           e.TrustScore,
			"priority":              e.Priority,
			"created_at":            e.CreatedAt,
			"sla_deadline":          e.SLADeadline,
			"time_in_queue_minutes": now.Sub(e.CreatedAt).Minutes(),
			"overdue":               e.Overdue(now),
			"reviewed":              e.Reviewed,
			"request_json":          string(e.RequestJSON),
			"subscores_json":        string(e.SubscoresJSON),
		})
	}
	return out
}
