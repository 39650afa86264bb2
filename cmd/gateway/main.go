package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/detect"
	"github.com/SafePayLabs/vigil/pkg/intel"
	"github.com/SafePayLabs/vigil/pkg/ml"
	"github.com/SafePayLabs/vigil/pkg/msgparse"
	"github.com/SafePayLabs/vigil/pkg/rules"
	"github.com/SafePayLabs/vigil/pkg/store"
	"github.com/SafePayLabs/vigil/pkg/telemetry"
)

const Version = "0.1.0"

func main() {
	_ = godotenv.Load()

	cfg := config.NewDefaultConfig()
	log := newLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("configuration invalid", zap.Error(err))
	}

	// Rule tables. A malformed override file is a deploy error, not
	// something to limp past.
	ruleReg := rules.NewRegistry()
	if err := ruleReg.LoadOverrides(cfg.RulesDir); err != nil {
		log.Fatal("rule overrides invalid", zap.Error(err))
	}
	log.Info("rule catalogue loaded", zap.Int("rules", ruleReg.TotalRules()))

	// Model artifacts. Missing artifacts degrade that detector to
	// rule-only mode; whether that is acceptable is a deployment policy.
	models := ml.NewRegistry(config.DetectorIDs)
	failures := models.LoadDir(cfg.ModelDir)
	for id, err := range failures {
		log.Warn("○ model unavailable, detector runs rule-only",
			zap.String("detector", id), zap.Error(err))
	}
	if len(failures) > 0 && !cfg.AllowDegraded {
		log.Fatal("model artifacts missing and degraded mode disallowed",
			zap.Int("missing", len(failures)))
	}
	for _, id := range config.DetectorIDs {
		if models.Ready(id) {
			log.Info("✓ model loaded", zap.String("detector", id))
		}
	}

	// Optional phishing layers.
	memoClassifier := ml.NewAutoDetectedMemoClassifier(cfg.ModelDir)
	if memoClassifier.IsReady() {
		log.Info("✓ ONNX memo classifier enabled")
	} else {
		log.Info("○ ONNX memo classifier disabled")
	}

	var scamIndex *ml.ScamIndex
	if cfg.EnableSemantic {
		idx, err := ml.NewScamIndex()
		if err == nil {
			err = idx.Seed(context.Background(), cfg.RulesDir)
		}
		if err != nil {
			log.Warn("○ scam-memo index disabled", zap.Error(err))
		} else {
			scamIndex = idx
			log.Info("✓ scam-memo similarity index enabled")
		}
	}

	urlIntel := intel.New(cfg.URLIntelURL, cfg.URLIntelAPIKey)
	if urlIntel.Enabled() {
		log.Info("✓ URL reputation lookups enabled")
	} else {
		log.Info("○ URL reputation lookups disabled (no endpoint)")
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var reviews store.ReviewStore
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatal("postgres unavailable", zap.Error(err))
		}
		defer pg.Close()
		reviews = pg
		log.Info("✓ review store: postgres")
	} else {
		reviews = store.NewMemoryStore()
		log.Warn("○ review store: in-memory (set VIGIL_DATABASE_URL for durability)")
	}

	var velocity detect.VelocitySource
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rv, err := store.NewRedisVelocity(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Warn("○ velocity profiles disabled", zap.Error(err))
		} else {
			defer func() { _ = rv.Close() }()
			velocity = rv
			log.Info("✓ velocity profiles: redis")
		}
	} else {
		log.Info("○ velocity profiles disabled (no VIGIL_REDIS_URL)")
	}

	detectors := []detect.Detector{
		detect.NewPhishingDetector(cfg, ruleReg, models, memoClassifier, scamIndex, urlIntel),
		detect.NewQuishingDetector(cfg, ruleReg, models),
		detect.NewCollectDetector(cfg, ruleReg, models),
		detect.NewMalwareDetector(cfg, ruleReg, models),
	}
	coordinator := detect.NewCoordinator(cfg, detectors, ruleReg, reviews, velocity, log)
	parser := msgparse.NewParser()

	// SLA sweeper: surface overdue reviews and keep the queue gauges live.
	sweeper := cron.New()
	_, err := sweeper.AddFunc("* * * * *", func() { sweepQueue(reviews, log) })
	if err != nil {
		log.Fatal("sweeper schedule invalid", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	// SIGHUP re-reads the model artifacts; each slot swaps atomically and
	// in-flight requests keep the version they resolved.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			failures := models.LoadDir(cfg.ModelDir)
			log.Info("model artifacts reloaded",
				zap.Int("loaded", len(config.DetectorIDs)-len(failures)),
				zap.Int("failed", len(failures)))
		}
	}()

	go serveMetrics(cfg.MetricsPort, log)

	app := buildApp(cfg, coordinator, reviews, parser, log)

	go func() {
		log.Info("vigil gateway starting",
			zap.String("version", Version),
			zap.String("port", cfg.Port))
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatal("server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

func serveMetrics(port string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics listener starting", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Warn("metrics listener stopped", zap.Error(err))
	}
}

func sweepQueue(reviews store.ReviewStore, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if n, err := reviews.CountPending(ctx); err == nil {
		telemetry.QueueDepth.Set(float64(n))
	}
	overdue, err := reviews.ListOverdue(ctx, time.Now().UTC())
	if err != nil {
		log.Warn("overdue sweep failed", zap.Error(err))
		return
	}
	telemetry.OverdueReviews.Set(float64(len(overdue)))
	for _, e := range overdue {
		log.Warn("review past SLA",
			zap.String("transaction_id", e.TransactionID),
			zap.String("priority", string(e.Priority)),
			zap.Time("sla_deadline", e.SLADeadline))
	}
}
