package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Detector ids used throughout the pipeline. The fusion weight table and the
// subscore maps in API responses are keyed by these.
const (
	DetectorPhishing = "phishing"
	DetectorQuishing = "quishing"
	DetectorCollect  = "collect"
	DetectorMalware  = "malware"
)

// DetectorIDs lists the four detectors in response order.
var DetectorIDs = []string{DetectorPhishing, DetectorQuishing, DetectorCollect, DetectorMalware}

// Settings holds the runtime-tunable decisioning parameters. A Settings value
// is immutable once published; hot updates swap the whole snapshot so a
// request in flight observes one consistent version.
type Settings struct {
	// Trust-score bands. trust >= Allow => ALLOW, trust >= Warn => WARN,
	// else BLOCK (before hard overrides and HITL rewriting).
	AllowThreshold int
	WarnThreshold  int

	// Fusion weights per detector id. Normalized to sum 1.0 on load.
	Weights map[string]float64

	// Amount at or above which the amount-based HITL rules fire (inclusive).
	LargeAmountThreshold decimal.Decimal

	// Probability gate for the hard-rule BLOCK override.
	HardRuleThreshold float64

	// When false, HUMAN_REVIEW is never emitted; WARN/BLOCK pass through.
	HITLEnabled bool

	// Per-detector budget before the coordinator substitutes a neutral
	// subscore and moves on.
	PerDetectorDeadline time.Duration
}

// Config holds process-wide settings for the Vigil gateway.
// Everything is configured via environment variables; the decisioning knobs
// live in a hot-swappable Settings snapshot.
type Config struct {
	// === Service ===
	Port        string
	MetricsPort string
	LogLevel    string

	// === Storage ===
	DatabaseURL string // Postgres; empty = in-memory store (development)
	RedisURL    string // velocity profiles; empty = neutral velocity features

	// === Artifacts ===
	ModelDir string // coefficient YAML artifacts, one per detector
	RulesDir string // optional rule-weight / lexicon overrides

	// === Optional detection layers ===
	EnableONNX     bool   // opt-in hugot memo classifier
	EnableSemantic bool   // chromem scam-memo similarity index
	URLIntelURL    string // URL reputation endpoint; empty = disabled
	URLIntelAPIKey string

	// === Degradation policy ===
	// When true the gateway reports healthy even if some detectors run
	// rule-only because their model artifact failed to load.
	AllowDegraded bool

	settings atomic.Pointer[Settings]
}

// NewDefaultConfig creates a Config with sensible defaults.
// All settings can be overridden via environment variables.
func NewDefaultConfig() *Config {
	cfg := &Config{
		Port:        GetEnv("VIGIL_PORT", "8080"),
		MetricsPort: GetEnv("VIGIL_METRICS_PORT", "9090"),
		LogLevel:    GetEnv("VIGIL_LOG_LEVEL", "info"),

		DatabaseURL: GetEnv("VIGIL_DATABASE_URL", os.Getenv("DATABASE_URL")),
		RedisURL:    GetEnv("VIGIL_REDIS_URL", os.Getenv("REDIS_URL")),

		ModelDir: GetEnv("VIGIL_MODEL_DIR", "./models"),
		RulesDir: GetEnv("VIGIL_RULES_DIR", ""),

		EnableONNX:     GetEnvBool("VIGIL_ENABLE_ONNX", false),
		EnableSemantic: GetEnvBool("VIGIL_ENABLE_SEMANTIC", true),
		URLIntelURL:    GetEnv("VIGIL_URL_INTEL_ENDPOINT", ""),
		URLIntelAPIKey: GetEnv("VIGIL_URL_INTEL_API_KEY", ""),

		AllowDegraded: GetEnvBool("VIGIL_ALLOW_DEGRADED", true),
	}

	cfg.settings.Store(settingsFromEnv())
	return cfg
}

// Settings returns the current decisioning snapshot. The returned value must
// be treated as read-only; callers hold it for the duration of one request.
func (c *Config) Settings() *Settings {
	return c.settings.Load()
}

// SwapSettings atomically publishes a new decisioning snapshot.
// Weights are normalized before publication.
func (c *Config) SwapSettings(s *Settings) {
	s.Weights = NormalizeWeights(s.Weights)
	c.settings.Store(s)
}

func settingsFromEnv() *Settings {
	weights := map[string]float64{
		DetectorPhishing: GetEnvFloat("VIGIL_WEIGHT_PHISH", 0.25),
		DetectorQuishing: GetEnvFloat("VIGIL_WEIGHT_QR", 0.25),
		DetectorCollect:  GetEnvFloat("VIGIL_WEIGHT_COLLECT", 0.25),
		DetectorMalware:  GetEnvFloat("VIGIL_WEIGHT_MALWARE", 0.25),
	}

	large := decimal.NewFromInt(50000)
	if v := os.Getenv("VIGIL_LARGE_AMOUNT_THRESHOLD"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			large = d
		}
	}

	return &Settings{
		AllowThreshold:       GetEnvInt("VIGIL_TRUST_SCORE_ALLOW_THRESHOLD", 65),
		WarnThreshold:        GetEnvInt("VIGIL_TRUST_SCORE_WARN_THRESHOLD", 45),
		Weights:              NormalizeWeights(weights),
		LargeAmountThreshold: large,
		HardRuleThreshold:    GetEnvFloat("VIGIL_HARD_RULE_THRESHOLD", 0.85),
		HITLEnabled:          GetEnvBool("VIGIL_HITL_ENABLED", true),
		PerDetectorDeadline:  time.Duration(GetEnvInt("VIGIL_PER_DETECTOR_DEADLINE_MS", 150)) * time.Millisecond,
	}
}

// NormalizeWeights scales the weight table so it sums to 1.0. Missing or
// non-positive tables fall back to equal weights.
func NormalizeWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(DetectorIDs))
	sum := 0.0
	for _, id := range DetectorIDs {
		v := w[id]
		if v < 0 {
			v = 0
		}
		out[id] = v
		sum += v
	}
	if sum <= 0 {
		for _, id := range DetectorIDs {
			out[id] = 1.0 / float64(len(DetectorIDs))
		}
		return out
	}
	for id, v := range out {
		out[id] = v / sum
	}
	return out
}

// Validate checks startup configuration: trust-threshold range and ordering,
// the hard-rule threshold, the per-detector deadline, and the large-amount
// threshold. All violations are reported together in one error.
func (c *Config) Validate() error {
	s := c.Settings()

	var problems []string
	if s.WarnThreshold < 0 || s.AllowThreshold > 100 {
		problems = append(problems, "trust thresholds must lie in [0,100]")
	}
	if s.WarnThreshold >= s.AllowThreshold {
		problems = append(problems, fmt.Sprintf(
			"warn threshold (%d) must be below allow threshold (%d)", s.WarnThreshold, s.AllowThreshold))
	}
	if s.HardRuleThreshold <= 0 || s.HardRuleThreshold > 1 {
		problems = append(problems, "hard rule threshold must lie in (0,1]")
	}
	if s.PerDetectorDeadline <= 0 {
		problems = append(problems, "per-detector deadline must be positive")
	}
	if s.LargeAmountThreshold.IsNegative() {
		problems = append(problems, "large amount threshold must be non-negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Helper functions for environment variable parsing.
// Exported for use by other packages.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
