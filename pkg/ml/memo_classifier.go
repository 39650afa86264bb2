package ml

// memo_classifier.go - optional local ML classification of transaction memos
// using Hugot/ONNX.
//
// The coefficient models in model.go score engineered feature vectors; this
// classifier reads the raw memo text and catches scam phrasings the lexicons
// miss. It is strictly additive: the phishing detector takes the max of the
// coefficient-model probability and this classifier's fraud confidence.
//
// Architecture:
// - ONNX Runtime when libonnxruntime is present, pure-Go backend otherwise
// - Fully local, no external API calls
// - Gracefully degrades to ready=false when no model directory exists

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

// MemoClassifierConfig configures the ONNX memo classifier.
type MemoClassifierConfig struct {
	// ModelPath is the local path to the ONNX model directory
	// (must contain model.onnx plus tokenizer files).
	ModelPath string

	// OnnxLibraryPath is the directory holding libonnxruntime.
	// Empty selects the pure-Go backend.
	OnnxLibraryPath string

	// Timeout is carried with the configuration (default 5s); Classify does
	// not apply it, and an inference call is bounded only by the pipeline.
	Timeout time.Duration
}

// MemoResult is the classification of one memo.
type MemoResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	IsFraud    bool    `json:"is_fraud"`
	LatencyMs  float64 `json:"latency_ms"`
}

// MemoClassifier wraps a Hugot text-classification pipeline over scam memos.
type MemoClassifier struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.RWMutex
	config   MemoClassifierConfig
	ready    bool
}

// fraud label conventions across fine-tuned memo models.
func isFraudLabel(label string) bool {
	switch label {
	case "fraud", "scam", "FRAUD", "SCAM", "LABEL_1":
		return true
	default:
		return false
	}
}

// NewAutoDetectedMemoClassifier builds a classifier from the model directory
// if the operator opted in and an artifact is present. Returns nil otherwise.
func NewAutoDetectedMemoClassifier(modelDir string) *MemoClassifier {
	if !ONNXEnabled() {
		return nil
	}
	path := filepath.Join(modelDir, "memo-onnx")
	if envPath := os.Getenv("VIGIL_ONNX_MODEL_PATH"); envPath != "" {
		path = envPath
	}
	if _, err := os.Stat(filepath.Join(path, "model.onnx")); err != nil {
		return nil
	}
	cfg := MemoClassifierConfig{
		ModelPath:       path,
		OnnxLibraryPath: defaultOnnxLibraryPath(),
		Timeout:         5 * time.Second,
	}
	mc, err := NewMemoClassifier(cfg)
	if err != nil {
		// Degrade rather than fail startup; the detector falls back to
		// the coefficient model and rules.
		return &MemoClassifier{config: cfg, ready: false}
	}
	return mc
}

// NewMemoClassifier initializes the ONNX session and pipeline.
func NewMemoClassifier(cfg MemoClassifierConfig) (*MemoClassifier, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	mc := &MemoClassifier{config: cfg}
	if err := mc.initialize(); err != nil {
		return nil, fmt.Errorf("memo classifier initialization failed: %w", err)
	}
	return mc, nil
}

func (mc *MemoClassifier) initialize() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	session, err := mc.createSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	mc.session = session

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: mc.config.ModelPath,
		Name:      "memo-fraud-classifier",
	})
	if err != nil {
		_ = mc.session.Destroy()
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	mc.pipeline = pipeline
	mc.ready = true
	return nil
}

func (mc *MemoClassifier) createSession() (*hugot.Session, error) {
	if mc.config.OnnxLibraryPath != "" {
		session, err := hugot.NewORTSession(
			options.WithOnnxLibraryPath(mc.config.OnnxLibraryPath),
		)
		if err == nil {
			return session, nil
		}
		// ORT missing or broken; the Go backend is slower but dependency-free.
	}
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Go session: %w", err)
	}
	return session, nil
}

func defaultOnnxLibraryPath() string {
	paths := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Dir(p)
		}
	}
	return ""
}

// IsReady reports whether the classifier can serve inference.
func (mc *MemoClassifier) IsReady() bool {
	if mc == nil {
		return false
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.ready
}

// Classify scores a single memo.
func (mc *MemoClassifier) Classify(ctx context.Context, memo string) (MemoResult, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if !mc.ready || mc.pipeline == nil {
		return MemoResult{}, fmt.Errorf("memo classifier not ready")
	}

	start := time.Now()
	result, err := mc.pipeline.RunPipeline([]string{memo})
	if err != nil {
		return MemoResult{}, fmt.Errorf("memo classification failed: %w", err)
	}
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if len(result.ClassificationOutputs) == 0 || len(result.ClassificationOutputs[0]) == 0 {
		return MemoResult{Label: "unknown", LatencyMs: latency}, nil
	}
	out := result.ClassificationOutputs[0][0]
	return MemoResult{
		Label:      out.Label,
		Confidence: float64(out.Score),
		IsFraud:    isFraudLabel(out.Label),
		LatencyMs:  latency,
	}, nil
}

// Close releases the ONNX session.
func (mc *MemoClassifier) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ready = false
	if mc.session != nil {
		if err := mc.session.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
		mc.session = nil
	}
	return nil
}
