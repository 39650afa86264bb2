// Package ml loads and serves the trained probability models behind the four
// fraud detectors.
//
// The portable artifact format is a logistic regression exported as a YAML
// coefficient file (feature names, coefficients, intercept). Artifacts are
// process-wide singletons loaded at startup and replaced by atomic swap;
// nothing on the hot path touches disk.
package ml

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Scorer produces a fraud probability for a feature vector. Implementations
// must be deterministic for a fixed artifact.
type Scorer interface {
	// PredictProba returns the positive-class (fraud) probability in [0,1].
	// Features absent from the vector are treated as zero.
	PredictProba(features map[string]float64) float64

	// TopContributions returns the n features with the largest absolute
	// contribution to the score, most influential first.
	TopContributions(features map[string]float64, n int) []Contribution
}

// Contribution is one feature's share of a model score.
type Contribution struct {
	Feature string
	Value   float64 // |coefficient * feature value|
}

// LinearModel is a logistic regression over a fixed feature set.
type LinearModel struct {
	Name         string             `yaml:"name"`
	FeatureNames []string           `yaml:"features"`
	Coefficients map[string]float64 `yaml:"coefficients"`
	Intercept    float64            `yaml:"intercept"`
}

// PredictProba implements Scorer.
func (m *LinearModel) PredictProba(features map[string]float64) float64 {
	z := m.Intercept
	for name, coef := range m.Coefficients {
		z += coef * features[name]
	}
	return sigmoid(z)
}

// TopContributions implements Scorer.
func (m *LinearModel) TopContributions(features map[string]float64, n int) []Contribution {
	contribs := make([]Contribution, 0, len(m.Coefficients))
	for name, coef := range m.Coefficients {
		v := math.Abs(coef * features[name])
		if v == 0 {
			continue
		}
		contribs = append(contribs, Contribution{Feature: name, Value: v})
	}
	sort.Slice(contribs, func(i, j int) bool {
		if contribs[i].Value != contribs[j].Value {
			return contribs[i].Value > contribs[j].Value
		}
		return contribs[i].Feature < contribs[j].Feature
	})
	if len(contribs) > n {
		contribs = contribs[:n]
	}
	return contribs
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// LoadLinearModel reads a coefficient artifact from disk.
func LoadLinearModel(path string) (*LinearModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var m LinearModel
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse model artifact %s: %w", path, err)
	}
	if len(m.Coefficients) == 0 {
		return nil, fmt.Errorf("model artifact %s has no coefficients", path)
	}
	// Coefficients without a declared feature name are artifact bugs.
	declared := make(map[string]bool, len(m.FeatureNames))
	for _, f := range m.FeatureNames {
		declared[f] = true
	}
	if len(m.FeatureNames) > 0 {
		for name := range m.Coefficients {
			if !declared[name] {
				return nil, fmt.Errorf("model artifact %s: coefficient %q not in feature list", path, name)
			}
		}
	}
	return &m, nil
}

// Registry holds the per-detector models with atomic hot swap. A nil slot
// means the detector runs rule-only.
type Registry struct {
	slots map[string]*atomic.Pointer[LinearModel]
}

// NewRegistry creates an empty registry for the given detector ids.
func NewRegistry(detectorIDs []string) *Registry {
	slots := make(map[string]*atomic.Pointer[LinearModel], len(detectorIDs))
	for _, id := range detectorIDs {
		slots[id] = &atomic.Pointer[LinearModel]{}
	}
	return &Registry{slots: slots}
}

// LoadDir loads <dir>/<detector>.yaml for every slot. Missing or corrupt
// artifacts leave the slot unchanged (empty, hence rule-only, when nothing
// was loaded before; otherwise the previous model stays) and are reported
// back so the caller can decide whether degraded startup is acceptable.
func (r *Registry) LoadDir(dir string) map[string]error {
	failures := make(map[string]error)
	for id := range r.slots {
		path := filepath.Join(dir, id+".yaml")
		m, err := LoadLinearModel(path)
		if err != nil {
			failures[id] = err
			continue
		}
		r.slots[id].Store(m)
	}
	return failures
}

// Scorer returns the current model for a detector, or nil when the detector
// must run rule-only.
func (r *Registry) Scorer(detectorID string) Scorer {
	slot, ok := r.slots[detectorID]
	if !ok {
		return nil
	}
	m := slot.Load()
	if m == nil {
		return nil
	}
	return m
}

// Ready reports whether a model is loaded for the detector.
func (r *Registry) Ready(detectorID string) bool {
	slot, ok := r.slots[detectorID]
	return ok && slot.Load() != nil
}

// Swap atomically replaces a detector's model. In-flight requests keep the
// version they already resolved.
func (r *Registry) Swap(detectorID string, m *LinearModel) error {
	slot, ok := r.slots[detectorID]
	if !ok {
		return fmt.Errorf("unknown detector %q", detectorID)
	}
	slot.Store(m)
	return nil
}
