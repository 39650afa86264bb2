package ml

import (
	"os"
	"path/filepath"
	"testing"
)

func writeArtifact(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const phishingArtifact = `name: phishing
features: [urgency_terms, shortener_url]
coefficients:
  urgency_terms: 0.9
  shortener_url: 1.2
intercept: -3.0
`

func TestLinearModelPredictProba(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "phishing.yaml", phishingArtifact)

	m, err := LoadLinearModel(filepath.Join(dir, "phishing.yaml"))
	if err != nil {
		t.Fatalf("LoadLinearModel: %v", err)
	}

	benign := m.PredictProba(map[string]float64{})
	if benign <= 0 || benign >= 0.1 {
		t.Errorf("intercept-only probability should be small, got %v", benign)
	}

	// monotone in each positive coefficient
	prev := benign
	for _, v := range []float64{0.5, 1, 2, 3} {
		p := m.PredictProba(map[string]float64{"urgency_terms": v})
		if p <= prev {
			t.Errorf("probability must increase with urgency_terms=%v: %v <= %v", v, p, prev)
		}
		prev = p
	}

	// deterministic
	a := m.PredictProba(map[string]float64{"urgency_terms": 1, "shortener_url": 1})
	b := m.PredictProba(map[string]float64{"urgency_terms": 1, "shortener_url": 1})
	if a != b {
		t.Errorf("prediction must be deterministic: %v != %v", a, b)
	}
	if a <= 0 || a >= 1 {
		t.Errorf("probability out of range: %v", a)
	}
}

func TestTopContributions(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "phishing.yaml", phishingArtifact)
	m, err := LoadLinearModel(filepath.Join(dir, "phishing.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	top := m.TopContributions(map[string]float64{"urgency_terms": 1, "shortener_url": 1}, 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(top))
	}
	if top[0].Feature != "shortener_url" {
		t.Errorf("expected shortener_url first (largest coefficient), got %s", top[0].Feature)
	}
	if zero := m.TopContributions(map[string]float64{}, 2); len(zero) != 0 {
		t.Errorf("zero vector should contribute nothing, got %v", zero)
	}
}

func TestLoadLinearModelRejectsBadArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "empty.yaml", "name: x\n")
	writeArtifact(t, dir, "undeclared.yaml", "name: x\nfeatures: [a]\ncoefficients:\n  b: 1.0\nintercept: 0\n")

	if _, err := LoadLinearModel(filepath.Join(dir, "empty.yaml")); err == nil {
		t.Error("expected error for artifact without coefficients")
	}
	if _, err := LoadLinearModel(filepath.Join(dir, "undeclared.yaml")); err == nil {
		t.Error("expected error for coefficient outside the feature list")
	}
	if _, err := LoadLinearModel(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing artifact")
	}
}

func TestRegistryDegradesPerDetector(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "phishing.yaml", phishingArtifact)

	reg := NewRegistry([]string{"phishing", "quishing"})
	failures := reg.LoadDir(dir)

	if !reg.Ready("phishing") {
		t.Error("phishing model should be loaded")
	}
	if reg.Ready("quishing") {
		t.Error("quishing has no artifact; should be rule-only")
	}
	if _, ok := failures["quishing"]; !ok {
		t.Error("missing artifact must be reported")
	}
	if reg.Scorer("quishing") != nil {
		t.Error("rule-only slot must return a nil scorer")
	}
	if reg.Scorer("unknown") != nil {
		t.Error("unknown detector must return a nil scorer")
	}
}

func TestRegistrySwap(t *testing.T) {
	reg := NewRegistry([]string{"phishing"})
	if reg.Ready("phishing") {
		t.Fatal("fresh registry should be empty")
	}

	m := &LinearModel{Name: "phishing", Coefficients: map[string]float64{"x": 1}}
	if err := reg.Swap("phishing", m); err != nil {
		t.Fatal(err)
	}
	if !reg.Ready("phishing") {
		t.Error("swap should make the model visible")
	}
	if err := reg.Swap("nope", m); err == nil {
		t.Error("expected error swapping unknown detector")
	}
}
