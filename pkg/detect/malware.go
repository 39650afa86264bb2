package detect

import (
	"context"
	"math"

	"github.com/SafePayLabs/vigil/pkg/config"
	"github.com/SafePayLabs/vigil/pkg/ml"
	"github.com/SafePayLabs/vigil/pkg/rules"
)

// Malware feature names; must match the malware model artifact.
const (
	featMalDebugger      = "debugger_attached"
	featMalSideload      = "recent_sideload"
	featMalAccessibility = "accessibility_service_active"
	featMalOverlay       = "screen_overlay_active"
	featMalSuspiciousApp = "suspicious_app_flag"
	featMalAppCount      = "installed_app_bucket"
)

// installed-app count past which the device profile itself becomes a signal.
const appFloodThreshold = 300

// MalwareDetector screens the client-reported device posture for signs of a
// compromised payment environment. It consumes the flags as supplied; there
// is no attestation here.
type MalwareDetector struct {
	cfg    *config.Config
	rules  *rules.Registry
	models *ml.Registry
}

func NewMalwareDetector(cfg *config.Config, reg *rules.Registry, models *ml.Registry) *MalwareDetector {
	return &MalwareDetector{cfg: cfg, rules: reg, models: models}
}

func (d *MalwareDetector) Name() string { return config.DetectorMalware }

func (d *MalwareDetector) Ready() bool {
	return d.models.Ready(config.DetectorMalware)
}

func (d *MalwareDetector) Score(ctx context.Context, tx *Transaction) Subscore {
	feats := extractMalwareFeatures(tx)

	var hits []string
	if p := tx.Posture; p != nil {
		if p.DebuggerAttached {
			hits = append(hits, rules.RuleMalDebugger)
		}
		if p.RecentSideload && p.AccessibilityServiceActive {
			hits = append(hits, rules.RuleMalSideloadAccessibilty)
		}
		if p.AccessibilityServiceActive {
			hits = append(hits, rules.RuleMalAccessibility)
		}
		if p.ScreenOverlayActive {
			hits = append(hits, rules.RuleMalOverlay)
		}
		if p.SuspiciousAppFlag {
			hits = append(hits, rules.RuleMalSuspiciousApp)
		}
		if p.RecentSideload {
			hits = append(hits, rules.RuleMalSideload)
		}
		if p.InstalledAppCount > appFloodThreshold {
			hits = append(hits, rules.RuleMalAppFlood)
		}
	}
	pRules, hard := d.rules.ScoreHits(hits)

	var pModel float64
	hasModel := false
	var contribs []FeatureWeight
	if scorer := d.models.Scorer(config.DetectorMalware); scorer != nil {
		pModel = scorer.PredictProba(feats)
		hasModel = true
		for _, c := range scorer.TopContributions(feats, 2) {
			contribs = append(contribs, FeatureWeight{Name: c.Feature, Weight: c.Value})
		}
	}

	return combine(config.DetectorMalware, pModel, hasModel, pRules, hard, hits, topSignals(ruleWeights(d.rules, hits), contribs))
}

// extractMalwareFeatures derives the posture vector. Total: a request without
// a posture bundle yields the all-zero (clean device) vector.
func extractMalwareFeatures(tx *Transaction) map[string]float64 {
	feats := map[string]float64{
		featMalDebugger:      0,
		featMalSideload:      0,
		featMalAccessibility: 0,
		featMalOverlay:       0,
		featMalSuspiciousApp: 0,
		featMalAppCount:      0,
	}
	p := tx.Posture
	if p == nil {
		return feats
	}
	feats[featMalDebugger] = boolFeature(p.DebuggerAttached)
	feats[featMalSideload] = boolFeature(p.RecentSideload)
	feats[featMalAccessibility] = boolFeature(p.AccessibilityServiceActive)
	feats[featMalOverlay] = boolFeature(p.ScreenOverlayActive)
	feats[featMalSuspiciousApp] = boolFeature(p.SuspiciousAppFlag)
	feats[featMalAppCount] = math.Min(float64(p.InstalledAppCount)/float64(appFloodThreshold), 1)
	return feats
}
