package config

import (
	"math"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	st := cfg.Settings()

	if st.AllowThreshold != 65 {
		t.Errorf("allow threshold: expected 65, got %d", st.AllowThreshold)
	}
	if st.WarnThreshold != 45 {
		t.Errorf("warn threshold: expected 45, got %d", st.WarnThreshold)
	}
	if !st.HITLEnabled {
		t.Error("HITL should default to enabled")
	}
	if st.PerDetectorDeadline != 150*time.Millisecond {
		t.Errorf("deadline: expected 150ms, got %v", st.PerDetectorDeadline)
	}
	if st.HardRuleThreshold != 0.85 {
		t.Errorf("hard rule threshold: expected 0.85, got %v", st.HardRuleThreshold)
	}
	if !st.LargeAmountThreshold.Equal(st.LargeAmountThreshold.Truncate(0)) || st.LargeAmountThreshold.String() != "50000" {
		t.Errorf("large amount threshold: expected 50000, got %s", st.LargeAmountThreshold)
	}
	for _, id := range DetectorIDs {
		if math.Abs(st.Weights[id]-0.25) > 1e-9 {
			t.Errorf("weight %s: expected 0.25, got %v", id, st.Weights[id])
		}
	}
}

func TestNormalizeWeights(t *testing.T) {
	testCases := []struct {
		name string
		in   map[string]float64
		want map[string]float64
	}{
		{
			name: "already normalized",
			in:   map[string]float64{DetectorPhishing: 0.25, DetectorQuishing: 0.25, DetectorCollect: 0.25, DetectorMalware: 0.25},
			want: map[string]float64{DetectorPhishing: 0.25, DetectorQuishing: 0.25, DetectorCollect: 0.25, DetectorMalware: 0.25},
		},
		{
			name: "sums to two",
			in:   map[string]float64{DetectorPhishing: 1, DetectorQuishing: 0.5, DetectorCollect: 0.25, DetectorMalware: 0.25},
			want: map[string]float64{DetectorPhishing: 0.5, DetectorQuishing: 0.25, DetectorCollect: 0.125, DetectorMalware: 0.125},
		},
		{
			name: "empty falls back to equal",
			in:   map[string]float64{},
			want: map[string]float64{DetectorPhishing: 0.25, DetectorQuishing: 0.25, DetectorCollect: 0.25, DetectorMalware: 0.25},
		},
		{
			name: "negative weights zeroed",
			in:   map[string]float64{DetectorPhishing: -1, DetectorQuishing: 1, DetectorCollect: 1, DetectorMalware: 0},
			want: map[string]float64{DetectorPhishing: 0, DetectorQuishing: 0.5, DetectorCollect: 0.5, DetectorMalware: 0},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeWeights(tc.in)
			sum := 0.0
			for id, want := range tc.want {
				if math.Abs(got[id]-want) > 1e-9 {
					t.Errorf("%s: expected %v, got %v", id, want, got[id])
				}
				sum += got[id]
			}
			if math.Abs(sum-1.0) > 1e-9 {
				t.Errorf("weights must sum to 1, got %v", sum)
			}
		})
	}
}

func TestSwapSettings(t *testing.T) {
	cfg := NewDefaultConfig()
	old := cfg.Settings()

	next := *old
	next.WarnThreshold = 40
	next.Weights = map[string]float64{DetectorPhishing: 2, DetectorQuishing: 1, DetectorCollect: 1, DetectorMalware: 0}
	cfg.SwapSettings(&next)

	got := cfg.Settings()
	if got.WarnThreshold != 40 {
		t.Errorf("swap not visible: warn=%d", got.WarnThreshold)
	}
	if math.Abs(got.Weights[DetectorPhishing]-0.5) > 1e-9 {
		t.Errorf("weights not normalized on swap: %v", got.Weights)
	}
	if old.WarnThreshold != 45 {
		t.Error("old snapshot must stay intact after swap")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := NewDefaultConfig()
	bad := *cfg.Settings()
	bad.WarnThreshold = 80
	cfg.SwapSettings(&bad)

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for warn >= allow")
	}
}
