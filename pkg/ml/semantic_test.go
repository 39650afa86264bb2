package ml

import (
	"context"
	"testing"
)

func seededIndex(t *testing.T) *ScamIndex {
	t.Helper()
	idx, err := NewScamIndex()
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Seed(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestScamIndexMatchesKnownCampaign(t *testing.T) {
	idx := seededIndex(t)

	// near-verbatim mutation of a seeded KYC scare
	match, err := idx.Match(context.Background(), "URGENT: your account will be blocked, complete KYC verification immediately today")
	if err != nil {
		t.Fatal(err)
	}
	if match == nil {
		t.Fatal("expected a match for a mutated seed memo")
	}
	if match.Category != "kyc_scare" {
		t.Errorf("expected kyc_scare, got %s", match.Category)
	}
	if match.Similarity < 0.6 {
		t.Errorf("similarity below threshold should not have matched: %v", match.Similarity)
	}
}

func TestScamIndexIgnoresBenignMemos(t *testing.T) {
	idx := seededIndex(t)

	for _, memo := range []string{"lunch money", "rent for march", ""} {
		match, err := idx.Match(context.Background(), memo)
		if err != nil {
			t.Fatal(err)
		}
		if match != nil {
			t.Errorf("memo %q should not match a scam seed, got %+v", memo, match)
		}
	}
}

func TestScamIndexDeterministic(t *testing.T) {
	idx := seededIndex(t)
	memo := "share the otp to verify your account"

	first, err := idx.Match(context.Background(), memo)
	if err != nil {
		t.Fatal(err)
	}
	second, err := idx.Match(context.Background(), memo)
	if err != nil {
		t.Fatal(err)
	}
	if (first == nil) != (second == nil) {
		t.Fatal("match presence must be stable across calls")
	}
	if first != nil && first.Similarity != second.Similarity {
		t.Errorf("similarity must be deterministic: %v != %v", first.Similarity, second.Similarity)
	}
}

func TestScamIndexNotSeeded(t *testing.T) {
	idx, err := NewScamIndex()
	if err != nil {
		t.Fatal(err)
	}
	if idx.IsReady() {
		t.Error("unseeded index must not report ready")
	}
	if _, err := idx.Match(context.Background(), "anything"); err == nil {
		t.Error("querying an unseeded index must error")
	}
	var nilIdx *ScamIndex
	if nilIdx.IsReady() {
		t.Error("nil index must report not ready")
	}
}
