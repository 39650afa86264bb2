package ml

// semantic.go - similarity matching against a corpus of known scam memos.
//
// Scam campaigns recycle phrasing with small mutations, which defeats exact
// lexicon matching. This index embeds each memo as a hashed bag-of-words
// vector and queries a chromem-go collection of labelled scam texts. The
// embedding is computed in-process, so the index is deterministic, offline,
// and cheap enough for the scoring deadline.

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"gopkg.in/yaml.v3"
)

const (
	// embeddingDim is the hashed vocabulary size. Large enough that scam
	// vocabularies rarely collide, small enough to stay off the allocator's
	// radar.
	embeddingDim = 512

	// defaultSimilarityThreshold is the cosine similarity at which a memo
	// counts as matching a known scam.
	defaultSimilarityThreshold = 0.60
)

// ScamSeed is one labelled scam memo in the corpus.
type ScamSeed struct {
	Text     string `yaml:"text"`
	Category string `yaml:"category"`
}

// SemanticMatch is the best corpus match for a queried memo.
type SemanticMatch struct {
	Similarity float32
	Category   string
	SeedText   string
}

// ScamIndex answers "does this memo look like a known scam" via vector
// similarity.
type ScamIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	threshold  float32
	mu         sync.RWMutex
	ready      bool
}

// hashedBagOfWords returns an EmbeddingFunc mapping text to an L2-normalized
// term-frequency vector with feature hashing.
func hashedBagOfWords(dim int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			// chromem rejects zero vectors; give empty memos a sentinel
			// dimension so they embed far from everything real.
			vec[0] = 1
			return vec, nil
		}
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
		return vec, nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// NewScamIndex creates an empty index. Call Seed before querying.
func NewScamIndex() (*ScamIndex, error) {
	db := chromem.NewDB()
	collection, err := db.CreateCollection("scam_memos", nil, hashedBagOfWords(embeddingDim))
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	return &ScamIndex{
		db:         db,
		collection: collection,
		threshold:  defaultSimilarityThreshold,
	}, nil
}

// Seed loads the corpus: YAML seeds from rulesDir when present, otherwise the
// built-in set.
func (s *ScamIndex) Seed(ctx context.Context, rulesDir string) error {
	seeds := builtinScamSeeds()
	if rulesDir != "" {
		if loaded, err := loadSeedFile(filepath.Join(rulesDir, "scam_seeds.yaml")); err != nil {
			return err
		} else if len(loaded) > 0 {
			seeds = loaded
		}
	}

	docs := make([]chromem.Document, len(seeds))
	for i, seed := range seeds {
		docs[i] = chromem.Document{
			ID:      fmt.Sprintf("seed_%d", i),
			Content: strings.ToLower(seed.Text),
			Metadata: map[string]string{
				"category": seed.Category,
			},
		}
	}
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add scam seeds: %w", err)
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func loadSeedFile(path string) ([]ScamSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scam seeds: %w", err)
	}
	var doc struct {
		Seeds []ScamSeed `yaml:"seeds"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse scam seeds %s: %w", path, err)
	}
	return doc.Seeds, nil
}

// IsReady reports whether the corpus is loaded.
func (s *ScamIndex) IsReady() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Match returns the best corpus match for the memo, or nil when nothing
// clears the similarity threshold.
func (s *ScamIndex) Match(ctx context.Context, memo string) (*SemanticMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, fmt.Errorf("scam index not seeded")
	}
	if strings.TrimSpace(memo) == "" {
		return nil, nil
	}

	n := 3
	if c := s.collection.Count(); c < n {
		n = c
	}
	if n == 0 {
		return nil, nil
	}
	results, err := s.collection.Query(ctx, strings.ToLower(memo), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("scam index query failed: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	best := results[0]
	if best.Similarity < s.threshold {
		return nil, nil
	}
	return &SemanticMatch{
		Similarity: best.Similarity,
		Category:   best.Metadata["category"],
		SeedText:   best.Content,
	}, nil
}

// builtinScamSeeds is the default corpus, drawn from recurring UPI scam
// campaigns.
func builtinScamSeeds() []ScamSeed {
	return []ScamSeed{
		{Text: "URGENT your account will be blocked today complete KYC verification immediately", Category: "kyc_scare"},
		{Text: "Dear customer your KYC has expired update now or account suspended", Category: "kyc_scare"},
		{Text: "Share the OTP you received to verify your account and avoid deactivation", Category: "otp_harvest"},
		{Text: "Tell me the one time password sent to your phone to complete the refund", Category: "otp_harvest"},
		{Text: "Congratulations you have won a lottery prize of 25 lakh claim now", Category: "lottery"},
		{Text: "You are the lucky winner approve this request to claim your reward", Category: "lottery"},
		{Text: "Electricity bill unpaid power will be disconnected tonight call officer immediately", Category: "utility_scare"},
		{Text: "Your parcel is held at customs pay penalty to release the package", Category: "customs"},
		{Text: "Income tax refund approved verify your bank account on this link to receive it", Category: "refund_bait"},
		{Text: "Pay the pending dues now or legal case will be filed against you by court", Category: "legal_threat"},
		{Text: "Army officer posted out needs to sell furniture urgently advance payment required", Category: "advance_fee"},
		{Text: "Work from home job earn 5000 daily pay registration fee to start", Category: "job_scam"},
		{Text: "Scan this QR code to receive the money into your account", Category: "qr_reverse"},
		{Text: "Your card points are expiring redeem now by verifying PIN on the link", Category: "points_expiry"},
	}
}
