// Package rules provides the weighted rule catalogues backing the four fraud
// detectors. All regexes and lexicons are compiled once at registry
// construction and shared across requests.
//
// Design principles:
// - COMPILE ONCE: patterns compiled at construction, not per-request
// - SINGLE SOURCE OF TRUTH: weights and hard flags live here, detectors
//   only report hit names
// - OVERRIDABLE: weights, hard flags, and the URL-shortener host list can be
//   adjusted from a YAML file without a rebuild; memo lexicons are compiled in
package rules

import (
	"regexp"
	"strings"
)

// Kind describes how a rule is evaluated.
type Kind int

const (
	// KindMemo rules match against the lowercased transaction memo.
	KindMemo Kind = iota
	// KindPayee rules match against the payee virtual address.
	KindPayee
	// KindStructural rules are evaluated inside a detector (QR field
	// mismatches, device posture, amount gates). The registry only carries
	// their weight, hard flag, and description.
	KindStructural
)

// Rule is one deterministic fraud pattern. A "hard" rule's fire is treated as
// strong evidence and is never diluted by blending with a model score.
type Rule struct {
	Name        string
	Detector    string
	Weight      float64
	Hard        bool
	Description string

	kind Kind
	// groups requires at least one term from every group to appear.
	// A single-group rule is a plain lexicon match.
	groups [][]string
	// regex, when set, must match in addition to the groups.
	regex *regexp.Regexp
}

// matchText reports whether the rule fires on the given lowercased text.
// Structural rules never match here.
func (r *Rule) matchText(text string) bool {
	if r.kind == KindStructural {
		return false
	}
	if r.regex != nil && !r.regex.MatchString(text) {
		return false
	}
	if r.regex == nil && len(r.groups) == 0 {
		return false
	}
	for _, group := range r.groups {
		found := false
		for _, term := range group {
			if strings.Contains(text, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry holds all compiled rules, organized by detector id.
type Registry struct {
	byDetector map[string][]*Rule
	byName     map[string]*Rule
	shorteners []string
}

// NewRegistry creates a registry populated with the built-in catalogue.
func NewRegistry() *Registry {
	r := &Registry{
		byDetector: make(map[string][]*Rule),
		byName:     make(map[string]*Rule),
		shorteners: defaultShortenerHosts(),
	}
	registerCatalogue(r)
	return r
}

func (r *Registry) register(rule *Rule) {
	r.byDetector[rule.Detector] = append(r.byDetector[rule.Detector], rule)
	r.byName[rule.Name] = rule
}

// Lookup returns the rule with the given name, or nil.
func (r *Registry) Lookup(name string) *Rule {
	return r.byName[name]
}

// Detector returns all rules registered for a detector id.
func (r *Registry) Detector(detector string) []*Rule {
	return r.byDetector[detector]
}

// ShortenerHosts returns the known URL-shortener host list.
func (r *Registry) ShortenerHosts() []string {
	return r.shorteners
}

// IsShortenerHost reports whether host (or text containing it) names a known
// URL shortener.
func (r *Registry) IsShortenerHost(text string) bool {
	for _, h := range r.shorteners {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}

// EvaluateText runs every memo/payee rule of a detector against the request
// text fields and returns the names of the rules that fired, in catalogue
// order. Text inputs are lowercased by the caller's feature extractor.
func (r *Registry) EvaluateText(detector, memo, payee string) []string {
	var hits []string
	for _, rule := range r.byDetector[detector] {
		switch rule.kind {
		case KindMemo:
			if rule.matchText(memo) {
				hits = append(hits, rule.Name)
			}
		case KindPayee:
			if rule.matchText(payee) {
				hits = append(hits, rule.Name)
			}
		}
	}
	return hits
}

// ScoreHits computes the rule-only probability for a hit list: the sum of the
// hit weights clamped to [0,1], plus whether any hit was a hard rule.
// Unknown names contribute nothing.
func (r *Registry) ScoreHits(hits []string) (p float64, hard bool) {
	for _, name := range hits {
		rule := r.byName[name]
		if rule == nil {
			continue
		}
		p += rule.Weight
		if rule.Hard {
			hard = true
		}
	}
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p, hard
}

// TopWeighted returns the highest-weighted rule among the hits, preferring
// hard rules on ties. Returns nil when no hit resolves.
func (r *Registry) TopWeighted(hits []string) *Rule {
	var best *Rule
	for _, name := range hits {
		rule := r.byName[name]
		if rule == nil {
			continue
		}
		if best == nil || rule.Weight > best.Weight || (rule.Weight == best.Weight && rule.Hard && !best.Hard) {
			best = rule
		}
	}
	return best
}

// TotalRules returns the catalogue size across all detectors.
func (r *Registry) TotalRules() int {
	return len(r.byName)
}
