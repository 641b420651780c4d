// Package match scores normalized records against canonical candidates.
// Scoring is pure and side-effect free, so a retried step may invoke it any
// number of times for the same input.
package match

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

// Kind selects the comparator applied to a field. Comparators are chosen by
// static configuration, never by runtime type inspection.
type Kind string

const (
	// KindExact scores 1.0 on byte equality, 0 otherwise.
	KindExact Kind = "exact"
	// KindText scores edit-distance-derived similarity over tokens.
	KindText Kind = "text"
	// KindNumeric scores 1.0 inside a relative tolerance band.
	KindNumeric Kind = "numeric"
)

// Rule binds a field to a comparator and a weight.
type Rule struct {
	Field     string  `mapstructure:"field"`
	Kind      Kind    `mapstructure:"kind"`
	Weight    float64 `mapstructure:"weight"`
	Tolerance float64 `mapstructure:"tolerance"`
}

// DefaultRules covers the identity fields retail feeds reliably carry.
// Exact-match identifiers are weighted highest.
func DefaultRules() []Rule {
	return []Rule{
		{Field: "external_id", Kind: KindExact, Weight: 3.0},
		{Field: "name", Kind: KindText, Weight: 2.0},
		{Field: "phone", Kind: KindExact, Weight: 1.5},
		{Field: "email", Kind: KindExact, Weight: 1.5},
		{Field: "address", Kind: KindText, Weight: 1.0},
		{Field: "city", Kind: KindExact, Weight: 0.5},
		{Field: "state", Kind: KindExact, Weight: 0.5},
		{Field: "zip", Kind: KindExact, Weight: 0.5},
		{Field: "price", Kind: KindNumeric, Weight: 0.5, Tolerance: 0.05},
		{Field: "quantity", Kind: KindNumeric, Weight: 0.5, Tolerance: 0.05},
	}
}

// Matcher computes weighted similarity across configured field rules.
type Matcher struct {
	rules []Rule
}

// New creates a Matcher. Nil or empty rules fall back to DefaultRules.
func New(rules []Rule) *Matcher {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Matcher{rules: rules}
}

// Score compares a normalized key against one candidate, returning a value
// in [0,1] and the per-field breakdown. Fields absent on either side are
// skipped rather than penalized; the weighted sum is normalized over the
// fields actually compared.
func (m *Matcher) Score(key normalize.Key, cand model.CanonicalRecord) (float64, []model.FieldScore) {
	var total, weightSum float64
	var breakdown []model.FieldScore

	for _, rule := range m.rules {
		score, ok := m.compare(rule, key, cand)
		if !ok {
			continue
		}
		total += score * rule.Weight
		weightSum += rule.Weight
		breakdown = append(breakdown, model.FieldScore{
			Field:  rule.Field,
			Score:  score,
			Weight: rule.Weight,
		})
	}

	if weightSum == 0 {
		return 0, nil
	}
	sortBreakdown(breakdown)
	return total / weightSum, breakdown
}

// MatchBest scores every candidate and returns the best. Ties go to the most
// recently updated record, which is most likely authoritative. An empty
// candidate list is a valid "no match" result, not an error.
func (m *Matcher) MatchBest(key normalize.Key, candidates []model.CanonicalRecord) model.MatchResult {
	var best model.MatchResult
	var bestRec model.CanonicalRecord

	for _, cand := range candidates {
		score, breakdown := m.Score(key, cand)
		replace := score > best.Score
		if !replace && best.Matched() && score == best.Score {
			replace = cand.UpdatedAt.After(bestRec.UpdatedAt)
		}
		if replace {
			best = model.MatchResult{CandidateID: cand.ID, Score: score, Breakdown: breakdown}
			bestRec = cand
		}
	}
	return best
}

func (m *Matcher) compare(rule Rule, key normalize.Key, cand model.CanonicalRecord) (float64, bool) {
	if rule.Kind == KindNumeric {
		a, aok := key.Numbers[rule.Field]
		b, bok := candNumber(cand, rule.Field)
		if !aok || !bok {
			return 0, false
		}
		return numericScore(a, b, rule.Tolerance), true
	}

	a := keyField(key, rule.Field)
	b := cand.Fields[rule.Field]
	if a == "" || b == "" {
		return 0, false
	}

	switch rule.Kind {
	case KindExact:
		if a == b {
			return 1, true
		}
		return 0, true
	case KindText:
		return textScore(a, b), true
	}
	return 0, false
}

func keyField(key normalize.Key, field string) string {
	if field == "external_id" {
		return strings.ToLower(key.ExternalID)
	}
	return key.Fields[field]
}

func candNumber(cand model.CanonicalRecord, field string) (float64, bool) {
	raw, ok := cand.Fields[field]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// numericScore treats values inside the relative tolerance band as equal and
// decays linearly outside it.
func numericScore(a, b, tolerance float64) float64 {
	if tolerance <= 0 {
		tolerance = 0.01
	}
	base := math.Max(math.Max(math.Abs(a), math.Abs(b)), 1)
	rel := math.Abs(a-b) / base
	if rel <= tolerance {
		return 1
	}
	score := 1 - (rel-tolerance)/(4*tolerance)
	if score < 0 {
		return 0
	}
	return score
}

// textScore blends whole-string edit similarity with a greedy token
// alignment so "jon smith" scores high against "jonathan smith". A token
// that is a prefix of its counterpart (nicknames, truncated feeds) counts
// nearly as an exact hit.
func textScore(a, b string) float64 {
	whole := levenshtein.Match(a, b, nil)
	tokens := (tokenAlignScore(a, b) + tokenAlignScore(b, a)) / 2
	return math.Max(whole, tokens)
}

const prefixTokenScore = 0.9

func tokenAlignScore(a, b string) float64 {
	aTokens := strings.Fields(a)
	bTokens := strings.Fields(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}

	var sum float64
	for _, at := range aTokens {
		best := 0.0
		for _, bt := range bTokens {
			s := tokenScore(at, bt)
			if s > best {
				best = s
			}
		}
		sum += best
	}
	return sum / float64(len(aTokens))
}

func tokenScore(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) >= 3 && len(b) >= 3 {
		if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
			return prefixTokenScore
		}
	}
	return levenshtein.Match(a, b, nil)
}

// sortBreakdown orders a breakdown by weight then field for stable output.
func sortBreakdown(b []model.FieldScore) {
	sort.Slice(b, func(i, j int) bool {
		if b[i].Weight != b[j].Weight {
			return b[i].Weight > b[j].Weight
		}
		return b[i].Field < b[j].Field
	})
}
