package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

func mustKey(t *testing.T, fields map[string]string) normalize.Key {
	t.Helper()
	key, err := normalize.Fingerprint(normalize.Record{ID: "t/0", Fields: fields})
	require.NoError(t, err)
	return key
}

func TestScore_ExactIdentityFields(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{
		"name":  "Acme Supply",
		"phone": "(555) 123-4567",
	})
	cand := model.CanonicalRecord{
		ID:     "c1",
		Fields: map[string]string{"name": "acme supply", "phone": "5551234567"},
	}

	score, breakdown := m.Score(key, cand)
	assert.InDelta(t, 1.0, score, 0.001)
	require.Len(t, breakdown, 2)
	// breakdown sorted by weight descending
	assert.Equal(t, "name", breakdown[0].Field)
	assert.Equal(t, "phone", breakdown[1].Field)
}

func TestScore_SkipsAbsentFields(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{"name": "Acme Supply"})
	cand := model.CanonicalRecord{
		ID: "c1",
		Fields: map[string]string{
			"name":  "acme supply",
			"phone": "5551234567",
			"email": "ops@acme.example",
		},
	}

	score, breakdown := m.Score(key, cand)
	assert.InDelta(t, 1.0, score, 0.001, "missing fields are skipped, not penalized")
	assert.Len(t, breakdown, 1)
}

func TestScore_NicknameMergesAboveThreshold(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{
		"name":  "Jon Smith",
		"phone": "555-123-4567",
	})
	cand := model.CanonicalRecord{
		ID:     "c1",
		Fields: map[string]string{"name": "jonathan smith", "phone": "5551234567"},
	}

	score, _ := m.Score(key, cand)
	assert.GreaterOrEqual(t, score, 0.85,
		"prefix-token similarity plus an exact phone should clear the merge threshold")
}

func TestScore_DisjointNamesScoreLow(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{"name": "Zenith Retail Group"})
	cand := model.CanonicalRecord{
		ID:     "c1",
		Fields: map[string]string{"name": "acme supply"},
	}

	score, _ := m.Score(key, cand)
	assert.Less(t, score, 0.5)
}

func TestScore_NumericTolerance(t *testing.T) {
	m := New([]Rule{{Field: "price", Kind: KindNumeric, Weight: 1, Tolerance: 0.05}})

	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "100", "100", 1.0},
		{"inside band", "100", "104", 1.0},
		{"just outside decays", "100", "110", 0.795},
		{"far outside", "100", "200", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := mustKey(t, map[string]string{"name": "x", "price": tt.a})
			cand := model.CanonicalRecord{ID: "c", Fields: map[string]string{"price": tt.b}}
			score, _ := m.Score(key, cand)
			assert.InDelta(t, tt.want, score, 0.01)
		})
	}
}

func TestScore_NoComparableFields(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{"name": "acme"})
	cand := model.CanonicalRecord{ID: "c1", Fields: map[string]string{"email": "a@b.c"}}

	score, breakdown := m.Score(key, cand)
	assert.Zero(t, score)
	assert.Nil(t, breakdown)
}

func TestMatchBest_PicksHighest(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{"name": "Acme Supply"})

	best := m.MatchBest(key, []model.CanonicalRecord{
		{ID: "far", Fields: map[string]string{"name": "zenith group"}},
		{ID: "close", Fields: map[string]string{"name": "acme supply"}},
		{ID: "near", Fields: map[string]string{"name": "acme supplies"}},
	})
	assert.Equal(t, "close", best.CandidateID)
	assert.InDelta(t, 1.0, best.Score, 0.001)
}

func TestMatchBest_TieGoesToMostRecent(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{"name": "Acme Supply"})
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	best := m.MatchBest(key, []model.CanonicalRecord{
		{ID: "old", Fields: map[string]string{"name": "acme supply"}, UpdatedAt: older},
		{ID: "new", Fields: map[string]string{"name": "acme supply"}, UpdatedAt: newer},
	})
	assert.Equal(t, "new", best.CandidateID)
}

func TestMatchBest_EmptyCandidates(t *testing.T) {
	m := New(nil)
	key := mustKey(t, map[string]string{"name": "acme"})

	best := m.MatchBest(key, nil)
	assert.False(t, best.Matched())
	assert.Zero(t, best.Score)
}

func TestScore_ExternalIDCaseInsensitive(t *testing.T) {
	m := New(nil)
	key, err := normalize.Fingerprint(normalize.Record{ID: "t/0", ExternalID: "SKU-99", Fields: map[string]string{"name": "acme"}})
	require.NoError(t, err)
	cand := model.CanonicalRecord{
		ID:     "c1",
		Fields: map[string]string{"name": "acme", "external_id": "sku-99"},
	}

	score, _ := m.Score(key, cand)
	assert.InDelta(t, 1.0, score, 0.001)
}
