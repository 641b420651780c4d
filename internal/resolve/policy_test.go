package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

func TestNew_RejectsBadThresholds(t *testing.T) {
	_, err := New(0, 0, 5)
	assert.Error(t, err)

	_, err = New(1.2, 0.5, 5)
	assert.Error(t, err)

	// flag above merge inverts the ambiguous band
	_, err = New(0.8, 0.9, 5)
	assert.Error(t, err)

	p, err := New(0.85, 0.60, 0)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestDecide_ThresholdBands(t *testing.T) {
	p, err := New(0.85, 0.60, 5)
	require.NoError(t, err)

	tests := []struct {
		name string
		res  model.MatchResult
		want model.Disposition
	}{
		{"no match", model.MatchResult{}, model.DispositionCreated},
		{"below flag", model.MatchResult{CandidateID: "c", Score: 0.59}, model.DispositionCreated},
		{"at flag", model.MatchResult{CandidateID: "c", Score: 0.60}, model.DispositionFlagged},
		{"mid band", model.MatchResult{CandidateID: "c", Score: 0.75}, model.DispositionFlagged},
		{"at merge", model.MatchResult{CandidateID: "c", Score: 0.85}, model.DispositionMerged},
		{"above merge", model.MatchResult{CandidateID: "c", Score: 0.99}, model.DispositionMerged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.res))
		})
	}
}

func TestDecide_ThresholdMonotonicity(t *testing.T) {
	// Raising the merge threshold can only move records out of Merged,
	// never into it.
	loose, err := New(0.70, 0.50, 5)
	require.NoError(t, err)
	strict, err := New(0.90, 0.50, 5)
	require.NoError(t, err)

	for _, score := range []float64{0.45, 0.55, 0.69, 0.70, 0.80, 0.90, 0.95} {
		res := model.MatchResult{CandidateID: "c", Score: score}
		if strict.Decide(res) == model.DispositionMerged {
			assert.Equal(t, model.DispositionMerged, loose.Decide(res),
				"score %.2f merged strictly but not loosely", score)
		}
	}
}

func TestCreate_MintsProvenance(t *testing.T) {
	p, err := New(0.85, 0.60, 5)
	require.NoError(t, err)

	key := normalize.Key{
		ExternalID: "SKU-1",
		Name:       "acme supply",
		Fields:     map[string]string{"name": "acme supply", "city": "boston"},
		Numbers:    map[string]float64{"price": 9.5},
	}
	raw := model.RawRecord{BatchID: "b1", Offset: 3}
	now := time.Now()

	rec := p.Create(key, raw, now)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, []string{"b1/3"}, rec.Provenance)
	assert.Equal(t, "acme supply", rec.Fields["name"])
	assert.Equal(t, "sku-1", rec.Fields["external_id"])
	assert.Equal(t, "9.5", rec.Fields["price"])
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestMerge_IncomingWinsAndProvenanceGrows(t *testing.T) {
	p, err := New(0.85, 0.60, 5)
	require.NoError(t, err)

	cand := model.CanonicalRecord{
		ID:         "c1",
		Fields:     map[string]string{"name": "acme supply", "phone": "5550000000", "city": "boston"},
		Provenance: []string{"b1/0"},
	}
	key := normalize.Key{
		Name:   "acme supply",
		Fields: map[string]string{"name": "acme supply", "phone": "5551234567"},
	}
	raw := model.RawRecord{BatchID: "b2", Offset: 9}
	now := time.Now()

	merged := p.Merge(cand, key, raw, now)
	assert.Equal(t, "c1", merged.ID)
	assert.Equal(t, "5551234567", merged.Fields["phone"], "incoming value wins")
	assert.Equal(t, "boston", merged.Fields["city"], "absent incoming field keeps existing value")
	assert.Equal(t, []string{"b1/0", "b2/9"}, merged.Provenance)

	// the input candidate is not mutated
	assert.Equal(t, "5550000000", cand.Fields["phone"])
	assert.Len(t, cand.Provenance, 1)
}

func TestFlag_TruncatesToTopN(t *testing.T) {
	p, err := New(0.85, 0.60, 2)
	require.NoError(t, err)

	raw := model.RawRecord{BatchID: "b1", Offset: 4}
	cands := []model.FlagCandidate{
		{CanonicalID: "a", Score: 0.80},
		{CanonicalID: "b", Score: 0.75},
		{CanonicalID: "c", Score: 0.61},
	}

	flag := p.Flag(raw, cands, time.Now())
	assert.Equal(t, model.FlagAmbiguous, flag.Reason)
	assert.Equal(t, "b1", flag.BatchID)
	assert.Equal(t, int64(4), flag.RawOffset)
	assert.Len(t, flag.Candidates, 2)
}

func TestFlagMalformed(t *testing.T) {
	p, err := New(0.85, 0.60, 5)
	require.NoError(t, err)

	flag := p.FlagMalformed(model.RawRecord{BatchID: "b1", Offset: 7}, "missing name, external_id", time.Now())
	assert.Equal(t, model.FlagMalformed, flag.Reason)
	assert.Equal(t, "missing name, external_id", flag.Detail)
	assert.Empty(t, flag.Candidates)
}
