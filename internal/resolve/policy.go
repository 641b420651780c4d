// Package resolve decides the disposition of a matched record: merge into an
// existing canonical record, create a new one, or flag for human review.
package resolve

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

// Policy is the threshold state machine over a record's disposition.
// Unresolved -> {Merged, Created, Flagged}, all terminal. Decisions are pure;
// the coordinator applies side effects only after the decision is final.
type Policy struct {
	mergeThreshold float64
	flagThreshold  float64
	topN           int
}

// New validates thresholds and returns a Policy. The flag threshold bounds
// the bottom of the ambiguous band, so it must not exceed the merge
// threshold.
func New(mergeThreshold, flagThreshold float64, topN int) (*Policy, error) {
	if mergeThreshold <= 0 || mergeThreshold > 1 {
		return nil, eris.Errorf("resolve: merge threshold %.2f out of (0,1]", mergeThreshold)
	}
	if flagThreshold < 0 || flagThreshold > mergeThreshold {
		return nil, eris.Errorf("resolve: flag threshold %.2f must be in [0, %.2f]",
			flagThreshold, mergeThreshold)
	}
	if topN <= 0 {
		topN = 5
	}
	return &Policy{
		mergeThreshold: mergeThreshold,
		flagThreshold:  flagThreshold,
		topN:           topN,
	}, nil
}

// Decide maps a match score to a disposition. score >= merge threshold
// merges; score < flag threshold (including no match at all) creates; the
// band in between is ambiguous and flags for review.
func (p *Policy) Decide(res model.MatchResult) model.Disposition {
	if !res.Matched() || res.Score < p.flagThreshold {
		return model.DispositionCreated
	}
	if res.Score >= p.mergeThreshold {
		return model.DispositionMerged
	}
	return model.DispositionFlagged
}

// Create mints a new canonical record from a normalized key. The raw record
// becomes the sole provenance entry.
func (p *Policy) Create(key normalize.Key, raw model.RawRecord, now time.Time) model.CanonicalRecord {
	return model.CanonicalRecord{
		ID:         uuid.New().String(),
		Fields:     fieldsFromKey(key),
		Provenance: []string{raw.ID()},
		UpdatedAt:  now,
	}
}

// Merge folds a normalized key into an existing canonical record: provenance
// is appended, and for conflicting field values the incoming non-null value
// wins since it is the most recent observation.
func (p *Policy) Merge(cand model.CanonicalRecord, key normalize.Key, raw model.RawRecord, now time.Time) model.CanonicalRecord {
	merged := cand.Clone()
	for field, value := range fieldsFromKey(key) {
		if value != "" {
			merged.Fields[field] = value
		}
	}
	merged.Provenance = append(merged.Provenance, raw.ID())
	merged.UpdatedAt = now
	return merged
}

// Flag builds a review flag for a record in the ambiguous band, carrying the
// top-N near matches for the reviewer. No canonical record is touched.
func (p *Policy) Flag(raw model.RawRecord, candidates []model.FlagCandidate, now time.Time) model.ReviewFlag {
	if len(candidates) > p.topN {
		candidates = candidates[:p.topN]
	}
	return model.ReviewFlag{
		ID:         uuid.New().String(),
		BatchID:    raw.BatchID,
		RawOffset:  raw.Offset,
		Reason:     model.FlagAmbiguous,
		Candidates: candidates,
		CreatedAt:  now,
	}
}

// FlagMalformed builds a review flag for a record that could not be
// fingerprinted.
func (p *Policy) FlagMalformed(raw model.RawRecord, detail string, now time.Time) model.ReviewFlag {
	return model.ReviewFlag{
		ID:        uuid.New().String(),
		BatchID:   raw.BatchID,
		RawOffset: raw.Offset,
		Reason:    model.FlagMalformed,
		Detail:    detail,
		CreatedAt: now,
	}
}

func fieldsFromKey(key normalize.Key) map[string]string {
	fields := make(map[string]string, len(key.Fields)+len(key.Numbers)+1)
	for k, v := range key.Fields {
		fields[k] = v
	}
	for k, n := range key.Numbers {
		fields[k] = strconv.FormatFloat(n, 'f', -1, 64)
	}
	if key.ExternalID != "" {
		// stored lowercased to match the comparator's view
		fields["external_id"] = strings.ToLower(key.ExternalID)
	}
	return fields
}
