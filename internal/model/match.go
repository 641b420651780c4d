package model

import "time"

// FieldScore is the per-field breakdown of a match score.
type FieldScore struct {
	Field  string  `json:"field"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// MatchResult is the transient outcome of scoring a normalized record
// against the candidate set. Consumed immediately by the resolution policy;
// never persisted.
type MatchResult struct {
	CandidateID string       `json:"candidate_id,omitempty"`
	Score       float64      `json:"score"`
	Breakdown   []FieldScore `json:"breakdown,omitempty"`
}

// Matched reports whether any candidate scored above zero.
func (m MatchResult) Matched() bool {
	return m.CandidateID != ""
}

// Disposition is the terminal state assigned to a record by the resolution
// policy.
type Disposition string

const (
	DispositionMerged  Disposition = "merged"
	DispositionCreated Disposition = "created"
	DispositionFlagged Disposition = "flagged"
)

// FlagCandidate is one of the top-N near matches attached to a review flag.
type FlagCandidate struct {
	CanonicalID string  `json:"canonical_id"`
	Score       float64 `json:"score"`
}

// FlagReason distinguishes why a record needs human disposition.
type FlagReason string

const (
	FlagAmbiguous FlagReason = "ambiguous_match"
	FlagMalformed FlagReason = "malformed_record"
)

// ReviewFlag is a record awaiting human disposition: either its best match
// fell in the ambiguous score band, or the record was too malformed to
// fingerprint. Resolved externally; queryable but never blocking.
type ReviewFlag struct {
	ID          string          `json:"id"`
	BatchID     string          `json:"batch_id"`
	RawOffset   int64           `json:"raw_offset"`
	Reason      FlagReason      `json:"reason"`
	Detail      string          `json:"detail,omitempty"`
	Candidates  []FlagCandidate `json:"candidates,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Disposition string          `json:"disposition,omitempty"`
}
