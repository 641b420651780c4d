package model

import (
	"strconv"
	"time"
)

// RawRecord is a source-provided record as it arrived from a scrape, API
// pull, or file drop. Immutable once appended to the raw store.
type RawRecord struct {
	BatchID    string            `json:"batch_id"`
	Offset     int64             `json:"offset"`
	ExternalID string            `json:"external_id,omitempty"`
	Source     string            `json:"source,omitempty"`
	Fields     map[string]string `json:"fields"`
	ReceivedAt time.Time         `json:"received_at"`
}

// ID returns the pipeline-wide identifier for a raw record. External ids are
// source-assigned and nullable, so the batch id + offset pair is the only
// identifier guaranteed to exist.
func (r RawRecord) ID() string {
	return r.BatchID + "/" + strconv.FormatInt(r.Offset, 10)
}

// CanonicalRecord is the pipeline-owned, deduplicated representation of an
// entity. Mutated only through the resolution policy's merge path.
type CanonicalRecord struct {
	ID         string            `json:"id"`
	Fields     map[string]string `json:"fields"`
	Provenance []string          `json:"provenance"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Clone returns a deep copy. The index hands copies to callers so scoring
// never races with a merge on the shared record.
func (c CanonicalRecord) Clone() CanonicalRecord {
	out := c
	out.Fields = make(map[string]string, len(c.Fields))
	for k, v := range c.Fields {
		out.Fields[k] = v
	}
	out.Provenance = append([]string(nil), c.Provenance...)
	return out
}
