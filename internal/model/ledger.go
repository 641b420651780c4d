package model

import "time"

// BatchStatus is the terminal-state machine for a run ledger entry.
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchComplete BatchStatus = "complete"
	BatchFailed   BatchStatus = "failed"
)

// RunLedgerEntry is the durable per-batch progress record. Entries are
// created when a batch starts, advanced after every record commit, and never
// deleted; they double as the audit trail the scheduler reads.
type RunLedgerEntry struct {
	BatchID     string      `json:"batch_id"`
	Offset      int64       `json:"offset"`
	Merges      int64       `json:"merges"`
	Creates     int64       `json:"creates"`
	Flags       int64       `json:"flags"`
	Status      BatchStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Counts is the per-record delta applied to a ledger entry at commit time.
type Counts struct {
	Merges  int64 `json:"merges"`
	Creates int64 `json:"creates"`
	Flags   int64 `json:"flags"`
}

// Add accumulates another delta.
func (c *Counts) Add(d Counts) {
	c.Merges += d.Merges
	c.Creates += d.Creates
	c.Flags += d.Flags
}
