// Package store persists canonical records, raw payloads, review flags, and
// the run ledger. The commit path couples the canonical-record mutation and
// the ledger advance in a single transaction so a crash can never apply one
// without the other.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/retail-intel/ingest-cli/internal/model"
)

// ErrNotFound indicates a lookup against an id the store has never seen.
var ErrNotFound = eris.New("store: not found")

// Commit is the atomic unit applied after each record's disposition is
// final: a canonical upsert and/or a review flag, plus the ledger advance.
type Commit struct {
	BatchID string
	Offset  int64
	Delta   model.Counts

	// Canonical is the created or merged record; nil for flag-only commits.
	Canonical *model.CanonicalRecord
	// RawID is the provenance entry added when Canonical is set.
	RawID string
	// Flag is the review flag emitted, if any.
	Flag *model.ReviewFlag
}

// FlagFilter narrows review flag listings.
type FlagFilter struct {
	BatchID    string
	Reason     model.FlagReason
	Unresolved bool
	Limit      int
}

// Store is the persistence contract for the ingestion pipeline. Postgres
// backs production; SQLite backs local runs and tests.
type Store interface {
	// Raw payloads (append-only document store)
	AppendRaw(ctx context.Context, records []model.RawRecord) (int64, error)
	ReadRaw(ctx context.Context, batchID string, fromOffset int64, limit int) ([]model.RawRecord, error)

	// Canonical records
	ListCanonical(ctx context.Context) ([]model.CanonicalRecord, error)
	GetCanonical(ctx context.Context, id string) (*model.CanonicalRecord, error)

	// Run ledger
	GetLedger(ctx context.Context, batchID string) (*model.RunLedgerEntry, error)
	StartBatch(ctx context.Context, batchID string) (*model.RunLedgerEntry, error)
	FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, errMsg string) error
	ListLedger(ctx context.Context, limit int) ([]model.RunLedgerEntry, error)

	// CommitRecord applies a Commit atomically: both the canonical/flag
	// writes and the ledger advance land, or neither does.
	CommitRecord(ctx context.Context, c Commit) error

	// Review flags
	ListFlags(ctx context.Context, filter FlagFilter) ([]model.ReviewFlag, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// IdentityKey derives the normalized-identity value backing the unique
// constraint on canonical_records. External ids dominate; otherwise the
// normalized name plus the strongest contact fields.
func IdentityKey(fields map[string]string) string {
	if xid := fields["external_id"]; xid != "" {
		return "xid:" + xid
	}
	parts := []string{fields["name"], fields["phone"], fields["zip"]}
	return strings.Join(parts, "|")
}
