package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/retail-intel/ingest-cli/internal/db"
	"github.com/retail-intel/ingest-cli/internal/model"
)

// PostgresStore implements Store over a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore from an existing pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS retail;

CREATE TABLE IF NOT EXISTS retail.canonical_records (
	id           UUID PRIMARY KEY,
	identity_key TEXT NOT NULL UNIQUE,
	fields       JSONB NOT NULL,
	provenance   JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS retail.provenance (
	raw_id       TEXT PRIMARY KEY,
	canonical_id UUID NOT NULL REFERENCES retail.canonical_records(id)
);

CREATE TABLE IF NOT EXISTS retail.raw_records (
	batch_id    TEXT NOT NULL,
	record_offset BIGINT NOT NULL,
	external_id TEXT,
	source      TEXT,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (batch_id, record_offset)
);

CREATE TABLE IF NOT EXISTS retail.run_ledger (
	batch_id     TEXT PRIMARY KEY,
	last_offset  BIGINT NOT NULL DEFAULT -1,
	merges       BIGINT NOT NULL DEFAULT 0,
	creates      BIGINT NOT NULL DEFAULT 0,
	flags        BIGINT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS retail.review_flags (
	id          UUID PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	raw_offset  BIGINT NOT NULL,
	reason      TEXT NOT NULL,
	detail      TEXT,
	candidates  JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	disposition TEXT
);

CREATE INDEX IF NOT EXISTS idx_review_flags_batch ON retail.review_flags(batch_id);
CREATE INDEX IF NOT EXISTS idx_review_flags_unresolved ON retail.review_flags(created_at) WHERE resolved_at IS NULL;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// AppendRaw bulk-appends raw payloads. Re-appending the same batch is a
// no-op per (batch_id, offset), which keeps retried fetches idempotent.
func (s *PostgresStore) AppendRaw(ctx context.Context, records []model.RawRecord) (int64, error) {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		payload, err := json.Marshal(r.Fields)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal raw %s", r.ID())
		}
		rows = append(rows, []any{r.BatchID, r.Offset, r.ExternalID, r.Source, payload, r.ReceivedAt})
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "retail.raw_records",
		Columns:      []string{"batch_id", "record_offset", "external_id", "source", "payload", "received_at"},
		ConflictKeys: []string{"batch_id", "record_offset"},
		UpdateCols:   []string{}, // append-only: conflicts are skipped
	}, rows)
}

func (s *PostgresStore) ReadRaw(ctx context.Context, batchID string, fromOffset int64, limit int) ([]model.RawRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, record_offset, external_id, source, payload, received_at
		 FROM retail.raw_records
		 WHERE batch_id = $1 AND record_offset >= $2
		 ORDER BY record_offset
		 LIMIT $3`,
		batchID, fromOffset, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read raw %s", batchID)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var r model.RawRecord
		var externalID, source *string
		var payload []byte
		if err := rows.Scan(&r.BatchID, &r.Offset, &externalID, &source, &payload, &r.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan raw record")
		}
		if externalID != nil {
			r.ExternalID = *externalID
		}
		if source != nil {
			r.Source = *source
		}
		if err := json.Unmarshal(payload, &r.Fields); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal raw %s", r.ID())
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCanonical(ctx context.Context) ([]model.CanonicalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fields, provenance, updated_at FROM retail.canonical_records`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list canonical")
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		rec, err := scanCanonical(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCanonical(ctx context.Context, id string) (*model.CanonicalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fields, provenance, updated_at FROM retail.canonical_records WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get canonical %s", id)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, eris.Wrapf(err, "postgres: get canonical %s", id)
		}
		return nil, eris.Wrapf(ErrNotFound, "canonical %s", id)
	}
	rec, err := scanCanonical(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) GetLedger(ctx context.Context, batchID string) (*model.RunLedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, last_offset, merges, creates, flags, status, error, started_at, completed_at
		 FROM retail.run_ledger WHERE batch_id = $1`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get ledger %s", batchID)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, eris.Wrapf(err, "postgres: get ledger %s", batchID)
		}
		return nil, nil // absent is not an error: the batch has never run
	}
	entry, err := scanLedger(rows)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// StartBatch creates the ledger entry if absent and returns the current
// state either way, so a resumed batch picks up its committed offset.
func (s *PostgresStore) StartBatch(ctx context.Context, batchID string) (*model.RunLedgerEntry, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retail.run_ledger (batch_id, status, started_at)
		 VALUES ($1, 'pending', now())
		 ON CONFLICT (batch_id) DO NOTHING`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start batch %s", batchID)
	}
	return s.GetLedger(ctx, batchID)
}

func (s *PostgresStore) FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, errMsg string) error {
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE retail.run_ledger
		 SET status = $1, error = $2, completed_at = now()
		 WHERE batch_id = $3`,
		string(status), errVal, batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish batch %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "ledger %s", batchID)
	}
	return nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, limit int) ([]model.RunLedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, last_offset, merges, creates, flags, status, error, started_at, completed_at
		 FROM retail.run_ledger ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger")
	}
	defer rows.Close()

	var out []model.RunLedgerEntry
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CommitRecord applies one record's outcome in a single transaction. The
// ledger offset only moves forward: GREATEST keeps a replayed commit from
// rewinding progress.
func (s *PostgresStore) CommitRecord(ctx context.Context, c Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: commit: begin")
	}
	defer tx.Rollback(ctx)

	if c.Canonical != nil {
		if err := upsertCanonicalTx(ctx, tx, c.Canonical); err != nil {
			return err
		}
		if c.RawID != "" {
			// raw_id PK enforces provenance disjointness across canonical records
			if _, err := tx.Exec(ctx,
				`INSERT INTO retail.provenance (raw_id, canonical_id) VALUES ($1, $2)`,
				c.RawID, c.Canonical.ID,
			); err != nil {
				return eris.Wrapf(err, "postgres: commit: provenance %s", c.RawID)
			}
		}
	}

	if c.Flag != nil {
		if err := insertFlagTx(ctx, tx, c.Flag); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE retail.run_ledger
		 SET last_offset = GREATEST(last_offset, $1),
		     merges = merges + $2, creates = creates + $3, flags = flags + $4
		 WHERE batch_id = $5`,
		c.Offset, c.Delta.Merges, c.Delta.Creates, c.Delta.Flags, c.BatchID,
	); err != nil {
		return eris.Wrapf(err, "postgres: commit: advance ledger %s", c.BatchID)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit: tx commit")
	}
	return nil
}

func upsertCanonicalTx(ctx context.Context, tx pgx.Tx, rec *model.CanonicalRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal fields %s", rec.ID)
	}
	provenance, err := json.Marshal(rec.Provenance)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal provenance %s", rec.ID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO retail.canonical_records (id, identity_key, fields, provenance, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET identity_key = EXCLUDED.identity_key,
		     fields = EXCLUDED.fields,
		     provenance = EXCLUDED.provenance,
		     updated_at = EXCLUDED.updated_at`,
		rec.ID, IdentityKey(rec.Fields), fields, provenance, rec.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert canonical %s", rec.ID)
}

func insertFlagTx(ctx context.Context, tx pgx.Tx, flag *model.ReviewFlag) error {
	var candidates []byte
	if len(flag.Candidates) > 0 {
		var err error
		candidates, err = json.Marshal(flag.Candidates)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal flag candidates %s", flag.ID)
		}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO retail.review_flags (id, batch_id, raw_offset, reason, detail, candidates, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		flag.ID, flag.BatchID, flag.RawOffset, string(flag.Reason), flag.Detail, candidates, flag.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert review flag %s", flag.ID)
}

func (s *PostgresStore) ListFlags(ctx context.Context, filter FlagFilter) ([]model.ReviewFlag, error) {
	query := `SELECT id, batch_id, raw_offset, reason, detail, candidates, created_at, resolved_at, disposition
	          FROM retail.review_flags WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.BatchID != "" {
		query += ` AND batch_id = ` + arg(filter.BatchID)
	}
	if filter.Reason != "" {
		query += ` AND reason = ` + arg(string(filter.Reason))
	}
	if filter.Unresolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list flags")
	}
	defer rows.Close()

	var out []model.ReviewFlag
	for rows.Next() {
		var f model.ReviewFlag
		var detail, disposition *string
		var candidates []byte
		if err := rows.Scan(&f.ID, &f.BatchID, &f.RawOffset, &f.Reason, &detail,
			&candidates, &f.CreatedAt, &f.ResolvedAt, &disposition); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review flag")
		}
		if detail != nil {
			f.Detail = *detail
		}
		if disposition != nil {
			f.Disposition = *disposition
		}
		if candidates != nil {
			if err := json.Unmarshal(candidates, &f.Candidates); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal flag candidates %s", f.ID)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCanonical(row scannable) (model.CanonicalRecord, error) {
	var rec model.CanonicalRecord
	var fields, provenance []byte
	if err := row.Scan(&rec.ID, &fields, &provenance, &rec.UpdatedAt); err != nil {
		return rec, eris.Wrap(err, "postgres: scan canonical record")
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return rec, eris.Wrapf(err, "postgres: unmarshal fields %s", rec.ID)
	}
	if err := json.Unmarshal(provenance, &rec.Provenance); err != nil {
		return rec, eris.Wrapf(err, "postgres: unmarshal provenance %s", rec.ID)
	}
	return rec, nil
}

func scanLedger(row scannable) (model.RunLedgerEntry, error) {
	var e model.RunLedgerEntry
	var errStr *string
	var completedAt *time.Time
	var status string
	if err := row.Scan(&e.BatchID, &e.Offset, &e.Merges, &e.Creates, &e.Flags,
		&status, &errStr, &e.StartedAt, &completedAt); err != nil {
		return e, eris.Wrap(err, "postgres: scan ledger entry")
	}
	e.Status = model.BatchStatus(status)
	if errStr != nil {
		e.Error = *errStr
	}
	e.CompletedAt = completedAt
	return e, nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
