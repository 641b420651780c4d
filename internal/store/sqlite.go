package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/retail-intel/ingest-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local runs and
// tests where a Postgres instance is not available.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// serialize writes through a single connection; SQLite has one writer anyway
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS canonical_records (
	id           TEXT PRIMARY KEY,
	identity_key TEXT NOT NULL UNIQUE,
	fields       TEXT NOT NULL,
	provenance   TEXT NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provenance (
	raw_id       TEXT PRIMARY KEY,
	canonical_id TEXT NOT NULL REFERENCES canonical_records(id)
);

CREATE TABLE IF NOT EXISTS raw_records (
	batch_id      TEXT NOT NULL,
	record_offset INTEGER NOT NULL,
	external_id   TEXT,
	source        TEXT,
	payload       TEXT NOT NULL,
	received_at   DATETIME NOT NULL,
	PRIMARY KEY (batch_id, record_offset)
);

CREATE TABLE IF NOT EXISTS run_ledger (
	batch_id     TEXT PRIMARY KEY,
	last_offset  INTEGER NOT NULL DEFAULT -1,
	merges       INTEGER NOT NULL DEFAULT 0,
	creates      INTEGER NOT NULL DEFAULT 0,
	flags        INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS review_flags (
	id          TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	raw_offset  INTEGER NOT NULL,
	reason      TEXT NOT NULL,
	detail      TEXT,
	candidates  TEXT,
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME,
	disposition TEXT
);

CREATE INDEX IF NOT EXISTS idx_review_flags_batch ON review_flags(batch_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendRaw(ctx context.Context, records []model.RawRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: append raw: begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_records (batch_id, record_offset, external_id, source, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id, record_offset) DO NOTHING`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: append raw: prepare")
	}
	defer stmt.Close()

	var n int64
	for _, r := range records {
		payload, err := json.Marshal(r.Fields)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal raw %s", r.ID())
		}
		res, err := stmt.ExecContext(ctx, r.BatchID, r.Offset, r.ExternalID, r.Source, string(payload), r.ReceivedAt.UTC())
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: append raw %s", r.ID())
		}
		affected, _ := res.RowsAffected()
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: append raw: commit")
	}
	return n, nil
}

func (s *SQLiteStore) ReadRaw(ctx context.Context, batchID string, fromOffset int64, limit int) ([]model.RawRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, record_offset, external_id, source, payload, received_at
		 FROM raw_records
		 WHERE batch_id = ? AND record_offset >= ?
		 ORDER BY record_offset LIMIT ?`,
		batchID, fromOffset, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read raw %s", batchID)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var r model.RawRecord
		var externalID, source sql.NullString
		var payload string
		if err := rows.Scan(&r.BatchID, &r.Offset, &externalID, &source, &payload, &r.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw record")
		}
		r.ExternalID = externalID.String
		r.Source = source.String
		if err := json.Unmarshal([]byte(payload), &r.Fields); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal raw %s", r.ID())
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListCanonical(ctx context.Context) ([]model.CanonicalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields, provenance, updated_at FROM canonical_records`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list canonical")
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		rec, err := scanCanonicalSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCanonical(ctx context.Context, id string) (*model.CanonicalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fields, provenance, updated_at FROM canonical_records WHERE id = ?`, id)
	rec, err := scanCanonicalSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "canonical %s", id)
		}
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) GetLedger(ctx context.Context, batchID string) (*model.RunLedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, last_offset, merges, creates, flags, status, error, started_at, completed_at
		 FROM run_ledger WHERE batch_id = ?`, batchID)
	entry, err := scanLedgerSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) StartBatch(ctx context.Context, batchID string) (*model.RunLedgerEntry, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_ledger (batch_id, status, started_at) VALUES (?, 'pending', ?)
		 ON CONFLICT (batch_id) DO NOTHING`,
		batchID, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start batch %s", batchID)
	}
	return s.GetLedger(ctx, batchID)
}

func (s *SQLiteStore) FinishBatch(ctx context.Context, batchID string, status model.BatchStatus, errMsg string) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_ledger SET status = ?, error = ?, completed_at = ? WHERE batch_id = ?`,
		string(status), errVal, time.Now().UTC(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish batch %s", batchID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: finish batch: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "ledger %s", batchID)
	}
	return nil
}

func (s *SQLiteStore) ListLedger(ctx context.Context, limit int) ([]model.RunLedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, last_offset, merges, creates, flags, status, error, started_at, completed_at
		 FROM run_ledger ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger")
	}
	defer rows.Close()

	var out []model.RunLedgerEntry
	for rows.Next() {
		entry, err := scanLedgerSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CommitRecord(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit: begin")
	}
	defer tx.Rollback()

	if c.Canonical != nil {
		fields, err := json.Marshal(c.Canonical.Fields)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal fields %s", c.Canonical.ID)
		}
		provenance, err := json.Marshal(c.Canonical.Provenance)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal provenance %s", c.Canonical.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_records (id, identity_key, fields, provenance, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE
			 SET identity_key = excluded.identity_key,
			     fields = excluded.fields,
			     provenance = excluded.provenance,
			     updated_at = excluded.updated_at`,
			c.Canonical.ID, IdentityKey(c.Canonical.Fields), string(fields), string(provenance),
			c.Canonical.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert canonical %s", c.Canonical.ID)
		}
		if c.RawID != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO provenance (raw_id, canonical_id) VALUES (?, ?)`,
				c.RawID, c.Canonical.ID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: commit: provenance %s", c.RawID)
			}
		}
	}

	if c.Flag != nil {
		var candidates any
		if len(c.Flag.Candidates) > 0 {
			b, err := json.Marshal(c.Flag.Candidates)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal flag candidates %s", c.Flag.ID)
			}
			candidates = string(b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO review_flags (id, batch_id, raw_offset, reason, detail, candidates, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.Flag.ID, c.Flag.BatchID, c.Flag.RawOffset, string(c.Flag.Reason),
			c.Flag.Detail, candidates, c.Flag.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert review flag %s", c.Flag.ID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE run_ledger
		 SET last_offset = MAX(last_offset, ?),
		     merges = merges + ?, creates = creates + ?, flags = flags + ?
		 WHERE batch_id = ?`,
		c.Offset, c.Delta.Merges, c.Delta.Creates, c.Delta.Flags, c.BatchID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: commit: advance ledger %s", c.BatchID)
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit: tx commit")
	}
	return nil
}

func (s *SQLiteStore) ListFlags(ctx context.Context, filter FlagFilter) ([]model.ReviewFlag, error) {
	query := `SELECT id, batch_id, raw_offset, reason, detail, candidates, created_at, resolved_at, disposition
	          FROM review_flags WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, string(filter.Reason))
	}
	if filter.Unresolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list flags")
	}
	defer rows.Close()

	var out []model.ReviewFlag
	for rows.Next() {
		var f model.ReviewFlag
		var detail, candidates, disposition sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&f.ID, &f.BatchID, &f.RawOffset, &f.Reason, &detail,
			&candidates, &f.CreatedAt, &resolvedAt, &disposition); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review flag")
		}
		f.Detail = detail.String
		f.Disposition = disposition.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			f.ResolvedAt = &t
		}
		if candidates.Valid && candidates.String != "" {
			if err := json.Unmarshal([]byte(candidates.String), &f.Candidates); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal flag candidates %s", f.ID)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanCanonicalSQLite(row scannable) (model.CanonicalRecord, error) {
	var rec model.CanonicalRecord
	var fields, provenance string
	if err := row.Scan(&rec.ID, &fields, &provenance, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, eris.Wrap(err, "sqlite: scan canonical record")
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return rec, eris.Wrapf(err, "sqlite: unmarshal fields %s", rec.ID)
	}
	if err := json.Unmarshal([]byte(provenance), &rec.Provenance); err != nil {
		return rec, eris.Wrapf(err, "sqlite: unmarshal provenance %s", rec.ID)
	}
	return rec, nil
}

func scanLedgerSQLite(row scannable) (model.RunLedgerEntry, error) {
	var e model.RunLedgerEntry
	var errStr sql.NullString
	var completedAt sql.NullTime
	var status string
	if err := row.Scan(&e.BatchID, &e.Offset, &e.Merges, &e.Creates, &e.Flags,
		&status, &errStr, &e.StartedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, eris.Wrap(err, "sqlite: scan ledger entry")
	}
	e.Status = model.BatchStatus(status)
	e.Error = errStr.String
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}
