// Package ingest drives a batch through fetch, normalize, match, resolve,
// and commit, with bounded retries and crash-safe resume via the run ledger.
package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/retail-intel/ingest-cli/internal/index"
	"github.com/retail-intel/ingest-cli/internal/match"
	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
	"github.com/retail-intel/ingest-cli/internal/resilience"
	"github.com/retail-intel/ingest-cli/internal/resolve"
	"github.com/retail-intel/ingest-cli/internal/store"
)

// Config tunes the coordinator.
type Config struct {
	// TopN bounds the candidate set returned by the blocking index.
	TopN int
	// ReadPageSize is how many raw records are pulled from the store per page.
	ReadPageSize int
	// Retry governs the per-record commit retry policy.
	Retry resilience.RetryConfig
}

// Coordinator orchestrates one batch at a time per call. Records within a
// batch are processed sequentially in offset order: merge decisions are
// order-dependent, since a later record may match a just-created canonical
// record. Distinct batches may run concurrently as long as their source-id
// spaces do not overlap; the index serializes writes underneath.
type Coordinator struct {
	store   store.Store
	index   *index.Index
	matcher *match.Matcher
	policy  *resolve.Policy
	cfg     Config

	now func() time.Time
}

// New wires a Coordinator from its collaborators.
func New(st store.Store, ix *index.Index, m *match.Matcher, p *resolve.Policy, cfg Config) *Coordinator {
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.ReadPageSize <= 0 {
		cfg.ReadPageSize = 500
	}
	return &Coordinator{
		store:   st,
		index:   ix,
		matcher: m,
		policy:  p,
		cfg:     cfg,
		now:     time.Now,
	}
}

// LoadIndex populates the in-memory blocking index from the canonical store.
// Called once before the first batch of a process lifetime.
func (c *Coordinator) LoadIndex(ctx context.Context) error {
	records, err := c.store.ListCanonical(ctx)
	if err != nil {
		return eris.Wrap(err, "ingest: load index")
	}
	c.index.Load(records)
	zap.L().Info("candidate index loaded",
		zap.String("component", "coordinator"),
		zap.Int("records", len(records)),
	)
	return nil
}

// RunBatch drives one batch to completion. If raw records are provided they
// are appended to the raw store first (idempotently); either way the loop
// reads from the raw store so a resume sees exactly what the crashed run
// saw. Blocks until the batch reaches complete or failed.
//
// Re-running an already complete batch is a no-op: the ledger entry is
// returned unchanged and no canonical record or provenance is touched.
func (c *Coordinator) RunBatch(ctx context.Context, batchID string, raw []model.RawRecord) (*model.RunLedgerEntry, error) {
	log := zap.L().With(
		zap.String("component", "coordinator"),
		zap.String("batch_id", batchID),
	)

	if len(raw) > 0 {
		appended, err := resilience.DoVal(ctx, c.cfg.Retry, func(ctx context.Context) (int64, error) {
			return c.store.AppendRaw(ctx, raw)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: append raw for batch %s", batchID)
		}
		log.Info("raw records appended", zap.Int64("new", appended), zap.Int("total", len(raw)))
	}

	entry, err := resilience.DoVal(ctx, c.cfg.Retry, func(ctx context.Context) (*model.RunLedgerEntry, error) {
		return c.store.StartBatch(ctx, batchID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: start batch %s", batchID)
	}

	if entry.Status == model.BatchComplete {
		log.Info("batch already complete, skipping", zap.Int64("offset", entry.Offset))
		return entry, nil
	}
	if entry.Offset >= 0 {
		log.Info("resuming batch", zap.Int64("from_offset", entry.Offset+1))
	}

	if err := c.processFrom(ctx, log, entry); err != nil {
		c.failBatch(ctx, log, batchID, err)
		entry, _ = c.store.GetLedger(ctx, batchID)
		return entry, err
	}

	if err := resilience.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.store.FinishBatch(ctx, batchID, model.BatchComplete, "")
	}); err != nil {
		return nil, eris.Wrapf(err, "ingest: finish batch %s", batchID)
	}

	entry, err = c.store.GetLedger(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: reread ledger %s", batchID)
	}
	log.Info("batch complete",
		zap.Int64("offset", entry.Offset),
		zap.Int64("merges", entry.Merges),
		zap.Int64("creates", entry.Creates),
		zap.Int64("flags", entry.Flags),
	)
	return entry, nil
}

// processFrom pages raw records starting at the ledger's next offset and
// applies each one. Cancellation is honored between records only; an
// in-flight commit always finishes so the ledger is never torn.
func (c *Coordinator) processFrom(ctx context.Context, log *zap.Logger, entry *model.RunLedgerEntry) error {
	next := entry.Offset + 1
	for {
		page, err := resilience.DoVal(ctx, c.cfg.Retry, func(ctx context.Context) ([]model.RawRecord, error) {
			return c.store.ReadRaw(ctx, entry.BatchID, next, c.cfg.ReadPageSize)
		})
		if err != nil {
			return eris.Wrapf(err, "ingest: read raw page at %d", next)
		}
		if len(page) == 0 {
			return nil
		}

		for _, rec := range page {
			// cooperative cancellation point
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "ingest: cancelled")
			}
			if err := c.processRecord(ctx, log, rec); err != nil {
				return err
			}
			next = rec.Offset + 1
		}
	}
}

// processRecord runs the fingerprint -> lookup -> score -> decide -> commit
// chain for one raw record. Matching and scoring happen outside any index
// lock; only the final commit mutates shared state.
func (c *Coordinator) processRecord(ctx context.Context, log *zap.Logger, raw model.RawRecord) error {
	now := c.now().UTC()

	key, err := normalize.Fingerprint(normalize.Record{
		ID:         raw.ID(),
		ExternalID: raw.ExternalID,
		Fields:     raw.Fields,
	})
	if err != nil {
		if !normalize.IsMalformed(err) {
			return eris.Wrapf(err, "ingest: fingerprint %s", raw.ID())
		}
		flag := c.policy.FlagMalformed(raw, err.Error(), now)
		log.Warn("malformed record flagged",
			zap.Int64("offset", raw.Offset),
			zap.String("flag_id", flag.ID),
		)
		return c.commit(ctx, store.Commit{
			BatchID: raw.BatchID,
			Offset:  raw.Offset,
			Delta:   model.Counts{Flags: 1},
			Flag:    &flag,
		})
	}

	candidates, scored := c.scoreCandidates(key)
	result := c.matcher.MatchBest(key, candidates)

	switch c.policy.Decide(result) {
	case model.DispositionMerged:
		cand, err := c.index.Get(result.CandidateID)
		if err != nil {
			// the matcher returned an id the index does not know: a
			// coordination bug, fatal for the batch
			return eris.Wrapf(err, "ingest: merge target %s", result.CandidateID)
		}
		merged := c.policy.Merge(cand, key, raw, now)
		if err := c.commit(ctx, store.Commit{
			BatchID:   raw.BatchID,
			Offset:    raw.Offset,
			Delta:     model.Counts{Merges: 1},
			Canonical: &merged,
			RawID:     raw.ID(),
		}); err != nil {
			return err
		}
		if err := c.index.Update(merged); err != nil {
			return eris.Wrapf(err, "ingest: index update %s", merged.ID)
		}
		log.Debug("record merged",
			zap.Int64("offset", raw.Offset),
			zap.String("canonical_id", merged.ID),
			zap.Float64("score", result.Score),
		)
		return nil

	case model.DispositionFlagged:
		flag := c.policy.Flag(raw, scored, now)
		if err := c.commit(ctx, store.Commit{
			BatchID: raw.BatchID,
			Offset:  raw.Offset,
			Delta:   model.Counts{Flags: 1},
			Flag:    &flag,
		}); err != nil {
			return err
		}
		log.Info("ambiguous match flagged",
			zap.Int64("offset", raw.Offset),
			zap.String("flag_id", flag.ID),
			zap.Float64("score", result.Score),
		)
		return nil

	default: // created
		created := c.policy.Create(key, raw, now)
		if err := c.commit(ctx, store.Commit{
			BatchID:   raw.BatchID,
			Offset:    raw.Offset,
			Delta:     model.Counts{Creates: 1},
			Canonical: &created,
			RawID:     raw.ID(),
		}); err != nil {
			return err
		}
		c.index.Insert(created)
		log.Debug("record created",
			zap.Int64("offset", raw.Offset),
			zap.String("canonical_id", created.ID),
		)
		return nil
	}
}

// scoreCandidates resolves blocking-stage hits to full records and scores
// each one, for both best-match selection and review flag context.
func (c *Coordinator) scoreCandidates(key normalize.Key) ([]model.CanonicalRecord, []model.FlagCandidate) {
	hits := c.index.Lookup(key, c.cfg.TopN)
	records := make([]model.CanonicalRecord, 0, len(hits))
	scored := make([]model.FlagCandidate, 0, len(hits))
	for _, hit := range hits {
		rec, err := c.index.Get(hit.ID)
		if err != nil {
			continue // removed between lookup and get; harmless
		}
		records = append(records, rec)
		score, _ := c.matcher.Score(key, rec)
		scored = append(scored, model.FlagCandidate{CanonicalID: rec.ID, Score: score})
	}
	sortFlagCandidates(scored)
	return records, scored
}

// commit applies the transactional store write under the bounded retry
// policy. Exhausted retries surface to the caller, which fails the batch at
// the last successful offset.
func (c *Coordinator) commit(ctx context.Context, commit store.Commit) error {
	cfg := c.cfg.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("coordinator", "commit")
	}
	if err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return c.store.CommitRecord(ctx, commit)
	}); err != nil {
		return eris.Wrapf(err, "ingest: commit offset %d of batch %s", commit.Offset, commit.BatchID)
	}
	return nil
}

func (c *Coordinator) failBatch(ctx context.Context, log *zap.Logger, batchID string, cause error) {
	log.Error("batch failed", zap.Error(cause))
	// best effort: the ledger keeps the last committed offset either way
	if err := c.store.FinishBatch(context.WithoutCancel(ctx), batchID, model.BatchFailed, cause.Error()); err != nil {
		log.Error("failed to mark batch failed", zap.Error(err))
	}
}

func sortFlagCandidates(s []model.FlagCandidate) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}
