package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/retail-intel/ingest-cli/internal/db"
	"github.com/retail-intel/ingest-cli/internal/fetcher"
	"github.com/retail-intel/ingest-cli/internal/index"
	"github.com/retail-intel/ingest-cli/internal/ingest"
	"github.com/retail-intel/ingest-cli/internal/match"
	"github.com/retail-intel/ingest-cli/internal/resilience"
	"github.com/retail-intel/ingest-cli/internal/resolve"
	"github.com/retail-intel/ingest-cli/internal/store"
)

// pipelineEnv bundles the wired pipeline collaborators for a command.
type pipelineEnv struct {
	Store       store.Store
	Coordinator *ingest.Coordinator
	HTTP        *fetcher.HTTPFetcher
	FTP         *fetcher.FTPFetcher
}

func (e *pipelineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// openStore opens the configured store backend and runs migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = store.NewPostgres(pool)
	case "sqlite":
		s, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, eris.Errorf("unknown store driver %q (valid: postgres, sqlite)", cfg.Store.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// initPipeline builds the full ingestion environment from config and loads
// the candidate index from the canonical store.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	strategy, err := index.ParseStrategy(cfg.Index.BlockingStrategy)
	if err != nil {
		st.Close()
		return nil, err
	}
	ix := index.New(strategy)

	var rules []match.Rule
	for _, r := range cfg.Resolver.Rules {
		rules = append(rules, match.Rule{
			Field:     r.Field,
			Kind:      match.Kind(r.Kind),
			Weight:    r.Weight,
			Tolerance: r.Tolerance,
		})
	}
	matcher := match.New(rules)

	policy, err := resolve.New(cfg.Resolver.MergeThreshold, cfg.Resolver.FlagThreshold, cfg.Resolver.ReviewTopN)
	if err != nil {
		st.Close()
		return nil, err
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.Ingest.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Ingest.MaxRetries
	}
	if cfg.Ingest.RetryBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(cfg.Ingest.RetryBackoffMs) * time.Millisecond
	}

	coord := ingest.New(st, ix, matcher, policy, ingest.Config{
		TopN:         cfg.Ingest.CandidateTopN,
		ReadPageSize: cfg.Ingest.ReadPageSize,
		Retry:        retry,
	})
	if err := coord.LoadIndex(ctx); err != nil {
		st.Close()
		return nil, err
	}

	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	return &pipelineEnv{
		Store:       st,
		Coordinator: coord,
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   timeout,
			RateLimit: rate.Limit(cfg.Fetch.RatePerSec),
		}),
		FTP: fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  timeout,
			User:     cfg.Fetch.FTPUser,
			Password: cfg.Fetch.FTPPassword,
		}),
	}, nil
}
