package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retail-intel/ingest-cli/internal/config"
)

func withTestConfig(t *testing.T, c *config.Config) {
	t.Helper()
	orig := cfg
	cfg = c
	t.Cleanup(func() { cfg = orig })
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	withTestConfig(t, &config.Config{
		Store: config.StoreConfig{Driver: "oracle"},
	})

	_, err := openStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestInitPipeline_BadStrategy(t *testing.T) {
	withTestConfig(t, &config.Config{
		Store: config.StoreConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "test.db"),
		},
		Index: config.IndexConfig{BlockingStrategy: "metaphone"},
	})

	_, err := initPipeline(context.Background())
	require.Error(t, err)
}

func TestInitPipeline_BadThresholds(t *testing.T) {
	withTestConfig(t, &config.Config{
		Store: config.StoreConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "test.db"),
		},
		Index: config.IndexConfig{BlockingStrategy: "token"},
		Resolver: config.ResolverConfig{
			MergeThreshold: 0.5,
			FlagThreshold:  0.9,
			ReviewTopN:     5,
		},
	})

	_, err := initPipeline(context.Background())
	require.Error(t, err)
}
