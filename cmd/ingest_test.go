package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retail-intel/ingest-cli/internal/model"
)

func TestBatchIDForSource(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"local file", "feeds/daily.csv", "daily"},
		{"absolute path", "/data/feeds/suppliers.xlsx", "suppliers"},
		{"url", "https://example.com/feeds/daily.csv", "daily"},
		{"url with query", "https://example.com/feeds/daily.csv?token=abc", "daily"},
		{"ftp url", "ftp://drops.example.com/export.json", "export"},
		{"no extension", "feeds/daily", "daily"},
		{"bare dot", ".", "."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, batchIDForSource(tt.src))
		})
	}
}

func TestLoadSource_File(t *testing.T) {
	env := newTestEnv(t)

	path := filepath.Join(t.TempDir(), "feed.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,phone\nAcme Supply,555-123-4567"), 0o644))

	records, err := loadSource(context.Background(), env, path, "b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b1", records[0].BatchID)
	assert.Equal(t, "Acme Supply", records[0].Fields["name"])
}

func TestIngestSourceEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	path := filepath.Join(t.TempDir(), "stores.csv")
	csv := "name,phone,city\n" +
		"Acme Supply,555-123-4567,Boston\n" +
		"Zenith Retail,555-987-6543,Chicago\n" +
		"Acme Supply Inc.,555-123-4567,Boston\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	batchID := batchIDForSource(path)
	raw, err := loadSource(context.Background(), env, path, batchID)
	require.NoError(t, err)
	require.Len(t, raw, 3)

	entry, err := env.Coordinator.RunBatch(context.Background(), batchID, raw)
	require.NoError(t, err)
	assert.Equal(t, model.BatchComplete, entry.Status)
	assert.Equal(t, int64(2), entry.Offset)
	assert.Equal(t, int64(2), entry.Creates, "two distinct stores")
	assert.Equal(t, int64(1), entry.Merges, "the duplicate folds into the first")

	// Idempotent rerun.
	again, err := env.Coordinator.RunBatch(context.Background(), batchID, raw)
	require.NoError(t, err)
	assert.Equal(t, entry.Offset, again.Offset)
	assert.Equal(t, entry.Creates, again.Creates)
}

func TestExpandSources(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.csv", "suppliers.xlsx", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	single := filepath.Join(t.TempDir(), "feed.csv")
	require.NoError(t, os.WriteFile(single, []byte("x"), 0o644))

	sources, err := expandSources([]string{dir, single, "https://example.com/feed.json"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.csv"),
		filepath.Join(dir, "b.json"),
		filepath.Join(dir, "suppliers.xlsx"),
		single,
		"https://example.com/feed.json",
	}, sources, "directories expand to their feed files, others pass through")
}

func TestExpandSources_MissingPath(t *testing.T) {
	_, err := expandSources([]string{filepath.Join(t.TempDir(), "nope.csv")})
	require.Error(t, err)
}

func TestExpandSources_EmptyDirectory(t *testing.T) {
	sources, err := expandSources([]string{t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, sources)
}
