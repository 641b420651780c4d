package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/retail-intel/ingest-cli/internal/resilience"
)

func TestHTTPDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Write([]byte("name\nAcme Supply"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{UserAgent: "test-agent", Timeout: 5 * time.Second})
	body, err := f.Download(context.Background(), srv.URL+"/feed.csv")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "name\nAcme Supply", string(data))
}

func TestHTTPDownload_ServerErrorIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"service unavailable", http.StatusServiceUnavailable, true},
		{"too many requests", http.StatusTooManyRequests, true},
		{"gateway timeout", http.StatusGatewayTimeout, true},
		{"not found", http.StatusNotFound, false},
		{"forbidden", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f := NewHTTPFetcher(HTTPOptions{Timeout: 5 * time.Second})
			_, err := f.Download(context.Background(), srv.URL+"/feed.csv")
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestHTTPDownload_BadURL(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})
	_, err := f.Download(context.Background(), "http://[::1]:bad/feed.csv")
	require.Error(t, err)
}

func TestHTTPDownload_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{RateLimit: rate.Limit(20), Burst: 1, Timeout: 5 * time.Second})

	start := time.Now()
	for i := 0; i < 3; i++ {
		body, err := f.Download(context.Background(), srv.URL+"/feed.csv")
		require.NoError(t, err)
		body.Close()
	}
	// burst of 1 at 20 req/s means the second and third calls each wait 50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestHTTPDownload_RateLimitWaitHonoursContext(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{RateLimit: rate.Limit(0.001), Burst: 1})
	// drain the single burst token
	f.limiter("example.com").Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Download(ctx, "http://example.com/feed.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestParseFTPURL(t *testing.T) {
	host, path, err := parseFTPURL("ftp://drops.example.com/feeds/daily.csv")
	require.NoError(t, err)
	assert.Equal(t, "drops.example.com:21", host)
	assert.Equal(t, "/feeds/daily.csv", path)

	host, _, err = parseFTPURL("ftp://drops.example.com:2121/feeds/daily.csv")
	require.NoError(t, err)
	assert.Equal(t, "drops.example.com:2121", host)

	_, _, err = parseFTPURL("http://example.com/feed.csv")
	require.Error(t, err)

	_, _, err = parseFTPURL("ftp://example.com")
	require.Error(t, err)
}

func TestHTTPDownload_ConcurrentSharedFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{RateLimit: rate.Limit(1000), Burst: 16, Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := f.Download(context.Background(), srv.URL+"/feed.csv")
			if assert.NoError(t, err) {
				body.Close()
			}
		}()
	}
	wg.Wait()
}

func TestHeadETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 5 * time.Second})
	etag, err := f.HeadETag(context.Background(), srv.URL+"/feed.csv")
	require.NoError(t, err)
	assert.Equal(t, `"abc123"`, etag)
}

func TestDownloadIfChanged_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("name\nAcme Supply"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 5 * time.Second})

	body, etag, changed, err := f.DownloadIfChanged(context.Background(), srv.URL+"/feed.csv", "")
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, `"v1"`, etag)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "name\nAcme Supply", string(data))

	body, etag, changed, err = f.DownloadIfChanged(context.Background(), srv.URL+"/feed.csv", `"v1"`)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, body)
	assert.Equal(t, `"v1"`, etag)
}

func TestDownloadIfChanged_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 5 * time.Second})
	_, _, _, err := f.DownloadIfChanged(context.Background(), srv.URL+"/feed.csv", "")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
