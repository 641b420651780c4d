package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/retail-intel/ingest-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// RateLimit throttles requests per host; zero disables throttling.
	RateLimit rate.Limit
	Burst     int
}

// HTTPFetcher downloads feeds over HTTP with per-host rate limiting and an
// ETag cache so unchanged feeds are not re-downloaded. Safe for concurrent
// use; batches fan out over one shared fetcher.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	etags    map[string]string
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ingest-cli/1.0"
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		etags:    make(map[string]string),
	}
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	if f.opts.RateLimit <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(f.opts.RateLimit, f.opts.Burst)
	f.limiters[host] = l
	return l
}

func (f *HTTPFetcher) lastETag(rawURL string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.etags[rawURL]
}

func (f *HTTPFetcher) rememberETag(rawURL, etag string) {
	if etag == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etags[rawURL] = etag
}

// statusError classifies a non-200 response. Server-side failure statuses
// are surfaced as transient so the caller's retry policy can take over.
func statusError(rawURL string, status int) error {
	err := eris.Errorf("http: %s returned %d", rawURL, status)
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return resilience.NewTransientStoreError("http", err)
	}
	return err
}

func (f *HTTPFetcher) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "http: parse url %s", rawURL)
	}

	if l := f.limiter(u.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "http: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http: build request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	return req, nil
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := f.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("http: fetching", zap.String("url", rawURL))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "http: get %s", rawURL)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(rawURL, resp.StatusCode)
	}

	return resp.Body, nil
}

// HeadETag performs a HEAD request and returns the ETag header value.
func (f *HTTPFetcher) HeadETag(ctx context.Context, rawURL string) (string, error) {
	req, err := f.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "http: head %s", rawURL)
	}
	defer resp.Body.Close()

	return resp.Header.Get("ETag"), nil
}

// DownloadIfChanged fetches the URL only if its ETag differs from etag. An
// unchanged feed returns (nil, etag, false, nil); otherwise the body, the
// response ETag, and changed=true.
func (f *HTTPFetcher) DownloadIfChanged(ctx context.Context, rawURL, etag string) (io.ReadCloser, string, bool, error) {
	req, err := f.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, "", false, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	zap.L().Debug("http: fetching", zap.String("url", rawURL), zap.String("etag", etag))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", false, eris.Wrapf(err, "http: get %s", rawURL)
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, etag, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", false, statusError(rawURL, resp.StatusCode)
	}

	return resp.Body, resp.Header.Get("ETag"), true, nil
}
