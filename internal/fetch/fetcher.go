package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"newsflow/internal/ratelimit"
)

// Content is the raw result of fetching one URL. Turning it into structured
// text is an extraction concern outside this core.
type Content struct {
	URL       string
	Body      []byte
	FetchedAt time.Time
}

// Fetcher retrieves remote content. Implementations classify transient
// upstream failures with the ratelimit sentinels so the executor can retry.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Content, error)
}

// HTTPFetcher fetches over plain HTTP with a per-call timeout and a response
// size cap. The timeout bounds any single stuck call independently of batch-
// or job-level behaviour.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  maxBytes,
		userAgent: "newsflow/1.0",
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Content{}, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Content{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Content{}, fmt.Errorf("fetch %s: %w", rawURL, ratelimit.ErrRateLimited)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return Content{}, fmt.Errorf("fetch %s: %w", rawURL, ratelimit.ErrOverloaded)
	case resp.StatusCode >= 400:
		return Content{}, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Content{}, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(body)) > f.maxBytes {
		return Content{}, fmt.Errorf("fetch %s: response exceeds %d bytes", rawURL, f.maxBytes)
	}

	return Content{URL: rawURL, Body: body, FetchedAt: time.Now().UTC()}, nil
}

// Domain extracts the gate key for per-target-domain rate limiting.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(u.Host, "www.")
}
