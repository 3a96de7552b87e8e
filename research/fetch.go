// ABOUTME: HTTP fetcher with a bounded session pool, standing in for full browser automation.
// ABOUTME: The pool semaphore caps concurrent fetches the way a browser pool caps live sessions.

package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

const fetchBodyLimit = 2 << 20

// HTTPFetcher retrieves pages over plain HTTP. A weighted semaphore bounds
// concurrent fetches to the configured pool size.
type HTTPFetcher struct {
	client *http.Client
	pool   *semaphore.Weighted
}

// NewHTTPFetcher builds a fetcher whose pool admits poolSize concurrent
// fetches.
func NewHTTPFetcher(poolSize int) *HTTPFetcher {
	if poolSize < 1 {
		poolSize = 1
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		pool:   semaphore.NewWeighted(int64(poolSize)),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (Page, error) {
	if err := f.pool.Acquire(ctx, 1); err != nil {
		return Page{}, err
	}
	defer f.pool.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("building request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; pandora-research/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return Page{}, fmt.Errorf("reading %s: %w", pageURL, err)
	}

	return Page{
		URL:        pageURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		HTML:       string(body),
		FetchedAt:  time.Now(),
	}, nil
}
