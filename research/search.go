// ABOUTME: HTTP searcher hitting a JSON search endpoint (SearxNG-style) for candidate URLs.
// ABOUTME: Results are classified by domain into source types before the orchestrator sees them.

package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPSearcher queries a JSON search API. The endpoint must accept
// ?q=<query>&format=json and answer {"results": [{"title","url","content"}]},
// the shape SearxNG and compatible self-hosted engines produce.
type HTTPSearcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSearcher builds a searcher for the endpoint.
func NewHTTPSearcher(baseURL string) *HTTPSearcher {
	return &HTTPSearcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements Searcher.
func (s *HTTPSearcher) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("no search endpoint configured")
	}
	endpoint := fmt.Sprintf("%s?q=%s&format=json", s.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing search response: %w", err)
	}

	out := make([]Candidate, 0, limit)
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, Candidate{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: r.Content,
			Source:  ClassifySource(r.URL),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
