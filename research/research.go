// ABOUTME: Core types for the research engine: candidates, fetched pages, and the evidence ledger.
// ABOUTME: The Searcher and Fetcher interfaces isolate network access so tests can script the web.

package research

import (
	"context"
	"time"
)

// SourceType classifies where a candidate came from, weighting its evidence.
type SourceType string

const (
	SourceRetailer  SourceType = "retailer"
	SourceVendor    SourceType = "vendor"
	SourceNews      SourceType = "news"
	SourceReference SourceType = "reference"
	SourceBlog      SourceType = "blog"
	SourceUnknown   SourceType = "unknown"
)

// VerificationStatus records how far a claim has been checked.
type VerificationStatus string

const (
	// Phase1Only means the claim rests on the initial fetch alone.
	Phase1Only VerificationStatus = "phase1_only"
	// PDPVerified means a vendor product-detail page confirmed the claim.
	PDPVerified VerificationStatus = "pdp_verified"
)

// Candidate is one search hit queued for fetching.
type Candidate struct {
	URL     string     `json:"url"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Source  SourceType `json:"source_type"`
}

// Page is the outcome of fetching one candidate URL.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	FetchedAt  time.Time
}

// Evidence is one entry in the ledger handed to synthesis.
type Evidence struct {
	Claim        string             `json:"claim"`
	URL          string             `json:"url"`
	SourceType   SourceType         `json:"source_type"`
	Confidence   float64            `json:"confidence"`
	Quote        string             `json:"quote,omitempty"`
	Verification VerificationStatus `json:"verification_status"`
}

// Report is the orchestrator's result for one research run.
type Report struct {
	Queries   []string   `json:"queries"`
	Evidence  []Evidence `json:"evidence"`
	Accepted  int        `json:"accepted"`
	Rejected  int        `json:"rejected"`
	Blocked   int        `json:"blocked"`
	Coverage  float64    `json:"coverage"`
	Narrative string     `json:"narrative"`
}

// Searcher finds candidate pages for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// Fetcher retrieves one page. Implementations own their own connection or
// browser pooling below the orchestrator's candidate bound.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}
