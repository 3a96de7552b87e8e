// ABOUTME: Source classification and quality scoring for research candidates.
// ABOUTME: Scores combine source weight, keyword coverage, and content volume into [0,1].

package research

import (
	"net/url"
	"strings"
)

// knownDomains maps recognizable hosts to source types. Unlisted hosts fall
// back to path heuristics.
var knownDomains = map[string]SourceType{
	"amazon.com":       SourceRetailer,
	"bestbuy.com":      SourceRetailer,
	"walmart.com":      SourceRetailer,
	"target.com":       SourceRetailer,
	"newegg.com":       SourceRetailer,
	"bhphotovideo.com": SourceRetailer,
	"logitech.com":     SourceVendor,
	"apple.com":        SourceVendor,
	"samsung.com":      SourceVendor,
	"wikipedia.org":    SourceReference,
	"britannica.com":   SourceReference,
	"reuters.com":      SourceNews,
	"apnews.com":       SourceNews,
	"bbc.com":          SourceNews,
	"nytimes.com":      SourceNews,
	"theverge.com":     SourceNews,
	"arstechnica.com":  SourceNews,
	"medium.com":       SourceBlog,
	"substack.com":     SourceBlog,
	"wordpress.com":    SourceBlog,
	"blogspot.com":     SourceBlog,
}

var sourceWeights = map[SourceType]float64{
	SourceVendor:    1.0,
	SourceRetailer:  0.95,
	SourceReference: 0.9,
	SourceNews:      0.8,
	SourceBlog:      0.55,
	SourceUnknown:   0.5,
}

// ClassifySource buckets a URL by its host.
func ClassifySource(raw string) SourceType {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return SourceUnknown
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for domain, st := range knownDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return st
		}
	}
	if strings.Contains(u.Path, "/blog/") {
		return SourceBlog
	}
	return SourceUnknown
}

// ScoreCandidate rates extracted content against the query keywords. Zero
// means unusable; the orchestrator compares scores to its acceptance floor.
func ScoreCandidate(source SourceType, ex Extraction, keywords []string) float64 {
	if ex.Text == "" {
		return 0
	}

	weight, ok := sourceWeights[source]
	if !ok {
		weight = sourceWeights[SourceUnknown]
	}

	coverage := keywordCoverage(ex.Text, keywords)
	volume := contentVolume(len(ex.Text))

	// Coverage dominates; a perfectly on-topic blog outranks an off-topic
	// vendor page.
	score := 0.5*coverage + 0.3*weight + 0.2*volume
	if score > 1 {
		score = 1
	}
	return score
}

// keywordCoverage is the fraction of keywords appearing in the text.
func keywordCoverage(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0.5
	}
	low := strings.ToLower(text)
	hits := 0
	for _, k := range keywords {
		if k != "" && strings.Contains(low, strings.ToLower(k)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// contentVolume saturates at 2000 characters of extracted text.
func contentVolume(n int) float64 {
	if n >= 2000 {
		return 1
	}
	return float64(n) / 2000
}
