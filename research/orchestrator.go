// ABOUTME: Research orchestrator: query fan-out, candidate fetch/extract/score, blocker handoff, evidence ledger.
// ABOUTME: Candidates run concurrently under the pool bound; the run stops at the coverage target or the candidate cap.

package research

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pandora-research/pandora/intervention"
	"github.com/pandora-research/pandora/trace"
)

// acceptFloor is the minimum quality score a candidate needs to contribute
// evidence.
const acceptFloor = 0.35

// Plan tells the orchestrator what to research.
type Plan struct {
	Topic    string
	Queries  []string
	Keywords []string
	// Commerce enables the secondary vendor-page verification pass.
	Commerce bool
	// PerQuery caps search results per query. Zero means 5.
	PerQuery int
}

// Orchestrator drives one research run per call. Safe for concurrent runs.
type Orchestrator struct {
	searcher      Searcher
	fetcher       Fetcher
	broker        *intervention.Broker
	hub           *trace.Hub
	maxCandidates int
	qualityTarget float64
	parallelism   int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxCandidates caps fetched candidates per run. Default 8.
func WithMaxCandidates(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxCandidates = n
		}
	}
}

// WithQualityTarget sets the coverage score that stops research early.
// Default 0.7.
func WithQualityTarget(target float64) OrchestratorOption {
	return func(o *Orchestrator) {
		if target > 0 {
			o.qualityTarget = target
		}
	}
}

// WithParallelism bounds concurrently processed candidates, mirroring the
// browser pool size. Default 2.
func WithParallelism(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// NewOrchestrator wires the collaborators.
func NewOrchestrator(searcher Searcher, fetcher Fetcher, broker *intervention.Broker, hub *trace.Hub, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		searcher:      searcher,
		fetcher:       fetcher,
		broker:        broker,
		hub:           hub,
		maxCandidates: 8,
		qualityTarget: 0.7,
		parallelism:   2,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runState accumulates results across concurrent candidate workers.
type runState struct {
	mu       sync.Mutex
	report   Report
	scoreSum float64
	done     bool
}

// Run executes the research loop and returns the evidence ledger. Returns
// ctx.Err when cancelled mid-run; evidence gathered before cancellation is
// still in the report.
func (o *Orchestrator) Run(ctx context.Context, profile, traceID string, plan Plan) (Report, error) {
	o.emit(traceID, trace.TypeResearchStarted, map[string]any{"topic": plan.Topic})
	o.emit(traceID, trace.TypeStrategySelected, map[string]any{
		"queries":  plan.Queries,
		"commerce": plan.Commerce,
	})

	perQuery := plan.PerQuery
	if perQuery <= 0 {
		perQuery = 5
	}

	var candidates []Candidate
	seen := make(map[string]bool)
	for _, query := range plan.Queries {
		if err := ctx.Err(); err != nil {
			return Report{Queries: plan.Queries}, err
		}
		o.emit(traceID, trace.TypeSearchStarted, map[string]any{"query": query})
		found, err := o.searcher.Search(ctx, query, perQuery)
		if err != nil {
			o.emit(traceID, trace.TypeSearchComplete, map[string]any{"query": query, "error": err.Error()})
			continue
		}
		added := 0
		for _, c := range found {
			if !seen[c.URL] && len(candidates) < o.maxCandidates {
				seen[c.URL] = true
				candidates = append(candidates, c)
				added++
			}
		}
		o.emit(traceID, trace.TypeSearchComplete, map[string]any{"query": query, "results": added})
	}

	state := &runState{report: Report{Queries: plan.Queries}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for _, cand := range candidates {
		if state.finished() {
			break
		}
		g.Go(func() error {
			if state.finished() {
				return nil
			}
			return o.processCandidate(gctx, profile, traceID, plan, cand, state)
		})
	}
	err := g.Wait()

	state.mu.Lock()
	report := state.report
	report.Coverage = coverage(state.scoreSum, report.Accepted)
	report.Narrative = narrative(report)
	state.mu.Unlock()

	o.emit(traceID, trace.TypeResearchComplete, map[string]any{
		"accepted": report.Accepted,
		"rejected": report.Rejected,
		"blocked":  report.Blocked,
		"coverage": report.Coverage,
	})
	if err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// processCandidate fetches, clears blockers, extracts, scores, and records
// one candidate.
func (o *Orchestrator) processCandidate(ctx context.Context, profile, traceID string, plan Plan, cand Candidate, state *runState) error {
	o.emit(traceID, trace.TypeCandidateChecking, map[string]any{"url": cand.URL, "source_type": string(cand.Source)})

	page, err := o.fetcher.Fetch(ctx, cand.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.reject(traceID, cand, state, fmt.Sprintf("fetch failed: %v", err))
		return nil
	}
	o.emit(traceID, trace.TypeFetchComplete, map[string]any{"url": cand.URL, "status": page.StatusCode})

	if bt, blocked := DetectBlocker(page); blocked {
		o.emit(traceID, trace.TypeBlockerDetected, map[string]any{"url": cand.URL, "blocker_type": string(bt)})
		state.mu.Lock()
		state.report.Blocked++
		state.mu.Unlock()

		cleared, err := o.clearBlocker(ctx, profile, traceID, cand.URL, bt)
		if err != nil {
			return err
		}
		if !cleared {
			o.reject(traceID, cand, state, fmt.Sprintf("blocked: %s", bt))
			return nil
		}
		page, err = o.fetcher.Fetch(ctx, cand.URL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.reject(traceID, cand, state, fmt.Sprintf("refetch failed: %v", err))
			return nil
		}
		if bt, stillBlocked := DetectBlocker(page); stillBlocked {
			o.reject(traceID, cand, state, fmt.Sprintf("still blocked after intervention: %s", bt))
			return nil
		}
	}

	ex := ExtractText(page.HTML)
	if ex.Text == "" {
		o.emit(traceID, trace.TypeBlockerDetected, map[string]any{
			"url":          cand.URL,
			"blocker_type": string(intervention.BlockerExtractionFailed),
		})
		o.reject(traceID, cand, state, "extraction produced no text")
		return nil
	}

	score := ScoreCandidate(cand.Source, ex, plan.Keywords)
	if score < acceptFloor {
		o.reject(traceID, cand, state, fmt.Sprintf("quality %.2f below floor", score))
		return nil
	}

	quotes := RelevantSentences(ex.Text, plan.Keywords, 3)
	entries := make([]Evidence, 0, len(quotes))
	for _, quote := range quotes {
		entries = append(entries, Evidence{
			Claim:        claimFrom(quote, ex.Title),
			URL:          cand.URL,
			SourceType:   cand.Source,
			Confidence:   score,
			Quote:        quote,
			Verification: Phase1Only,
		})
	}
	if len(entries) == 0 {
		entries = append(entries, Evidence{
			Claim:        ex.Title,
			URL:          cand.URL,
			SourceType:   cand.Source,
			Confidence:   score,
			Verification: Phase1Only,
		})
	}

	state.mu.Lock()
	state.report.Evidence = append(state.report.Evidence, entries...)
	state.report.Accepted++
	state.scoreSum += score
	if coverage(state.scoreSum, state.report.Accepted) >= o.qualityTarget {
		state.done = true
	}
	state.mu.Unlock()

	o.emit(traceID, trace.TypeCandidateAccepted, map[string]any{"url": cand.URL, "quality": score, "claims": len(entries)})
	return nil
}

// clearBlocker hands interventionable blockers to a human and reports whether
// the candidate may be refetched.
func (o *Orchestrator) clearBlocker(ctx context.Context, profile, traceID, url string, bt intervention.BlockerType) (bool, error) {
	if !NeedsHuman(bt) || o.broker == nil {
		return false, nil
	}
	id := o.broker.Request(profile, traceID, url, bt, "", "")
	res, err := o.broker.Await(ctx, id)
	if err != nil {
		return false, err
	}
	return res == intervention.ResolutionOK, nil
}

// Verify is the coordinator's secondary pass: vendor and retailer claims get
// their pages refetched and, when the quote still holds, upgraded to
// pdp_verified.
func (o *Orchestrator) Verify(ctx context.Context, traceID string, report *Report) error {
	checked := make(map[string]bool)
	for i := range report.Evidence {
		ev := &report.Evidence[i]
		if ev.Verification != Phase1Only || ev.Quote == "" {
			continue
		}
		if ev.SourceType != SourceRetailer && ev.SourceType != SourceVendor {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if checked[ev.URL] {
			continue
		}
		checked[ev.URL] = true

		page, err := o.fetcher.Fetch(ctx, ev.URL)
		if err != nil {
			continue
		}
		if _, blocked := DetectBlocker(page); blocked {
			continue
		}
		text := ExtractText(page.HTML).Text
		for j := range report.Evidence {
			cand := &report.Evidence[j]
			if cand.URL == ev.URL && cand.Quote != "" && strings.Contains(text, cand.Quote) {
				cand.Verification = PDPVerified
			}
		}
	}
	return nil
}

func (o *Orchestrator) reject(traceID string, cand Candidate, state *runState, reason string) {
	state.mu.Lock()
	state.report.Rejected++
	state.mu.Unlock()
	o.emit(traceID, trace.TypeCandidateRejected, map[string]any{"url": cand.URL, "reason": reason})
}

func (o *Orchestrator) emit(traceID, eventType string, details map[string]any) {
	if o.hub == nil {
		return
	}
	_ = o.hub.Emit(traceID, trace.Event{
		Type:    eventType,
		Status:  trace.EventActive,
		Details: details,
	})
}

func (s *runState) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// coverage saturates with both quality and breadth: three strong sources
// reach full coverage, a single one cannot.
func coverage(scoreSum float64, accepted int) float64 {
	if accepted == 0 {
		return 0
	}
	mean := scoreSum / float64(accepted)
	breadth := float64(accepted) / 3
	if breadth > 1 {
		breadth = 1
	}
	c := mean * breadth
	if c > 1 {
		c = 1
	}
	return c
}

func narrative(r Report) string {
	if r.Accepted == 0 {
		return fmt.Sprintf("Research finished with no usable sources (%d rejected, %d blocked).", r.Rejected, r.Blocked)
	}
	return fmt.Sprintf("Research gathered %d claims from %d sources (%d rejected, %d blocked).",
		len(r.Evidence), r.Accepted, r.Rejected, r.Blocked)
}

// claimFrom trims a quote into a claim line, prefixing the page title when
// the quote alone lacks context.
func claimFrom(quote, title string) string {
	claim := strings.TrimSpace(quote)
	if len(claim) > 200 {
		claim = claim[:200]
	}
	if title != "" && len(claim) < 40 {
		return title + ": " + claim
	}
	return claim
}
