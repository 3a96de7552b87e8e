// ABOUTME: Turn scheduler: drives the eight-phase state machine exactly once per trace.
// ABOUTME: Phases are strictly sequential within a turn; turns run in parallel under a global cap.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pandora-research/pandora/index"
	"github.com/pandora-research/pandora/intervention"
	"github.com/pandora-research/pandora/llm"
	"github.com/pandora-research/pandora/policy"
	"github.com/pandora-research/pandora/research"
	"github.com/pandora-research/pandora/tools"
	"github.com/pandora-research/pandora/trace"
	"github.com/pandora-research/pandora/turndoc"
)

// Observer receives scheduler telemetry. Implementations must be cheap and
// non-blocking; the metrics package provides the production one.
type Observer interface {
	TurnStarted(profile string)
	TurnFinished(profile, status string)
	PhaseObserved(phase string, d time.Duration, failed bool)
	LLMCall(role string, usage llm.Usage)
	ToolExecuted(status string)
}

type nopObserver struct{}

func (nopObserver) TurnStarted(string)                        {}
func (nopObserver) TurnFinished(string, string)               {}
func (nopObserver) PhaseObserved(string, time.Duration, bool) {}
func (nopObserver) LLMCall(string, llm.Usage)                 {}
func (nopObserver) ToolExecuted(string)                       {}

// Scheduler runs turns. Phases within a turn are sequential; distinct turns
// run concurrently up to the configured cap, sharing the LLM client, the tool
// router, and the research engine.
type Scheduler struct {
	hub    *trace.Hub
	store  *turndoc.Store
	client *llm.Client

	router   *tools.Router
	engine   *research.Orchestrator
	broker   *intervention.Broker
	ix       *index.Index
	indexer  *index.Indexer
	observer Observer

	turnSem    *semaphore.Weighted
	budget     func(Phase) time.Duration
	transcript bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRouter enables tool dispatch during the executor phase.
func WithRouter(r *tools.Router) SchedulerOption {
	return func(s *Scheduler) { s.router = r }
}

// WithResearchEngine enables web research during the executor phase.
func WithResearchEngine(e *research.Orchestrator) SchedulerOption {
	return func(s *Scheduler) { s.engine = e }
}

// WithBroker lets the scheduler settle pending interventions when a turn ends.
func WithBroker(b *intervention.Broker) SchedulerOption {
	return func(s *Scheduler) { s.broker = b }
}

// WithIndexes wires the recall index (reads) and the async indexer (writes).
func WithIndexes(ix *index.Index, async *index.Indexer) SchedulerOption {
	return func(s *Scheduler) {
		s.ix = ix
		s.indexer = async
	}
}

// WithMaxConcurrentTurns caps turns running at once. Default 8.
func WithMaxConcurrentTurns(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n < 1 {
			n = 1
		}
		s.turnSem = semaphore.NewWeighted(int64(n))
	}
}

// WithPhaseBudget replaces the default soft budgets (30s, 30m for the
// executor). Exceeding a budget emits a warning event, never kills the phase.
func WithPhaseBudget(fn func(Phase) time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.budget = fn }
}

// WithTranscriptCapture records LLM traffic into the turn's transcript.json.
func WithTranscriptCapture(on bool) SchedulerOption {
	return func(s *Scheduler) { s.transcript = on }
}

// WithObserver installs a telemetry sink.
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewScheduler wires the required collaborators. Optional ones (tools,
// research, indexes) arrive via options; phases that would need a missing
// collaborator degrade to a no-op with a note in the turn document.
func NewScheduler(hub *trace.Hub, store *turndoc.Store, client *llm.Client, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		hub:      hub,
		store:    store,
		client:   client,
		observer: nopObserver{},
		turnSem:  semaphore.NewWeighted(8),
		budget:   Phase.DefaultBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// turnRun is the mutable state of one turn moving through the pipeline.
type turnRun struct {
	profile string
	traceID string
	query   string
	mode    policy.Mode

	turn  turndoc.Turn
	state State

	analysis      Analysis
	reflection    Reflection
	contextDigest string
	plan          TurnPlan
	report        *research.Report
	clarify       string
	revision      string
	response      string
	validation    Validation
}

func (t *turnRun) commerce() bool {
	return t.analysis.Intent == IntentCommerce || t.analysis.Intent == IntentMixed
}

// Run executes one turn against a pre-allocated trace and returns the final
// response text. The error, when non-nil, is always a *TurnError; the trace
// and the turn document are terminal either way.
func (s *Scheduler) Run(ctx context.Context, profile, traceID, query string, mode policy.Mode) (string, error) {
	if !mode.Valid() {
		mode = policy.ModeChat
	}
	if strings.TrimSpace(query) == "" {
		te := failf(KindBadRequest, "", "empty query")
		_ = s.hub.Fail(traceID, te.UserMessage())
		return "", te
	}
	s.observer.TurnStarted(profile)

	if err := s.turnSem.Acquire(ctx, 1); err != nil {
		te := failf(KindCancelled, "", "cancelled while queued")
		s.hub.Cancel(traceID, te.Reason)
		s.observer.TurnFinished(profile, "cancelled")
		return "", te
	}
	defer s.turnSem.Release(1)

	t := &turnRun{profile: profile, traceID: traceID, query: query, mode: mode}

	turn, err := s.store.OpenTurn(profile)
	if err != nil {
		te := failf(KindInternal, "", "opening turn: %v", err)
		_ = s.hub.Fail(traceID, te.UserMessage())
		s.observer.TurnFinished(profile, "failed")
		return "", te
	}
	t.turn = turn
	s.hub.BindTurn(traceID, turn.ID)

	stopProgress := s.recordProgress(t)
	defer stopProgress()

	response, terr := s.drive(ctx, t)
	if terr != nil {
		return "", s.fail(t, terr)
	}

	s.setState(t, StateSaved)
	if err := s.store.CloseTurn(profile, turn.ID); err != nil {
		log.Printf("closing turn %d for %s: %v", turn.ID, profile, err)
	}
	// The response must be readable before the terminal event is observable.
	_ = s.hub.SetResponse(traceID, response)
	_ = s.hub.Complete(traceID)
	s.observer.TurnFinished(profile, "saved")
	s.submitIndexWrites(t, response)
	return response, nil
}

// drive walks the state machine. Routing: reflection CLARIFY short-circuits
// to synthesis (validation skipped); the planner chooses executor, synthesis,
// or clarify; the coordinator runs only for commerce plans with evidence.
func (s *Scheduler) drive(ctx context.Context, t *turnRun) (string, *TurnError) {
	s.setState(t, StateCreated)

	if err := s.runPhase(ctx, t, PhaseAnalyze, s.analyze); err != nil {
		return "", err
	}
	s.setState(t, StateAnalyzed)

	if err := s.runPhase(ctx, t, PhaseReflect, s.reflect); err != nil {
		return "", err
	}
	if t.reflection.Decision == "CLARIFY" {
		t.clarify = t.reflection.Question
		s.setState(t, StateClarifying)
		if err := s.runPhase(ctx, t, PhaseSynthesize, s.synthesize); err != nil {
			return "", err
		}
		s.setState(t, StateSynthesized)
		return t.response, nil
	}
	s.setState(t, StateReflected)

	if err := s.runPhase(ctx, t, PhaseContext, s.gatherContext); err != nil {
		return "", err
	}
	s.setState(t, StateContexted)

	if err := s.runPhase(ctx, t, PhasePlan, s.plan); err != nil {
		return "", err
	}
	s.setState(t, StatePlanned)

	switch t.plan.Route {
	case RouteExecutor:
		if err := s.runPhase(ctx, t, PhaseExecute, s.execute); err != nil {
			return "", err
		}
		s.setState(t, StateExecuted)
		if t.commerce() && t.report != nil && len(t.report.Evidence) > 0 {
			if err := s.runPhase(ctx, t, PhaseCoordinate, s.coordinate); err != nil {
				return "", err
			}
			s.setState(t, StateCoordinated)
		}
	case RouteClarify:
		t.clarify = t.plan.Goal
		s.setState(t, StateClarifying)
	}

	if err := s.runPhase(ctx, t, PhaseSynthesize, s.synthesize); err != nil {
		return "", err
	}
	s.setState(t, StateSynthesized)

	if t.clarify == "" {
		if err := s.runPhase(ctx, t, PhaseValidate, s.validate); err != nil {
			return "", err
		}
		switch t.validation.Decision {
		case "REVISE":
			s.setState(t, StateRevised)
			t.revision = t.validation.Reason
			if err := s.runPhase(ctx, t, PhaseSynthesize, s.synthesize); err != nil {
				return "", err
			}
			s.setState(t, StateSynthesized)
		case "RETRY":
			return "", failf(KindPhaseFailed, PhaseValidate, "validator rejected the answer: %s", t.validation.Reason)
		}
		s.setState(t, StateValidated)
	}
	return t.response, nil
}

// fail settles everything a dying turn leaves behind: pending interventions,
// the turn document's failure marker, and the trace's terminal status.
func (s *Scheduler) fail(t *turnRun, te *TurnError) error {
	if s.broker != nil {
		s.broker.SkipForTrace(t.traceID)
	}
	if t.turn.ID != 0 {
		if err := s.store.CloseTurnFailed(t.profile, t.turn.ID, string(te.Kind), string(te.Phase), te.Reason); err != nil {
			log.Printf("closing failed turn %d for %s: %v", t.turn.ID, t.profile, err)
		}
	}
	if te.Kind == KindCancelled {
		s.setState(t, StateCancelled)
		s.hub.Cancel(t.traceID, te.Reason)
		s.observer.TurnFinished(t.profile, "cancelled")
	} else {
		s.setState(t, StateFailed)
		_ = s.hub.Fail(t.traceID, te.UserMessage())
		s.observer.TurnFinished(t.profile, "failed")
	}
	return te
}

type phaseFn func(ctx context.Context, t *turnRun) (reasoning string, confidence float64, err error)

// runPhase brackets one phase with its trace events and soft budget timer.
func (s *Scheduler) runPhase(ctx context.Context, t *turnRun, phase Phase, fn phaseFn) *TurnError {
	if err := ctx.Err(); err != nil {
		return failf(KindCancelled, phase, "turn cancelled")
	}
	s.emit(t, trace.Event{Type: trace.TypePhaseStarted, Phase: string(phase), Status: trace.EventActive})

	budget := s.budget(phase)
	warn := time.AfterFunc(budget, func() {
		s.emit(t, trace.Event{
			Type:   trace.TypeProgress,
			Phase:  string(phase),
			Status: trace.EventActive,
			Details: map[string]any{
				"warning":   "phase over budget",
				"budget_ms": budget.Milliseconds(),
			},
		})
	})
	start := time.Now()
	reasoning, confidence, err := fn(ctx, t)
	warn.Stop()
	elapsed := time.Since(start)
	s.observer.PhaseObserved(string(phase), elapsed, err != nil)

	if err != nil {
		te := classify(ctx, phase, err)
		s.emit(t, trace.Event{
			Type:       trace.TypePhaseComplete,
			Phase:      string(phase),
			Status:     trace.EventErrored,
			Reasoning:  te.Reason,
			DurationMS: elapsed.Milliseconds(),
		})
		return te
	}
	s.emit(t, trace.Event{
		Type:       trace.TypePhaseComplete,
		Phase:      string(phase),
		Status:     trace.EventCompleted,
		Reasoning:  reasoning,
		Confidence: confidence,
		DurationMS: elapsed.Milliseconds(),
	})
	return nil
}

// classify maps an arbitrary phase error onto the closed taxonomy.
func classify(ctx context.Context, phase Phase, err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return failf(KindCancelled, phase, "turn cancelled")
	}
	var to *llm.TimeoutError
	if errors.As(err, &to) || errors.Is(err, context.DeadlineExceeded) {
		return failf(KindTimeout, phase, "%v", err)
	}
	return failf(KindPhaseFailed, phase, "%v", err)
}

// complete sends one LLM request and captures it in the transcript.
func (s *Scheduler) complete(ctx context.Context, t *turnRun, phase Phase, role llm.SamplingRole, system, user string) (string, error) {
	resp, err := s.client.Complete(ctx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
		Sampling: role,
	})
	if err != nil {
		return "", err
	}
	s.observer.LLMCall(string(role), resp.Usage)
	s.captureTranscript(t, phase, role, system, user, resp)
	return resp.Text, nil
}

// completeJSON calls the model and parses its structured reply. A parse
// failure is retried exactly once with a stricter instruction; the second
// failure fails the phase.
func (s *Scheduler) completeJSON(ctx context.Context, t *turnRun, phase Phase, system, user string, out interface{ validate() error }) error {
	text, err := s.complete(ctx, t, phase, phase.Role(), system, user)
	if err != nil {
		return err
	}
	if perr := parseReply(text, out); perr != nil {
		text, err = s.complete(ctx, t, phase, phase.Role(), system, user+stricterSuffix)
		if err != nil {
			return err
		}
		if perr = parseReply(text, out); perr != nil {
			return fmt.Errorf("unparseable reply after retry: %w", perr)
		}
	}
	return nil
}

func (s *Scheduler) captureTranscript(t *turnRun, phase Phase, role llm.SamplingRole, system, user string, resp *llm.Response) {
	if !s.transcript {
		return
	}
	line, err := json.Marshal(map[string]any{
		"phase":         string(phase),
		"role":          string(role),
		"system":        system,
		"user":          user,
		"reply":         resp.Text,
		"model":         resp.Model,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"duration_ms":   resp.Duration.Milliseconds(),
	})
	if err != nil {
		return
	}
	if err := s.store.AppendSection(t.profile, t.turn.ID, turndoc.SectionTranscript, string(line)+"\n"); err != nil {
		log.Printf("transcript capture: %v", err)
	}
}

// analyze is phase 0: classify the query.
func (s *Scheduler) analyze(ctx context.Context, t *turnRun) (string, float64, error) {
	var topics []string
	if s.ix != nil {
		if recent, err := s.ix.RecentTurns(t.profile, 5); err == nil {
			for _, r := range recent {
				topics = append(topics, r.Topic)
			}
		}
	}
	system, user := analyzePrompt(t.query, topics)
	if err := s.completeJSON(ctx, t, PhaseAnalyze, system, user, &t.analysis); err != nil {
		return "", 0, err
	}
	body := fmt.Sprintf("intent: %s\ntopic: %s\nkeywords: %s",
		t.analysis.Intent, t.analysis.Topic, strings.Join(t.analysis.Keywords, ", "))
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseAnalyze.Index(), body); err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("classified %s: %s", t.analysis.Intent, t.analysis.Topic), 0.9, nil
}

// reflect is phase 1: proceed or ask for clarification.
func (s *Scheduler) reflect(ctx context.Context, t *turnRun) (string, float64, error) {
	system, user := reflectPrompt(t.query, t.analysis)
	if err := s.completeJSON(ctx, t, PhaseReflect, system, user, &t.reflection); err != nil {
		return "", 0, err
	}
	body := "decision: " + t.reflection.Decision
	if t.reflection.Question != "" {
		body += "\nquestion: " + t.reflection.Question
	}
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseReflect.Index(), body); err != nil {
		return "", 0, err
	}
	return "decision " + t.reflection.Decision, 0.9, nil
}

// gatherContext is phase 2: recall prior turns and compress them into a
// digest. Compression runs at the NERVES temperature.
func (s *Scheduler) gatherContext(ctx context.Context, t *turnRun) (string, float64, error) {
	var recalls []string
	if s.ix != nil {
		if matches, err := s.ix.SearchSimilar(index.CollectionMemories, t.query, 5); err == nil {
			for _, m := range matches {
				recalls = append(recalls, m.Text)
			}
		}
		if recent, err := s.ix.RecentTurns(t.profile, 3); err == nil {
			for _, r := range recent {
				recalls = append(recalls, fmt.Sprintf("turn %d covered %s (%s)", r.TurnNumber, r.Topic, r.Intent))
			}
		}
	}

	digest := "No prior context applies."
	if len(recalls) > 0 {
		system, user := contextDigestPrompt(t.query, recalls)
		text, err := s.complete(ctx, t, PhaseContext, llm.Nerves, system, user)
		if err != nil {
			return "", 0, err
		}
		if d := strings.TrimSpace(text); d != "" {
			digest = d
		}
	}
	t.contextDigest = digest
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseContext.Index(), digest); err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("considered %d recalled notes", len(recalls)), 0.8, nil
}

// plan is phase 3: decide the route and the work items.
func (s *Scheduler) plan(ctx context.Context, t *turnRun) (string, float64, error) {
	var names []string
	if s.router != nil {
		names = s.router.Registry().Names()
		sort.Strings(names)
	}
	system, user := planPrompt(t.query, t.analysis, t.contextDigest, names)
	if err := s.completeJSON(ctx, t, PhasePlan, system, user, &t.plan); err != nil {
		return "", 0, err
	}
	body := fmt.Sprintf("goal: %s\nroute: %s\napproach: %s", t.plan.Goal, t.plan.Route, t.plan.Approach)
	if len(t.plan.Queries) > 0 {
		body += "\nqueries: " + strings.Join(t.plan.Queries, "; ")
	}
	if len(t.plan.LikelyTools) > 0 {
		body += "\ntools: " + strings.Join(t.plan.LikelyTools, ", ")
	}
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhasePlan.Index(), body); err != nil {
		return "", 0, err
	}
	return "route " + t.plan.Route, 0.85, nil
}

// execute is phase 5 (the spec's phase numbering starts at 0): planned tool
// calls through the router, then the research loop. Tool denials are recorded
// in toolresults.md, not fatal; synthesis explains the limitation.
func (s *Scheduler) execute(ctx context.Context, t *turnRun) (string, float64, error) {
	var notes []string

	if s.router != nil && len(t.plan.ToolCalls) > 0 {
		inv := tools.Invocation{Profile: t.profile, TraceID: t.traceID, Mode: t.mode, TurnDir: t.turn.Dir}
		for _, call := range t.plan.ToolCalls {
			res, err := s.router.Execute(ctx, call.Tool, call.Args, inv)
			s.recordToolResult(t, res)
			if err != nil && ctx.Err() != nil {
				return "", 0, ctx.Err()
			}
			notes = append(notes, fmt.Sprintf("%s: %s", call.Tool, res.Status))
		}
	}

	if s.engine != nil && len(t.plan.Queries) > 0 {
		report, err := s.engine.Run(ctx, t.profile, t.traceID, research.Plan{
			Topic:    t.analysis.Topic,
			Queries:  t.plan.Queries,
			Keywords: t.analysis.Keywords,
			Commerce: t.commerce(),
		})
		if err != nil {
			return "", 0, err
		}
		t.report = &report
		if err := s.writeResearch(t); err != nil {
			return "", 0, err
		}
		notes = append(notes, report.Narrative)
	}

	body := "No tool or research work was planned."
	if len(notes) > 0 {
		body = strings.Join(notes, "\n")
	}
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseExecute.Index(), body); err != nil {
		return "", 0, err
	}
	confidence := 0.5
	if t.report != nil {
		confidence = t.report.Coverage
	}
	return fmt.Sprintf("%d work items", len(notes)), confidence, nil
}

// coordinate is the secondary verification pass for commerce plans.
func (s *Scheduler) coordinate(ctx context.Context, t *turnRun) (string, float64, error) {
	if err := s.engine.Verify(ctx, t.traceID, t.report); err != nil {
		return "", 0, err
	}
	verified := 0
	for _, ev := range t.report.Evidence {
		if ev.Verification == research.PDPVerified {
			verified++
		}
	}
	if err := s.attachEvidence(t); err != nil {
		return "", 0, err
	}
	body := fmt.Sprintf("verified %d of %d claims against vendor pages", verified, len(t.report.Evidence))
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseCoordinate.Index(), body); err != nil {
		return "", 0, err
	}
	return body, 0.8, nil
}

// synthesize is phase 6. The clarify fast path uses the fixed template and
// skips the model entirely.
func (s *Scheduler) synthesize(ctx context.Context, t *turnRun) (string, float64, error) {
	if t.clarify != "" {
		t.response = clarifyTemplate(t.clarify)
		if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseSynthesize.Index(), t.response); err != nil {
			return "", 0, err
		}
		return "asked for clarification", 1, nil
	}

	contextDoc, err := s.store.ReadSection(t.profile, t.turn.ID, turndoc.SectionContext)
	if err != nil {
		return "", 0, err
	}
	system, user := synthesizePrompt(t.query, contextDoc, t.report, t.revision)
	text, err := s.complete(ctx, t, PhaseSynthesize, PhaseSynthesize.Role(), system, user)
	if err != nil {
		return "", 0, err
	}
	t.response = strings.TrimSpace(text)
	if t.response == "" {
		return "", 0, fmt.Errorf("synthesis produced an empty answer")
	}
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseSynthesize.Index(), t.response); err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("drafted %d characters", len(t.response)), 0.8, nil
}

// validate is phase 7: the quality gate over the drafted answer.
func (s *Scheduler) validate(ctx context.Context, t *turnRun) (string, float64, error) {
	system, user := validatePrompt(t.query, t.response, t.report)
	if err := s.completeJSON(ctx, t, PhaseValidate, system, user, &t.validation); err != nil {
		return "", 0, err
	}
	body := "decision: " + t.validation.Decision
	if t.validation.Reason != "" {
		body += "\nreason: " + t.validation.Reason
	}
	if err := s.store.AppendSubsection(t.profile, t.turn.ID, PhaseValidate.Index(), body); err != nil {
		return "", 0, err
	}
	confidence := 0.9
	if t.validation.Decision != "APPROVE" {
		confidence = 0.4
	}
	return "decision " + t.validation.Decision, confidence, nil
}

func (s *Scheduler) recordToolResult(t *turnRun, res tools.Result) {
	s.observer.ToolExecuted(res.Status)
	var b strings.Builder
	fmt.Fprintf(&b, "## %s %s\n\nstatus: %s, duration_ms: %d, size: %d\n",
		res.Tool, res.ArgsDigest, res.Status, res.DurationMS, res.Size)
	if res.Detail != "" {
		fmt.Fprintf(&b, "detail: %s\n", res.Detail)
	}
	if res.Output != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", res.Output)
	}
	b.WriteString("\n")
	if err := s.store.AppendSection(t.profile, t.turn.ID, turndoc.SectionToolResults, b.String()); err != nil {
		log.Printf("recording tool result: %v", err)
	}
}

// writeResearch persists the evidence ledger twice: human-readable in
// research.md, machine-readable as the evidence.json artifact.
func (s *Scheduler) writeResearch(t *turnRun) error {
	r := t.report
	var b strings.Builder
	fmt.Fprintf(&b, "# Research\n\n%s\n\n", r.Narrative)
	for _, ev := range r.Evidence {
		fmt.Fprintf(&b, "- [%s, %.2f, %s] %s (%s)\n",
			ev.SourceType, ev.Confidence, ev.Verification, ev.Claim, ev.URL)
	}
	if err := s.store.AppendSection(t.profile, t.turn.ID, turndoc.SectionResearch, b.String()); err != nil {
		return err
	}
	return s.attachEvidence(t)
}

func (s *Scheduler) attachEvidence(t *turnRun) error {
	data, err := json.MarshalIndent(t.report, "", "  ")
	if err != nil {
		return err
	}
	return s.store.AttachArtifact(t.profile, t.turn.ID, "evidence.json", data)
}

// submitIndexWrites queues the post-save index updates. None of them are in
// the answer path; failures surface as log warnings only.
func (s *Scheduler) submitIndexWrites(t *turnRun, response string) {
	if s.indexer == nil {
		return
	}
	warn := func(err error) { log.Printf("index: %v", err) }
	ref := fmt.Sprintf("%s/%d", t.profile, t.turn.ID)

	rec := index.TurnRecord{
		TurnNumber: t.turn.ID,
		Profile:    t.profile,
		Topic:      t.analysis.Topic,
		Intent:     t.analysis.Intent,
		Quality:    quality(t),
		TurnDir:    t.turn.Dir,
		CreatedAt:  time.Now(),
	}
	s.indexer.Submit("turn row "+ref, func(ix *index.Index) error {
		return ix.UpsertTurn(rec)
	}, warn)

	turnText := t.query + "\n" + t.analysis.Topic
	s.indexer.Submit("turn embedding "+ref, func(ix *index.Index) error {
		return ix.UpsertEmbedding(index.CollectionTurns, ref, turnText)
	}, warn)

	if t.report != nil {
		for i, ev := range t.report.Evidence {
			evRef := fmt.Sprintf("%s/evidence/%d", ref, i)
			text := ev.Claim
			if ev.Quote != "" {
				text += "\n" + ev.Quote
			}
			s.indexer.Submit("evidence embedding "+evRef, func(ix *index.Index) error {
				return ix.UpsertEmbedding(index.CollectionResearch, evRef, text)
			}, warn)
		}
	}

	if memory := extractMemory(t.analysis.Topic, response); memory != "" {
		s.indexer.Submit("memory "+ref, func(ix *index.Index) error {
			return ix.UpsertEmbedding(index.CollectionMemories, ref, memory)
		}, warn)
	}
}

// extractMemory compresses a saved turn into one recallable line.
func extractMemory(topic, response string) string {
	response = strings.TrimSpace(response)
	if topic == "" || response == "" {
		return ""
	}
	digest := response
	if i := strings.IndexAny(digest, ".\n"); i > 20 {
		digest = digest[:i+1]
	}
	if len(digest) > 240 {
		digest = digest[:240]
	}
	return topic + ": " + strings.TrimSpace(digest)
}

func quality(t *turnRun) float64 {
	if t.report != nil && t.report.Coverage > 0 {
		return t.report.Coverage
	}
	if t.validation.Decision == "APPROVE" {
		return 0.9
	}
	return 0.5
}

func (s *Scheduler) setState(t *turnRun, st State) {
	t.state = st
	s.emit(t, trace.Event{
		Type:    trace.TypeProgress,
		Status:  trace.EventActive,
		Details: map[string]any{"state": string(st)},
	})
}

func (s *Scheduler) emit(t *turnRun, evt trace.Event) {
	// Best effort: the trace may have been cancelled out from under us.
	_ = s.hub.Emit(t.traceID, evt)
}
