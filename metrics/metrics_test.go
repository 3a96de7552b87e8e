// ABOUTME: Tests for the pipeline metrics: observer methods feed the expected series.
// ABOUTME: Gathers from the private registry rather than scraping the HTTP handler.

package metrics

import (
	"testing"
	"time"

	"github.com/pandora-research/pandora/intervention"
	"github.com/pandora-research/pandora/jobs"
	"github.com/pandora-research/pandora/llm"
	"github.com/pandora-research/pandora/trace"
)

func gatherNames(t *testing.T, m *Metrics) map[string]bool {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestObserverFeedsSeries(t *testing.T) {
	hub := trace.NewHub()
	m := New(hub, jobs.NewRegistry(hub), intervention.NewBroker(hub))

	m.TurnStarted("alice")
	m.TurnFinished("alice", "saved")
	m.PhaseObserved("planner", 120*time.Millisecond, false)
	m.PhaseObserved("executor", time.Second, true)
	m.LLMCall("MIND", llm.Usage{InputTokens: 100, OutputTokens: 40})
	m.ToolExecuted("ok")
	m.ToolExecuted("blocked_by_policy")

	names := gatherNames(t, m)
	for _, want := range []string{
		"pandora_turns_started_total",
		"pandora_turns_finished_total",
		"pandora_phase_duration_seconds",
		"pandora_phase_failures_total",
		"pandora_llm_calls_total",
		"pandora_llm_tokens_total",
		"pandora_tool_executions_total",
		"pandora_active_traces",
		"pandora_jobs",
		"pandora_interventions_pending",
	} {
		if !names[want] {
			t.Errorf("missing metric family %s", want)
		}
	}
}

func TestNilCollaboratorsSkipGauges(t *testing.T) {
	m := New(nil, nil, nil)
	m.TurnStarted("alice")

	names := gatherNames(t, m)
	for _, absent := range []string{"pandora_active_traces", "pandora_jobs", "pandora_interventions_pending"} {
		if names[absent] {
			t.Errorf("unexpected gauge %s without a collaborator", absent)
		}
	}
	if !names["pandora_turns_started_total"] {
		t.Error("counter families missing")
	}
}

func TestHandlerServes(t *testing.T) {
	m := New(nil, nil, nil)
	if m.Handler() == nil {
		t.Fatal("nil handler")
	}
}
