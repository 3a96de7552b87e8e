// ABOUTME: The eight pipeline phases, their sampling roles, context subsections, and turn states.
// ABOUTME: Structured phase outputs (analysis, reflection, plan, validation) and their JSON parsing live here.

package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pandora-research/pandora/llm"
)

// Phase names the eight fixed pipeline stages, in order.
type Phase string

const (
	PhaseAnalyze    Phase = "query_analyzer"
	PhaseReflect    Phase = "reflection"
	PhaseContext    Phase = "context_gatherer"
	PhasePlan       Phase = "planner"
	PhaseExecute    Phase = "executor"
	PhaseCoordinate Phase = "coordinator"
	PhaseSynthesize Phase = "synthesis"
	PhaseValidate   Phase = "validation"
)

// Phases lists all phases in execution order.
var Phases = []Phase{
	PhaseAnalyze, PhaseReflect, PhaseContext, PhasePlan,
	PhaseExecute, PhaseCoordinate, PhaseSynthesize, PhaseValidate,
}

// Role returns the sampling role for the phase.
func (p Phase) Role() llm.SamplingRole {
	switch p {
	case PhaseAnalyze, PhaseReflect:
		return llm.Reflex
	case PhaseSynthesize:
		return llm.Voice
	default:
		return llm.Mind
	}
}

// Index is the phase's subsection number in context.md (§0..§7).
func (p Phase) Index() int {
	for i, phase := range Phases {
		if phase == p {
			return i
		}
	}
	return -1
}

// DefaultBudget is the soft time budget after which the scheduler emits a
// warning event. The executor gets the long research budget.
func (p Phase) DefaultBudget() time.Duration {
	if p == PhaseExecute {
		return 30 * time.Minute
	}
	return 30 * time.Second
}

// State is a turn's position in the state machine.
type State string

const (
	StateCreated     State = "created"
	StateAnalyzed    State = "analyzed"
	StateReflected   State = "reflected"
	StateClarifying  State = "clarifying"
	StateContexted   State = "contexted"
	StatePlanned     State = "planned"
	StateExecuted    State = "executed"
	StateCoordinated State = "coordinated"
	StateSynthesized State = "synthesized"
	StateRevised     State = "revised"
	StateValidated   State = "validated"
	StateSaved       State = "saved"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Intent classes recognized by the query analyzer.
const (
	IntentInformational  = "informational"
	IntentCommerce       = "commerce"
	IntentMixed          = "mixed"
	IntentConversational = "conversational"
	IntentCode           = "code"
	IntentClarify        = "clarify"
)

// Analysis is the query analyzer's structured output.
type Analysis struct {
	Intent   string   `json:"intent"`
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords"`
}

func (a Analysis) validate() error {
	switch a.Intent {
	case IntentInformational, IntentCommerce, IntentMixed, IntentConversational, IntentCode, IntentClarify:
	default:
		return fmt.Errorf("unknown intent %q", a.Intent)
	}
	if a.Topic == "" {
		return fmt.Errorf("missing topic")
	}
	return nil
}

// Reflection is the gate deciding whether the query is answerable as asked.
type Reflection struct {
	Decision string `json:"decision"` // PROCEED or CLARIFY
	Question string `json:"question,omitempty"`
}

func (r Reflection) validate() error {
	switch r.Decision {
	case "PROCEED":
		return nil
	case "CLARIFY":
		if r.Question == "" {
			return fmt.Errorf("CLARIFY without a question")
		}
		return nil
	}
	return fmt.Errorf("unknown reflection decision %q", r.Decision)
}

// Route names where the plan sends the turn next.
const (
	RouteExecutor  = "executor"
	RouteSynthesis = "synthesis"
	RouteClarify   = "clarify"
)

// ToolCall is one planned tool invocation.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// TurnPlan is the planner's structured output.
type TurnPlan struct {
	Goal        string     `json:"goal"`
	Pattern     string     `json:"pattern,omitempty"`
	Approach    string     `json:"approach"`
	LikelyTools []string   `json:"likely_tools"`
	Route       string     `json:"route"`
	Queries     []string   `json:"queries,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
}

func (p TurnPlan) validate() error {
	switch p.Route {
	case RouteExecutor, RouteSynthesis, RouteClarify:
	default:
		return fmt.Errorf("unknown route %q", p.Route)
	}
	if p.Goal == "" {
		return fmt.Errorf("missing goal")
	}
	return nil
}

// Validation is the final quality gate's structured output.
type Validation struct {
	Decision string `json:"decision"` // APPROVE, REVISE, RETRY
	Reason   string `json:"reason,omitempty"`
}

func (v Validation) validate() error {
	switch v.Decision {
	case "APPROVE":
		return nil
	case "REVISE", "RETRY":
		if v.Reason == "" {
			return fmt.Errorf("%s without a reason", v.Decision)
		}
		return nil
	}
	return fmt.Errorf("unknown validation decision %q", v.Decision)
}

// extractJSON pulls the first balanced JSON object out of a model reply,
// tolerating prose and code fences around it.
func extractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in reply")
}

// parseReply decodes the model's JSON reply into out and runs its validator.
func parseReply(text string, out interface{ validate() error }) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	return out.validate()
}
