// ABOUTME: Trace and event types describing the observable progression of a turn.
// ABOUTME: Events are totally ordered per trace by seq; traces end in complete, cancelled, or error.

package trace

import "time"

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further events can follow.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusError
}

// EventStatus qualifies a progress event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventActive    EventStatus = "active"
	EventCompleted EventStatus = "completed"
	EventErrored   EventStatus = "error"
)

// Event type names shared by the SSE and WebSocket surfaces.
const (
	TypePing                 = "ping"
	TypeThinking             = "thinking"
	TypeComplete             = "complete"
	TypeProgress             = "progress"
	TypePhaseStarted         = "phase_started"
	TypePhaseComplete        = "phase_complete"
	TypeResearchStarted      = "research_started"
	TypeStrategySelected     = "strategy_selected"
	TypeSearchStarted        = "search_started"
	TypeSearchComplete       = "search_complete"
	TypeCandidateChecking    = "candidate_checking"
	TypeFetchComplete        = "fetch_complete"
	TypeBlockerDetected      = "blocker_detected"
	TypeInterventionNeeded   = "intervention_needed"
	TypeInterventionResolved = "intervention_resolved"
	TypeCandidateAccepted    = "candidate_accepted"
	TypeCandidateRejected    = "candidate_rejected"
	TypeResearchComplete     = "research_complete"
)

// Event is one step in a trace's progression. Seq is assigned by the hub and
// is strictly increasing within a trace.
type Event struct {
	Seq        int64          `json:"seq"`
	TraceID    string         `json:"trace_id"`
	Type       string         `json:"type"`
	Phase      string         `json:"phase,omitempty"`
	Status     EventStatus    `json:"status,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// Snapshot is a read-only view of a trace's current state.
type Snapshot struct {
	ID          string    `json:"trace_id"`
	Profile     string    `json:"profile"`
	TurnID      int64     `json:"turn_id,omitempty"`
	Status      Status    `json:"status"`
	Phase       string    `json:"phase,omitempty"`
	Response    string    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastEventAt time.Time `json:"last_event_at"`
	EventCount  int64     `json:"event_count"`
}
