// ABOUTME: The thinking stream: replays and follows a trace's events as SSE until the turn settles.
// ABOUTME: Frames are named ping, thinking, or complete; the stream closes shortly after the terminal frame.

package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pandora-research/pandora/sse"
	"github.com/pandora-research/pandora/trace"
)

// thinkingFrame is what one SSE data payload carries. Complete frames also
// carry the final response so a client needn't make a second request.
type thinkingFrame struct {
	Seq        int64          `json:"seq"`
	TraceID    string         `json:"trace_id"`
	Type       string         `json:"type"`
	Phase      string         `json:"phase,omitempty"`
	Status     string         `json:"status,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Response   string         `json:"response,omitempty"`
}

func frameFor(evt trace.Event) thinkingFrame {
	return thinkingFrame{
		Seq:        evt.Seq,
		TraceID:    evt.TraceID,
		Type:       evt.Type,
		Phase:      evt.Phase,
		Status:     string(evt.Status),
		Reasoning:  evt.Reasoning,
		Confidence: evt.Confidence,
		DurationMS: evt.DurationMS,
		Details:    evt.Details,
	}
}

// handleThinking streams a trace's events. A reconnecting client gets the
// ring-buffered history replayed before live events.
func (s *Server) handleThinking(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	sub, err := s.hub.Subscribe(traceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown trace")
		return
	}
	defer sub.Cancel()

	stream, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				// Terminal before we caught the complete event; synthesize one
				// so the client still sees the final response.
				status, text, found := s.hub.Response(traceID)
				if found {
					frame := thinkingFrame{TraceID: traceID, Type: trace.TypeComplete, Status: string(terminalFrameStatus(status)), Response: text}
					_ = stream.Event("complete", frame)
				}
				s.hub.MarkStreamed(traceID)
				time.Sleep(s.closeDelay)
				return
			}
			frame := frameFor(evt)
			name := "thinking"
			if evt.Type == trace.TypeComplete {
				name = "complete"
				if _, text, found := s.hub.Response(traceID); found {
					frame.Response = text
				}
			}
			if err := stream.Event(name, frame); err != nil {
				return
			}
			if evt.Type == trace.TypeComplete {
				s.hub.MarkStreamed(traceID)
				// Linger so slow proxies flush the terminal frame through.
				select {
				case <-time.After(s.closeDelay):
				case <-r.Context().Done():
				}
				return
			}
		case <-ping.C:
			if err := stream.Event("ping", map[string]any{"at": time.Now().UTC()}); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func terminalFrameStatus(s trace.Status) trace.EventStatus {
	if s == trace.StatusComplete {
		return trace.EventCompleted
	}
	return trace.EventErrored
}
