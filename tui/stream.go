// ABOUTME: Stream client for the watch TUI: follows a trace's thinking SSE feed off the gateway.
// ABOUTME: Decoded frames arrive as Bubble Tea messages; the model never touches the network directly.

package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pandora-research/pandora/sse"
)

// Frame is one decoded thinking event from the gateway.
type Frame struct {
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

// FrameMsg delivers one frame to the model.
type FrameMsg struct{ Frame Frame }

// StreamDoneMsg reports that the stream ended. Err is nil for a clean close
// after the complete frame.
type StreamDoneMsg struct{ Err error }

// TickMsg drives the spinner and elapsed clock.
type TickMsg time.Time

// Stream owns the HTTP connection to one trace's thinking feed.
type Stream struct {
	addr    string
	traceID string
	client  *http.Client

	frames chan Frame
	done   chan error
	cancel context.CancelFunc
}

// NewStream prepares a client for the given gateway address and trace.
func NewStream(addr, traceID string) *Stream {
	return &Stream{
		addr:    strings.TrimRight(addr, "/"),
		traceID: traceID,
		client:  &http.Client{},
		frames:  make(chan Frame, 64),
		done:    make(chan error, 1),
	}
}

// Connect opens the SSE request and starts the reader goroutine. The returned
// command waits for the first frame.
func (s *Stream) Connect() tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.frames)
		s.done <- s.read(ctx)
	}()
	return s.WaitForFrame()
}

// WaitForFrame returns a command that blocks until the next frame or the end
// of the stream.
func (s *Stream) WaitForFrame() tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-s.frames
		if !ok {
			return StreamDoneMsg{Err: <-s.done}
		}
		return FrameMsg{Frame: frame}
	}
}

// Close tears the connection down.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// CancelTurn asks the gateway to cancel the watched trace.
func (s *Stream) CancelTurn() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/thinking/%s/cancel", s.addr, s.traceID), nil)
		if err != nil {
			return StreamDoneMsg{Err: err}
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return StreamDoneMsg{Err: err}
		}
		resp.Body.Close()
		return nil
	}
}

func (s *Stream) read(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/thinking/%s", s.addr, s.traceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s for trace %s", resp.Status, s.traceID)
	}

	dec := sse.NewDecoder(resp.Body)
	for {
		evt, err := dec.Next()
		if err != nil {
			// EOF after the complete frame is the normal shutdown path.
			return nil
		}
		if evt.Type == "ping" {
			continue
		}
		var frame Frame
		if err := json.Unmarshal([]byte(evt.Data), &frame); err != nil {
			continue
		}
		if frame.Type == "" {
			frame.Type = evt.Type
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
		if evt.Type == "complete" || frame.Type == "complete" {
			return nil
		}
	}
}

// TickCmd emits a TickMsg after the interval.
func TickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return TickMsg(t) })
}
