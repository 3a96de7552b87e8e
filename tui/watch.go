// ABOUTME: WatchModel renders one turn's thinking stream: phase checklist, event log, final answer.
// ABOUTME: Implements tea.Model; frames from the Stream drive all state transitions.

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pandora-research/pandora/pipeline"
)

const maxLogLines = 200

// WatchModel is the Bubble Tea model behind `pandora watch`.
type WatchModel struct {
	stream  *Stream
	traceID string

	spinner  spinner.Model
	log      viewport.Model
	lines    []string
	phases   map[string]string
	current  string
	response string
	err      error

	started time.Time
	done    bool
	width   int
	height  int
}

// NewWatchModel builds the model around a connected-on-Init stream.
func NewWatchModel(stream *Stream, traceID string) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = ActiveStyle

	return WatchModel{
		stream:  stream,
		traceID: traceID,
		spinner: sp,
		log:     viewport.New(80, 12),
		phases:  make(map[string]string),
		started: time.Now(),
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(
		m.stream.Connect(),
		m.spinner.Tick,
		TickCmd(250*time.Millisecond),
	)
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = msg.Width - 2
		if h := msg.Height - len(pipeline.Phases) - 8; h > 3 {
			m.log.Height = h
		}
		return m, nil

	case FrameMsg:
		m.apply(msg.Frame)
		if m.done {
			return m, tea.Quit
		}
		return m, m.stream.WaitForFrame()

	case StreamDoneMsg:
		m.done = true
		if msg.Err != nil {
			m.err = msg.Err
		}
		return m, tea.Quit

	case TickMsg:
		if m.done {
			return m, nil
		}
		return m, TickCmd(250 * time.Millisecond)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.stream.Close()
			return m, tea.Quit
		case "c":
			return m, m.stream.CancelTurn()
		case "up", "k":
			m.log.ScrollUp(1)
		case "down", "j":
			m.log.ScrollDown(1)
		}
		return m, nil
	}

	return m, nil
}

// apply folds one frame into the model state.
func (m *WatchModel) apply(frame Frame) {
	switch frame.Type {
	case "phase_started":
		m.phases[frame.Phase] = "active"
		m.current = frame.Phase
		m.appendLog(frame, fmt.Sprintf("%s started", frame.Phase))
	case "phase_complete":
		m.phases[frame.Phase] = frame.Status
		line := fmt.Sprintf("%s finished in %dms", frame.Phase, frame.DurationMS)
		if frame.Reasoning != "" {
			line = fmt.Sprintf("%s — %s", line, truncate(frame.Reasoning, 120))
		}
		m.appendLog(frame, line)
	case "complete":
		m.response = frame.Response
		if frame.Status == "error" {
			m.err = fmt.Errorf("turn ended in error")
		}
		m.done = true
		m.appendLog(frame, "turn complete")
	default:
		text := frame.Reasoning
		if text == "" {
			text = frame.Type
		}
		m.appendLog(frame, truncate(text, 160))
	}
}

func (m *WatchModel) appendLog(frame Frame, text string) {
	stamp := LogTimestampStyle.Render(time.Now().Format("15:04:05"))
	style := LogEventStyle
	if frame.Status == "error" {
		style = LogErrorStyle
	}
	m.lines = append(m.lines, fmt.Sprintf("%s %s", stamp, style.Render(text)))
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

// View implements tea.Model.
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(fmt.Sprintf("pandora watch · %s", m.traceID)))
	b.WriteString("\n\n")

	for _, phase := range pipeline.Phases {
		status := m.phases[string(phase)]
		glyph := "○"
		switch status {
		case "active":
			glyph = m.spinner.View()
		case "completed":
			glyph = "●"
		case "error":
			glyph = "✗"
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", glyph, StyleForPhase(status).Render(string(phase))))
	}
	b.WriteString("\n")
	b.WriteString(m.log.View())
	b.WriteString("\n")

	if m.response != "" {
		width := m.width - 4
		if width < 20 {
			width = 76
		}
		b.WriteString(ResponseStyle.Width(width).Render(m.response))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(LogErrorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}

	elapsed := time.Since(m.started).Round(time.Second)
	bar := fmt.Sprintf("elapsed %s · q quit · c cancel turn", elapsed)
	b.WriteString(StatusBarStyle.Render(bar))
	b.WriteString("\n")

	return b.String()
}

// Done reports whether the stream reached a terminal frame.
func (m WatchModel) Done() bool { return m.done }

// Response returns the final answer, empty until the complete frame arrives.
func (m WatchModel) Response() string { return m.response }

// Err returns the stream or turn error, if any.
func (m WatchModel) Err() error { return m.err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Watch runs the full-screen program until the turn settles or the user quits.
func Watch(addr, traceID string) error {
	stream := NewStream(addr, traceID)
	defer stream.Close()

	model := NewWatchModel(stream, traceID)
	p := tea.NewProgram(model)
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(WatchModel); ok {
		if m.Err() != nil {
			return m.Err()
		}
		if m.Response() != "" {
			fmt.Println(lipgloss.NewStyle().Render(m.Response()))
		}
	}
	return nil
}
