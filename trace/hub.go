// ABOUTME: In-memory trace hub: registry of live traces with ordered event fan-out to subscribers.
// ABOUTME: Guarantees the response is readable before the terminal event is observable, and retains terminal traces for the TTL.

package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// ringSize bounds the events kept for replay. Status stays current even
	// when old events have been dropped.
	ringSize = 256
	// subBuffer is each subscriber's channel depth. Slow consumers lose
	// intermediate events but never block producers; a closed channel tells
	// the consumer to fall back to the response poll.
	subBuffer = ringSize + 64
)

// Hub owns every live trace in the process.
type Hub struct {
	mu      sync.RWMutex
	traces  map[string]*entry
	ttl     time.Duration
	nextSub int

	// profileSubs receive live events for every trace of a profile. Used by
	// the research WebSocket feed.
	profileSubs map[string]map[int]*Subscription
}

type entry struct {
	mu       sync.Mutex
	snap     Snapshot
	ring     []Event
	seq      int64
	subs     map[int]*Subscription
	doneAt   time.Time
	polled   bool
	streamed bool
}

// Subscription delivers a trace's events in order. The channel is closed
// after the terminal event (or when the hub drops the subscriber); consumers
// that never saw a terminal event should poll Response.
type Subscription struct {
	Events <-chan Event
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Option configures a Hub.
type Option func(*Hub)

// WithTTL overrides the retention window for terminal traces. Default 10m.
func WithTTL(ttl time.Duration) Option {
	return func(h *Hub) { h.ttl = ttl }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		traces:      make(map[string]*entry),
		ttl:         10 * time.Minute,
		profileSubs: make(map[string]map[int]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Create registers a new pending trace for the profile and returns its id.
func (h *Hub) Create(profile string) string {
	id := ulid.Make().String()
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.traces[id] = &entry{
		snap: Snapshot{
			ID:          id,
			Profile:     profile,
			Status:      StatusPending,
			CreatedAt:   now,
			LastEventAt: now,
		},
		subs: make(map[int]*Subscription),
	}
	return id
}

// BindTurn associates the trace with its allocated turn id.
func (h *Hub) BindTurn(traceID string, turnID int64) {
	if e := h.lookup(traceID); e != nil {
		e.mu.Lock()
		e.snap.TurnID = turnID
		e.mu.Unlock()
	}
}

// Emit appends an event to the trace. The hub assigns seq and timestamp. A
// pending trace becomes running on its first event. Emitting on a terminal
// trace is rejected.
func (h *Hub) Emit(traceID string, evt Event) error {
	e := h.lookup(traceID)
	if e == nil {
		return fmt.Errorf("trace %q not found", traceID)
	}

	e.mu.Lock()
	if e.snap.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("trace %q is %s", traceID, e.snap.Status)
	}
	if e.snap.Status == StatusPending {
		e.snap.Status = StatusRunning
	}
	evt = e.stamp(traceID, evt)
	if evt.Phase != "" {
		e.snap.Phase = evt.Phase
	}
	e.push(evt)
	// Fan out while still holding e.mu. Channel closes also happen under
	// e.mu, so no send can race a close. Sends never block.
	e.fanout(evt)
	profile := e.snap.Profile
	e.mu.Unlock()

	h.deliverProfile(profile, evt)
	return nil
}

// SetResponse stores the final text. Per the delivery contract this must be
// called before the terminal event so a poll racing the stream always finds
// the response.
func (h *Hub) SetResponse(traceID, text string) error {
	e := h.lookup(traceID)
	if e == nil {
		return fmt.Errorf("trace %q not found", traceID)
	}
	e.mu.Lock()
	e.snap.Response = text
	e.mu.Unlock()
	return nil
}

// Complete marks the trace complete and emits the terminal event. All
// subscriber channels are closed after the event is enqueued.
func (h *Hub) Complete(traceID string) error {
	return h.finish(traceID, StatusComplete, "")
}

// Fail marks the trace errored. The reason becomes the response text when no
// response was set, so the poll surface has something human-readable.
func (h *Hub) Fail(traceID, reason string) error {
	return h.finish(traceID, StatusError, reason)
}

// Cancel marks the trace cancelled and emits the terminal event. Returns
// false when the trace is unknown or already terminal (second cancels are
// no-ops).
func (h *Hub) Cancel(traceID, reason string) bool {
	e := h.lookup(traceID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	alreadyTerminal := e.snap.Status.Terminal()
	e.mu.Unlock()
	if alreadyTerminal {
		return false
	}
	notice := "Request cancelled."
	if reason != "" {
		notice = "Request cancelled: " + reason
	}
	return h.finish(traceID, StatusCancelled, notice) == nil
}

func (h *Hub) finish(traceID string, status Status, fallbackResponse string) error {
	e := h.lookup(traceID)
	if e == nil {
		return fmt.Errorf("trace %q not found", traceID)
	}

	e.mu.Lock()
	if e.snap.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("trace %q is already %s", traceID, e.snap.Status)
	}
	// The response must be readable before any observer can see the
	// terminal state.
	if e.snap.Response == "" && fallbackResponse != "" {
		e.snap.Response = fallbackResponse
	}
	e.snap.Status = status
	e.doneAt = time.Now()

	evt := e.stamp(traceID, Event{
		Type:    TypeComplete,
		Status:  terminalEventStatus(status),
		Details: map[string]any{"status": string(status)},
	})
	e.push(evt)
	// Deliver the terminal event and close every subscriber under e.mu so
	// no concurrent Emit can send on a channel this loop has closed.
	e.fanout(evt)
	for _, s := range e.subs {
		close(s.ch)
	}
	e.subs = make(map[int]*Subscription)
	profile := e.snap.Profile
	e.mu.Unlock()

	h.deliverProfile(profile, evt)
	return nil
}

func terminalEventStatus(s Status) EventStatus {
	if s == StatusComplete {
		return EventCompleted
	}
	return EventErrored
}

// Subscribe returns the buffered events followed by live ones. If the trace
// is already terminal the replay ends with the terminal event and the
// channel closes immediately.
func (h *Hub) Subscribe(traceID string) (*Subscription, error) {
	e := h.lookup(traceID)
	if e == nil {
		return nil, fmt.Errorf("trace %q not found", traceID)
	}

	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.mu.Unlock()

	ch := make(chan Event, subBuffer)
	sub := &Subscription{Events: ch, ch: ch}

	// Replay and registration happen under e.mu so live events cannot
	// interleave ahead of the replayed ones, and a concurrent finish cannot
	// close ch while the replay is still writing to it.
	e.mu.Lock()
	for _, evt := range e.ring {
		select {
		case ch <- evt:
		default:
		}
	}
	terminal := e.snap.Status.Terminal()
	if terminal {
		e.streamed = true
	} else {
		e.subs[id] = sub
	}
	e.mu.Unlock()

	if terminal {
		close(ch)
		sub.cancel = func() {}
		return sub, nil
	}

	sub.cancel = func() {
		e.mu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.mu.Unlock()
	}
	return sub, nil
}

// SubscribeProfile streams live events from every trace of the profile, with
// no replay. Used by the research WebSocket feed.
func (h *Hub) SubscribeProfile(profile string) *Subscription {
	ch := make(chan Event, subBuffer)
	sub := &Subscription{Events: ch, ch: ch}

	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	if h.profileSubs[profile] == nil {
		h.profileSubs[profile] = make(map[int]*Subscription)
	}
	h.profileSubs[profile][id] = sub
	h.mu.Unlock()

	sub.cancel = func() {
		h.mu.Lock()
		if m := h.profileSubs[profile]; m != nil {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(h.profileSubs, profile)
			}
		}
		h.mu.Unlock()
	}
	return sub
}

// MarkStreamed records that a subscriber observed the terminal event.
func (h *Hub) MarkStreamed(traceID string) {
	if e := h.lookup(traceID); e != nil {
		e.mu.Lock()
		e.streamed = true
		e.mu.Unlock()
	}
}

// Response returns the trace status and final text. The response is only
// meaningful once the status is terminal. The found flag distinguishes
// unknown traces from pending ones.
func (h *Hub) Response(traceID string) (Status, string, bool) {
	e := h.lookup(traceID)
	if e == nil {
		return "", "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap.Status.Terminal() {
		e.polled = true
	}
	return e.snap.Status, e.snap.Response, true
}

// Get returns a snapshot of the trace.
func (h *Hub) Get(traceID string) (Snapshot, bool) {
	e := h.lookup(traceID)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap, true
}

// Events returns a copy of the buffered events, oldest first.
func (h *Hub) Events(traceID string) []Event {
	e := h.lookup(traceID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.ring))
	copy(out, e.ring)
	return out
}

// minRetention floors retrieval-based eviction: a terminal trace stays
// pollable for at least this long even after both delivery surfaces saw it.
const minRetention = 10 * time.Minute

// Sweep removes terminal traces past the TTL, plus younger ones that were
// already retrieved by both the stream and the response poll (those only
// need the minimum retention window). Returns how many were dropped. Live
// traces are never touched.
func (h *Hub) Sweep() int {
	now := time.Now()
	floor := h.ttl
	if floor > minRetention {
		floor = minRetention
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for id, e := range h.traces {
		e.mu.Lock()
		age := now.Sub(e.doneAt)
		expired := e.snap.Status.Terminal() &&
			(age >= h.ttl || (e.polled && e.streamed && age >= floor))
		e.mu.Unlock()
		if expired {
			delete(h.traces, id)
			removed++
		}
	}
	return removed
}

// List returns snapshots of every trace the hub holds, unordered.
func (h *Hub) List() []Snapshot {
	h.mu.RLock()
	entries := make([]*entry, 0, len(h.traces))
	for _, e := range h.traces {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snap)
		e.mu.Unlock()
	}
	return out
}

// Len reports how many traces the hub currently holds.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.traces)
}

func (h *Hub) lookup(traceID string) *entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.traces[traceID]
}

// deliverProfile fans out to the profile feeds under h.mu. The feed channels
// are only closed while h.mu is held exclusively, so sends cannot race them.
func (h *Hub) deliverProfile(profile string, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.profileSubs[profile] {
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// stamp assigns seq, trace id, and timestamp. Caller holds e.mu.
func (e *entry) stamp(traceID string, evt Event) Event {
	e.seq++
	evt.Seq = e.seq
	evt.TraceID = traceID
	evt.At = time.Now()
	e.snap.LastEventAt = evt.At
	e.snap.EventCount = e.seq
	return evt
}

// push appends to the replay ring, dropping the oldest event when full.
// Caller holds e.mu.
func (e *entry) push(evt Event) {
	if len(e.ring) >= ringSize {
		copy(e.ring, e.ring[1:])
		e.ring[len(e.ring)-1] = evt
		return
	}
	e.ring = append(e.ring, evt)
}

// fanout sends to every subscriber without blocking; a full subscriber loses
// the event. Caller holds e.mu.
func (e *entry) fanout(evt Event) {
	for _, s := range e.subs {
		select {
		case s.ch <- evt:
		default:
		}
	}
}
