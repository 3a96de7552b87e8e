// ABOUTME: Intervention broker: pending human-assist requests (CAPTCHA, logins) with resolution wakeups.
// ABOUTME: Coalesces duplicates per (trace, url), expires after the TTL, and treats expiry as skipped.

package intervention

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pandora-research/pandora/trace"
)

// BlockerType classifies what stopped automated extraction.
type BlockerType string

const (
	BlockerRecaptcha        BlockerType = "captcha_recaptcha"
	BlockerHcaptcha         BlockerType = "captcha_hcaptcha"
	BlockerCloudflare       BlockerType = "captcha_cloudflare"
	BlockerCaptchaGeneric   BlockerType = "captcha_generic"
	BlockerLoginRequired    BlockerType = "login_required"
	BlockerRateLimit        BlockerType = "rate_limit"
	BlockerBotDetection     BlockerType = "bot_detection"
	BlockerExtractionFailed BlockerType = "extraction_failed"
	BlockerUnknown          BlockerType = "unknown_blocker"
)

// Status is the lifecycle state of an intervention.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusSkipped  Status = "skipped"
	StatusExpired  Status = "expired"
)

// Resolution is the outcome reported to awaiters.
type Resolution string

const (
	ResolutionOK      Resolution = "ok"
	ResolutionSkipped Resolution = "skipped"
)

// Intervention is one pending or settled human-assist request.
type Intervention struct {
	ID             string      `json:"intervention_id"`
	TraceID        string      `json:"trace_id"`
	Profile        string      `json:"profile"`
	URL            string      `json:"url"`
	Blocker        BlockerType `json:"blocker_type"`
	ScreenshotPath string      `json:"screenshot_path,omitempty"`
	CDPURL         string      `json:"cdp_url,omitempty"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	ResolvedAt     time.Time   `json:"resolved_at,omitzero"`
	Resolution     Resolution  `json:"resolution,omitempty"`
}

type record struct {
	iv   Intervention
	done chan struct{}
}

// Broker stores pending interventions and wakes awaiters on resolution. It
// does not classify blockers; callers decide what needs a human.
type Broker struct {
	hub *trace.Hub
	ttl time.Duration

	mu      sync.Mutex
	records map[string]*record
	pending map[string]string // traceID+"\x00"+url -> id, pending records only
}

// Option configures a Broker.
type Option func(*Broker)

// WithTTL overrides the pending expiry window. Default 15m.
func WithTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.ttl = ttl }
}

// NewBroker creates a broker. The hub may be nil in tests; when present,
// intervention lifecycle events are emitted on the owning trace.
func NewBroker(hub *trace.Hub, opts ...Option) *Broker {
	b := &Broker{
		hub:     hub,
		ttl:     15 * time.Minute,
		records: make(map[string]*record),
		pending: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request stores a pending intervention and returns its id. A second request
// for the same (trace, url) while one is pending is coalesced onto the first.
func (b *Broker) Request(profile, traceID, url string, blocker BlockerType, screenshotPath, cdpURL string) string {
	key := traceID + "\x00" + url

	b.mu.Lock()
	if existing, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return existing
	}
	id := ulid.Make().String()
	rec := &record{
		iv: Intervention{
			ID:             id,
			TraceID:        traceID,
			Profile:        profile,
			URL:            url,
			Blocker:        blocker,
			ScreenshotPath: screenshotPath,
			CDPURL:         cdpURL,
			Status:         StatusPending,
			CreatedAt:      time.Now(),
		},
		done: make(chan struct{}),
	}
	b.records[id] = rec
	b.pending[key] = id
	b.mu.Unlock()

	b.emit(traceID, trace.TypeInterventionNeeded, map[string]any{
		"intervention_id": id,
		"url":             url,
		"blocker_type":    string(blocker),
	})
	return id
}

// Await blocks until the intervention settles, the TTL elapses, or the
// context is cancelled. Expiry is reported as skipped; only context
// cancellation produces an error.
func (b *Broker) Await(ctx context.Context, id string) (Resolution, error) {
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok {
		b.mu.Unlock()
		return ResolutionSkipped, nil
	}
	done := rec.done
	deadline := rec.iv.CreatedAt.Add(b.ttl)
	b.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		b.expire(id)
	case <-ctx.Done():
		return ResolutionSkipped, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	iv := rec.iv
	switch iv.Status {
	case StatusResolved:
		return iv.Resolution, nil
	default:
		return ResolutionSkipped, nil
	}
}

// Resolve settles a pending intervention and wakes all awaiters. Idempotent:
// the first resolution wins, and late resolutions for expired or skipped
// interventions are dropped. Returns whether this call settled the record.
func (b *Broker) Resolve(id string, res Resolution) bool {
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok || rec.iv.Status != StatusPending {
		b.mu.Unlock()
		return false
	}
	rec.iv.Status = StatusResolved
	if res == ResolutionSkipped {
		rec.iv.Status = StatusSkipped
	}
	rec.iv.Resolution = res
	rec.iv.ResolvedAt = time.Now()
	delete(b.pending, rec.iv.TraceID+"\x00"+rec.iv.URL)
	close(rec.done)
	traceID := rec.iv.TraceID
	b.mu.Unlock()

	b.emit(traceID, trace.TypeInterventionResolved, map[string]any{
		"intervention_id": id,
		"resolution":      string(res),
	})
	return true
}

// SkipForTrace settles every pending intervention of a trace as skipped.
// Called when the owning turn is cancelled.
func (b *Broker) SkipForTrace(traceID string) int {
	b.mu.Lock()
	var ids []string
	for id, rec := range b.records {
		if rec.iv.TraceID == traceID && rec.iv.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	settled := 0
	for _, id := range ids {
		if b.Resolve(id, ResolutionSkipped) {
			settled++
		}
	}
	return settled
}

// Get returns a copy of the intervention.
func (b *Broker) Get(id string) (Intervention, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return Intervention{}, false
	}
	return rec.iv, true
}

// ListPending returns pending interventions, newest last. An empty profile
// matches every profile.
func (b *Broker) ListPending(profile string) []Intervention {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Intervention, 0)
	for _, rec := range b.records {
		if rec.iv.Status != StatusPending {
			continue
		}
		if profile != "" && rec.iv.Profile != profile {
			continue
		}
		out = append(out, rec.iv)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].CreatedAt.After(out[j].CreatedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ExpirePending marks pending interventions older than the TTL as expired and
// wakes their awaiters. Returns how many expired. Run by the janitor.
func (b *Broker) ExpirePending() int {
	cutoff := time.Now().Add(-b.ttl)

	b.mu.Lock()
	var ids []string
	for id, rec := range b.records {
		if rec.iv.Status == StatusPending && rec.iv.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.expire(id)
	}
	return len(ids)
}

// SweepSettled drops settled records older than maxAge.
func (b *Broker) SweepSettled(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, rec := range b.records {
		if rec.iv.Status == StatusPending {
			continue
		}
		settledAt := rec.iv.ResolvedAt
		if settledAt.IsZero() {
			settledAt = rec.iv.CreatedAt
		}
		if settledAt.Before(cutoff) {
			delete(b.records, id)
			removed++
		}
	}
	return removed
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	rec, ok := b.records[id]
	if !ok || rec.iv.Status != StatusPending {
		b.mu.Unlock()
		return
	}
	rec.iv.Status = StatusExpired
	rec.iv.Resolution = ResolutionSkipped
	rec.iv.ResolvedAt = time.Now()
	delete(b.pending, rec.iv.TraceID+"\x00"+rec.iv.URL)
	close(rec.done)
	traceID := rec.iv.TraceID
	b.mu.Unlock()

	b.emit(traceID, trace.TypeInterventionResolved, map[string]any{
		"intervention_id": id,
		"resolution":      string(ResolutionSkipped),
		"expired":         true,
	})
}

func (b *Broker) emit(traceID, eventType string, details map[string]any) {
	if b.hub == nil {
		return
	}
	// Best effort: the trace may already be terminal.
	_ = b.hub.Emit(traceID, trace.Event{
		Type:    eventType,
		Status:  trace.EventActive,
		Details: details,
	})
}
