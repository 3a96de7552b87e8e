// ABOUTME: Permission requests: suspended local-write tool calls awaiting human approval.
// ABOUTME: A sibling of the intervention broker, scoped to filesystem writes, with a 10 minute default TTL.

package tools

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// PermissionStatus is the lifecycle state of a permission request.
type PermissionStatus string

const (
	PermissionPending PermissionStatus = "pending"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionExpired PermissionStatus = "expired"
)

// Permission is one pending or settled write-approval request.
type Permission struct {
	ID         string           `json:"permission_id"`
	Profile    string           `json:"profile"`
	TraceID    string           `json:"trace_id"`
	Tool       string           `json:"tool"`
	Paths      []string         `json:"paths"`
	Reason     string           `json:"reason,omitempty"`
	Status     PermissionStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt time.Time        `json:"resolved_at,omitzero"`
}

type permRecord struct {
	p    Permission
	done chan struct{}
}

// Permissions brokers write-approval requests. Expired requests count as
// denied.
type Permissions struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[string]*permRecord
}

// NewPermissions creates a broker with the given pending TTL (default 10m
// when zero).
func NewPermissions(ttl time.Duration) *Permissions {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Permissions{
		ttl:     ttl,
		records: make(map[string]*permRecord),
	}
}

// Request stores a pending permission and returns its id.
func (ps *Permissions) Request(profile, traceID, tool string, paths []string, reason string) string {
	id := ulid.Make().String()
	rec := &permRecord{
		p: Permission{
			ID:        id,
			Profile:   profile,
			TraceID:   traceID,
			Tool:      tool,
			Paths:     append([]string(nil), paths...),
			Reason:    reason,
			Status:    PermissionPending,
			CreatedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	ps.mu.Lock()
	ps.records[id] = rec
	ps.mu.Unlock()
	return id
}

// Await blocks until the request settles, the TTL elapses, or ctx ends.
// Returns whether the write was granted; expiry and denial both return false.
func (ps *Permissions) Await(ctx context.Context, id string) (bool, error) {
	ps.mu.Lock()
	rec, ok := ps.records[id]
	if !ok {
		ps.mu.Unlock()
		return false, nil
	}
	done := rec.done
	deadline := rec.p.CreatedAt.Add(ps.ttl)
	ps.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		ps.expire(id)
	case <-ctx.Done():
		return false, ctx.Err()
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	return rec.p.Status == PermissionGranted, nil
}

// Resolve settles a pending request. The first resolution wins.
func (ps *Permissions) Resolve(id string, grant bool) bool {
	ps.mu.Lock()
	rec, ok := ps.records[id]
	if !ok || rec.p.Status != PermissionPending {
		ps.mu.Unlock()
		return false
	}
	if grant {
		rec.p.Status = PermissionGranted
	} else {
		rec.p.Status = PermissionDenied
	}
	rec.p.ResolvedAt = time.Now()
	close(rec.done)
	ps.mu.Unlock()
	return true
}

// Get returns a copy of the request.
func (ps *Permissions) Get(id string) (Permission, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec, ok := ps.records[id]
	if !ok {
		return Permission{}, false
	}
	return rec.p, true
}

// ListPending returns pending requests, oldest first. Empty profile matches
// all.
func (ps *Permissions) ListPending(profile string) []Permission {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]Permission, 0)
	for _, rec := range ps.records {
		if rec.p.Status != PermissionPending {
			continue
		}
		if profile != "" && rec.p.Profile != profile {
			continue
		}
		out = append(out, rec.p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].CreatedAt.After(out[j].CreatedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ExpirePending expires pending requests past the TTL. Run by the janitor.
func (ps *Permissions) ExpirePending() int {
	cutoff := time.Now().Add(-ps.ttl)
	ps.mu.Lock()
	var ids []string
	for id, rec := range ps.records {
		if rec.p.Status == PermissionPending && rec.p.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	ps.mu.Unlock()

	for _, id := range ids {
		ps.expire(id)
	}
	return len(ids)
}

// SweepSettled drops settled requests older than maxAge.
func (ps *Permissions) SweepSettled(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	removed := 0
	for id, rec := range ps.records {
		if rec.p.Status == PermissionPending {
			continue
		}
		settledAt := rec.p.ResolvedAt
		if settledAt.IsZero() {
			settledAt = rec.p.CreatedAt
		}
		if settledAt.Before(cutoff) {
			delete(ps.records, id)
			removed++
		}
	}
	return removed
}

func (ps *Permissions) expire(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec, ok := ps.records[id]
	if !ok || rec.p.Status != PermissionPending {
		return
	}
	rec.p.Status = PermissionExpired
	rec.p.ResolvedAt = time.Now()
	close(rec.done)
}
