// ABOUTME: Background job registry: start, poll, cancel, and sweep long-running turns.
// ABOUTME: Cancelled is terminal; a result arriving after cancellation is discarded.

package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pandora-research/pandora/trace"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusError
}

// Job is the public view of one background run.
type Job struct {
	ID         string    `json:"job_id"`
	TraceID    string    `json:"trace_id"`
	Profile    string    `json:"profile"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RunFunc executes one turn under the job's cancellable context. The trace id
// is pre-allocated so the run can emit progress immediately.
type RunFunc func(ctx context.Context, traceID string) (string, error)

type record struct {
	job    Job
	cancel context.CancelFunc
}

// Registry owns every background job in the process.
type Registry struct {
	hub *trace.Hub

	mu      sync.RWMutex
	jobs    map[string]*record
	byTrace map[string]string
}

// NewRegistry creates an empty registry bound to the trace hub.
func NewRegistry(hub *trace.Hub) *Registry {
	return &Registry{
		hub:     hub,
		jobs:    make(map[string]*record),
		byTrace: make(map[string]string),
	}
}

// Start allocates a trace and a job, then spawns run under a cancellable
// context. The job is queued until run begins, running after, and reaches a
// terminal status when run returns (or panics).
func (r *Registry) Start(profile string, run RunFunc) (jobID, traceID string) {
	traceID = r.hub.Create(profile)
	jobID = ulid.Make().String()
	ctx, cancel := context.WithCancel(context.Background())

	rec := &record{
		job: Job{
			ID:        jobID,
			TraceID:   traceID,
			Profile:   profile,
			Status:    StatusQueued,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}

	r.mu.Lock()
	r.jobs[jobID] = rec
	r.byTrace[traceID] = jobID
	r.mu.Unlock()

	go r.execute(ctx, rec, run)
	return jobID, traceID
}

// execute drives run with panic recovery. Terminal transitions respect an
// earlier cancellation: the cancelled status sticks and the result is
// dropped.
func (r *Registry) execute(ctx context.Context, rec *record, run RunFunc) {
	r.transition(rec, func(j *Job) {
		if j.Status == StatusQueued {
			j.Status = StatusRunning
		}
	})

	result, err := func() (result string, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v\n%s", p, debug.Stack())
			}
		}()
		return run(ctx, rec.job.TraceID)
	}()

	r.transition(rec, func(j *Job) {
		if j.Status == StatusCancelled {
			return
		}
		j.FinishedAt = time.Now()
		if err != nil {
			if ctx.Err() != nil {
				j.Status = StatusCancelled
				return
			}
			j.Status = StatusError
			j.Error = err.Error()
			return
		}
		j.Status = StatusDone
		j.Result = result
	})
}

// Get returns a copy of the job.
func (r *Registry) Get(jobID string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

// ByTrace returns the job bound to a trace, if any.
func (r *Registry) ByTrace(traceID string) (Job, bool) {
	r.mu.RLock()
	jobID, ok := r.byTrace[traceID]
	r.mu.RUnlock()
	if !ok {
		return Job{}, false
	}
	return r.Get(jobID)
}

// Cancel cooperatively cancels a job. The context is cancelled so the
// pipeline aborts at its next suspension point, and the trace is cancelled so
// stream consumers see a terminal event. Returns false for unknown or
// already-terminal jobs.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok || rec.job.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	rec.job.Status = StatusCancelled
	rec.job.FinishedAt = time.Now()
	cancel := rec.cancel
	traceID := rec.job.TraceID
	r.mu.Unlock()

	cancel()
	r.hub.Cancel(traceID, "job cancelled")
	return true
}

// CancelByTrace cancels the job bound to the trace, if one exists.
func (r *Registry) CancelByTrace(traceID string) bool {
	r.mu.RLock()
	jobID, ok := r.byTrace[traceID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.Cancel(jobID)
}

// List returns copies of every job, unordered.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.job)
	}
	return out
}

// Sweep drops jobs that finished more than maxAge ago and whose trace has
// left the hub (delivered or TTL-expired). Returns how many were removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.jobs {
		if !rec.job.Status.Terminal() || rec.job.FinishedAt.IsZero() || rec.job.FinishedAt.After(cutoff) {
			continue
		}
		if snap, ok := r.hub.Get(rec.job.TraceID); ok && !snap.Status.Terminal() {
			continue
		}
		delete(r.jobs, id)
		delete(r.byTrace, rec.job.TraceID)
		removed++
	}
	return removed
}

// Len reports how many jobs the registry holds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) transition(rec *record, apply func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	apply(&rec.job)
}
