// ABOUTME: Tests for the job registry lifecycle: run-to-done, errors, panics, cancellation, sweep.
// ABOUTME: Uses channel barriers rather than sleeps to order job progress against assertions.

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pandora-research/pandora/trace"
)

func waitStatus(t *testing.T, r *Registry, jobID string, want Status) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := r.Get(jobID); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := r.Get(jobID)
	t.Fatalf("job status = %s, want %s", job.Status, want)
	return Job{}
}

func TestStartRunsToDone(t *testing.T) {
	hub := trace.NewHub()
	r := NewRegistry(hub)

	var jobID, traceID string
	jobID, traceID = r.Start("alice", func(ctx context.Context, tid string) (string, error) {
		if tid != traceID {
			t.Errorf("run got trace %q, want %q", tid, traceID)
		}
		return "the answer", nil
	})
	if jobID == "" || traceID == "" {
		t.Fatal("Start returned empty ids")
	}

	job := waitStatus(t, r, jobID, StatusDone)
	if job.Result != "the answer" {
		t.Errorf("result = %q, want %q", job.Result, "the answer")
	}
	if job.FinishedAt.IsZero() {
		t.Error("finished_at not set")
	}
}

func TestRunErrorBecomesErrorStatus(t *testing.T) {
	r := NewRegistry(trace.NewHub())

	jobID, _ := r.Start("alice", func(ctx context.Context, _ string) (string, error) {
		return "", errors.New("llm exploded")
	})

	job := waitStatus(t, r, jobID, StatusError)
	if job.Error != "llm exploded" {
		t.Errorf("error = %q", job.Error)
	}
	if job.Result != "" {
		t.Errorf("errored job carries result %q", job.Result)
	}
}

func TestRunPanicBecomesErrorStatus(t *testing.T) {
	r := NewRegistry(trace.NewHub())

	jobID, _ := r.Start("alice", func(ctx context.Context, _ string) (string, error) {
		panic("boom")
	})

	job := waitStatus(t, r, jobID, StatusError)
	if job.Error == "" {
		t.Error("panic left no error payload")
	}
}

func TestCancelPropagatesAndDiscardsResult(t *testing.T) {
	hub := trace.NewHub()
	r := NewRegistry(hub)

	started := make(chan struct{})
	release := make(chan struct{})
	jobID, traceID := r.Start("alice", func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-release
		// Simulate a pipeline that finishes anyway after cancellation.
		return "too late", nil
	})

	<-started
	if !r.Cancel(jobID) {
		t.Fatal("Cancel returned false for a running job")
	}
	close(release)

	job := waitStatus(t, r, jobID, StatusCancelled)
	if job.Result != "" {
		t.Errorf("cancelled job kept result %q", job.Result)
	}

	// The trace was cancelled too.
	if snap, ok := hub.Get(traceID); !ok || snap.Status != trace.StatusCancelled {
		t.Errorf("trace status = %v, want cancelled", snap.Status)
	}

	// Second cancel is a no-op.
	if r.Cancel(jobID) {
		t.Error("second Cancel returned true")
	}
}

func TestCancelContextReachesRun(t *testing.T) {
	r := NewRegistry(trace.NewHub())

	jobID, _ := r.Start("alice", func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	waitStatus(t, r, jobID, StatusRunning)
	r.Cancel(jobID)
	job := waitStatus(t, r, jobID, StatusCancelled)
	if job.Error != "" {
		t.Errorf("cancellation recorded as error %q", job.Error)
	}
}

func TestCancelByTrace(t *testing.T) {
	r := NewRegistry(trace.NewHub())

	block := make(chan struct{})
	defer close(block)
	jobID, traceID := r.Start("alice", func(ctx context.Context, _ string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
			return "ok", nil
		}
	})

	waitStatus(t, r, jobID, StatusRunning)
	if !r.CancelByTrace(traceID) {
		t.Fatal("CancelByTrace returned false")
	}
	waitStatus(t, r, jobID, StatusCancelled)

	if r.CancelByTrace("no-such-trace") {
		t.Error("CancelByTrace for unknown trace returned true")
	}
}

func TestSweepRemovesOldDeliveredJobs(t *testing.T) {
	hub := trace.NewHub(trace.WithTTL(time.Nanosecond))
	r := NewRegistry(hub)

	jobID, traceID := r.Start("alice", func(ctx context.Context, tid string) (string, error) {
		hub.SetResponse(tid, "done")
		hub.Complete(tid)
		return "done", nil
	})
	waitStatus(t, r, jobID, StatusDone)

	// Trace TTL has elapsed; remove it from the hub.
	time.Sleep(2 * time.Millisecond)
	hub.Sweep()
	if _, ok := hub.Get(traceID); ok {
		t.Fatal("trace should have been swept")
	}

	// Too young to sweep.
	if n := r.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep removed %d young jobs", n)
	}
	// Old enough.
	if n := r.Sweep(0); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, ok := r.Get(jobID); ok {
		t.Error("job still present after sweep")
	}
}
