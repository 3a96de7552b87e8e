// ABOUTME: Asynchronous indexer: fire-and-forget writes with retry, surfaced as warnings on failure.
// ABOUTME: Index failures never fail a turn; after retries the task's warn callback records the problem.

package index

import (
	"fmt"
	"sync"
	"time"
)

const (
	indexAttempts = 3
	indexBackoff  = 200 * time.Millisecond
	queueDepth    = 256
)

type task struct {
	desc string
	fn   func(*Index) error
	warn func(error)
}

// Indexer serializes index writes on a background goroutine. Submit never
// blocks the turn pipeline: a full queue is itself reported as a warning.
type Indexer struct {
	ix    *Index
	tasks chan task
	done  chan struct{}

	closeOnce sync.Once
}

// NewIndexer starts the background worker.
func NewIndexer(ix *Index) *Indexer {
	idx := &Indexer{
		ix:    ix,
		tasks: make(chan task, queueDepth),
		done:  make(chan struct{}),
	}
	go idx.run()
	return idx
}

// Submit enqueues an index write. warn is called at most once, only after
// every retry failed; it may be nil.
func (idx *Indexer) Submit(desc string, fn func(*Index) error, warn func(error)) {
	t := task{desc: desc, fn: fn, warn: warn}
	select {
	case idx.tasks <- t:
	default:
		if warn != nil {
			warn(fmt.Errorf("index queue full, dropped %s", desc))
		}
	}
}

// Close stops accepting tasks, drains the queue, and waits for the worker.
func (idx *Indexer) Close() {
	idx.closeOnce.Do(func() {
		close(idx.tasks)
		<-idx.done
	})
}

func (idx *Indexer) run() {
	defer close(idx.done)
	for t := range idx.tasks {
		var err error
		for attempt := 1; attempt <= indexAttempts; attempt++ {
			if err = t.fn(idx.ix); err == nil {
				break
			}
			if attempt < indexAttempts {
				time.Sleep(time.Duration(attempt) * indexBackoff)
			}
		}
		if err != nil && t.warn != nil {
			t.warn(fmt.Errorf("%s failed after %d attempts: %w", t.desc, indexAttempts, err))
		}
	}
}
