// ABOUTME: Per-turn progress artifacts: progress.ndjson event log plus a live.json snapshot.
// ABOUTME: A trace subscription feeds both; writes are best effort and never touch the answer path.

package pipeline

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pandora-research/pandora/trace"
)

const (
	progressFile = "progress.ndjson"
	liveFile     = "live.json"
)

// recordProgress subscribes to the turn's trace and mirrors every event into
// the turn directory. The returned stop function detaches the subscription
// and waits for the writer to drain.
func (s *Scheduler) recordProgress(t *turnRun) func() {
	sub, err := s.hub.Subscribe(t.traceID)
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		f, err := os.OpenFile(filepath.Join(t.turn.Dir, progressFile),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("progress log for turn %d: %v", t.turn.ID, err)
			for range sub.Events {
			}
			return
		}
		defer f.Close()

		var count int64
		for evt := range sub.Events {
			line, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := f.Write(append(line, '\n')); err != nil {
				fmt.Fprintf(os.Stderr, "progress write: %v\n", err)
			}
			count++
			s.writeLive(t, evt, count)
		}
	}()

	return func() {
		sub.Cancel()
		<-done
	}
}

// writeLive replaces live.json atomically so watchers never read a torn
// snapshot.
func (s *Scheduler) writeLive(t *turnRun, last trace.Event, count int64) {
	snap, ok := s.hub.Get(t.traceID)
	if !ok {
		return
	}
	payload := map[string]any{
		"trace":      snap,
		"last_event": last,
		"written":    count,
		"updated_at": time.Now().UTC(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}

	path := filepath.Join(t.turn.Dir, liveFile)
	tmp, err := os.CreateTemp(t.turn.Dir, "."+liveFile+".tmp-*")
	if err != nil {
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
	}
}
