// ABOUTME: Tests for the turn document store: id allocation, section writes, closing semantics.
// ABOUTME: Concurrency tests verify strictly increasing ids and serialized section appends.

package turndoc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestOpenTurnAllocatesIncreasingIDs(t *testing.T) {
	s := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		turn, err := s.OpenTurn("alice")
		if err != nil {
			t.Fatalf("OpenTurn: %v", err)
		}
		if turn.ID != want {
			t.Errorf("turn id = %d, want %d", turn.ID, want)
		}
		if _, err := os.Stat(filepath.Join(turn.Dir, SectionContext)); err != nil {
			t.Errorf("context.md missing: %v", err)
		}
	}

	// A different profile starts its own sequence.
	turn, err := s.OpenTurn("bob")
	if err != nil {
		t.Fatalf("OpenTurn bob: %v", err)
	}
	if turn.ID != 1 {
		t.Errorf("bob's first turn id = %d, want 1", turn.ID)
	}
}

func TestOpenTurnCounterSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s1.OpenTurn("alice"); err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	if _, err := s1.OpenTurn("alice"); err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore (reopen): %v", err)
	}
	turn, err := s2.OpenTurn("alice")
	if err != nil {
		t.Fatalf("OpenTurn after reopen: %v", err)
	}
	if turn.ID != 3 {
		t.Errorf("turn id after reopen = %d, want 3", turn.ID)
	}
}

func TestOpenTurnConcurrentDistinctIDs(t *testing.T) {
	s := newTestStore(t)

	const n = 20
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := s.OpenTurn("alice")
			if err != nil {
				t.Errorf("OpenTurn: %v", err)
				return
			}
			ids <- turn.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate turn id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct ids, want %d", len(seen), n)
	}
}

func TestContextSkeletonHasAllSubsections(t *testing.T) {
	s := newTestStore(t)
	turn, err := s.OpenTurn("alice")
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}
	text, err := s.ReadSection("alice", turn.ID, SectionContext)
	if err != nil {
		t.Fatalf("ReadSection: %v", err)
	}
	for _, header := range ContextSubsections {
		if !strings.Contains(text, header) {
			t.Errorf("skeleton missing %q", header)
		}
	}
}

func TestAppendSection(t *testing.T) {
	s := newTestStore(t)
	turn, err := s.OpenTurn("alice")
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}

	if err := s.AppendSection("alice", turn.ID, SectionResearch, "first\n"); err != nil {
		t.Fatalf("AppendSection: %v", err)
	}
	if err := s.AppendSection("alice", turn.ID, SectionResearch, "second\n"); err != nil {
		t.Fatalf("AppendSection: %v", err)
	}

	text, err := s.ReadSection("alice", turn.ID, SectionResearch)
	if err != nil {
		t.Fatalf("ReadSection: %v", err)
	}
	if text != "first\nsecond\n" {
		t.Errorf("section = %q, want appended content in order", text)
	}
}

func TestAppendSectionRejectsUnknownSection(t *testing.T) {
	s := newTestStore(t)
	turn, _ := s.OpenTurn("alice")
	if err := s.AppendSection("alice", turn.ID, "../escape.md", "x"); err == nil {
		t.Fatal("expected error for unknown section")
	}
}

func TestCloseTurnIsIdempotentAndBlocksWrites(t *testing.T) {
	s := newTestStore(t)
	turn, _ := s.OpenTurn("alice")

	if err := s.CloseTurn("alice", turn.ID); err != nil {
		t.Fatalf("CloseTurn: %v", err)
	}
	if err := s.CloseTurn("alice", turn.ID); err != nil {
		t.Fatalf("second CloseTurn: %v", err)
	}

	err := s.AppendSection("alice", turn.ID, SectionResearch, "late\n")
	var closed *ClosedError
	if err == nil {
		t.Fatal("append after close should fail")
	} else if !asClosedError(err, &closed) {
		t.Fatalf("append after close returned %v, want ClosedError", err)
	}

	// Reads still succeed.
	if _, err := s.ReadSection("alice", turn.ID, SectionContext); err != nil {
		t.Errorf("read after close: %v", err)
	}
}

func TestCloseTurnFailedRecordsMarker(t *testing.T) {
	s := newTestStore(t)
	turn, _ := s.OpenTurn("alice")

	if err := s.CloseTurnFailed("alice", turn.ID, "phase_failed", "planner", "parse error"); err != nil {
		t.Fatalf("CloseTurnFailed: %v", err)
	}
	marker, ok := s.Closed("alice", turn.ID)
	if !ok {
		t.Fatal("turn should be closed")
	}
	if marker.Status != "failed" || marker.ErrorKind != "phase_failed" || marker.Phase != "planner" {
		t.Errorf("marker = %+v, want failed/phase_failed/planner", marker)
	}

	// First close wins: a later success close must not overwrite the marker.
	if err := s.CloseTurn("alice", turn.ID); err != nil {
		t.Fatalf("CloseTurn after failed close: %v", err)
	}
	marker, _ = s.Closed("alice", turn.ID)
	if marker.Status != "failed" {
		t.Errorf("marker overwritten to %q, want failed", marker.Status)
	}
}

func TestAttachArtifact(t *testing.T) {
	s := newTestStore(t)
	turn, _ := s.OpenTurn("alice")

	if err := s.AttachArtifact("alice", turn.ID, "evidence.json", []byte(`{"claims":[]}`)); err != nil {
		t.Fatalf("AttachArtifact: %v", err)
	}
	data, err := s.ReadArtifact("alice", turn.ID, "evidence.json")
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if string(data) != `{"claims":[]}` {
		t.Errorf("artifact = %q", data)
	}

	if err := s.AttachArtifact("alice", turn.ID, "../sneaky", nil); err == nil {
		t.Error("expected error for path-traversing artifact name")
	}
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	s := newTestStore(t)
	turn, _ := s.OpenTurn("alice")

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			line := fmt.Sprintf("line-%02d\n", i)
			if err := s.AppendSection("alice", turn.ID, SectionToolResults, line); err != nil {
				t.Errorf("AppendSection: %v", err)
			}
		}(i)
	}
	wg.Wait()

	text, err := s.ReadSection("alice", turn.ID, SectionToolResults)
	if err != nil {
		t.Fatalf("ReadSection: %v", err)
	}
	if got := strings.Count(text, "line-"); got != n {
		t.Errorf("got %d lines, want %d (lost writes)", got, n)
	}
}

func TestAppendSubsectionKeepsPhaseOrder(t *testing.T) {
	s := newTestStore(t)
	turn, err := s.OpenTurn("alice")
	if err != nil {
		t.Fatalf("OpenTurn: %v", err)
	}

	// Written out of order; the document stays in subsection order.
	if err := s.AppendSubsection("alice", turn.ID, 6, "the final answer"); err != nil {
		t.Fatalf("AppendSubsection(6): %v", err)
	}
	if err := s.AppendSubsection("alice", turn.ID, 0, "intent: informational"); err != nil {
		t.Fatalf("AppendSubsection(0): %v", err)
	}
	if err := s.AppendSubsection("alice", turn.ID, 6, "a revised answer"); err != nil {
		t.Fatalf("AppendSubsection(6) again: %v", err)
	}

	doc, err := s.ReadSection("alice", turn.ID, SectionContext)
	if err != nil {
		t.Fatalf("ReadSection: %v", err)
	}
	analysis := strings.Index(doc, "intent: informational")
	answer := strings.Index(doc, "the final answer")
	revised := strings.Index(doc, "a revised answer")
	validation := strings.Index(doc, ContextSubsections[7])
	if analysis < 0 || answer < 0 || revised < 0 {
		t.Fatalf("missing subsection content:\n%s", doc)
	}
	if !(analysis < answer && answer < revised && revised < validation) {
		t.Errorf("subsections out of order: %d %d %d %d\n%s", analysis, answer, revised, validation, doc)
	}

	if err := s.AppendSubsection("alice", turn.ID, 8, "nope"); err == nil {
		t.Error("out-of-range subsection accepted")
	}

	if err := s.CloseTurn("alice", turn.ID); err != nil {
		t.Fatalf("CloseTurn: %v", err)
	}
	var ce *ClosedError
	if err := s.AppendSubsection("alice", turn.ID, 1, "late"); !asClosedError(err, &ce) {
		t.Errorf("write to closed turn = %v, want ClosedError", err)
	}
}

func TestListTurns(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.OpenTurn("alice"); err != nil {
			t.Fatalf("OpenTurn: %v", err)
		}
	}
	ids, err := s.ListTurns("alice")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("ids = %v, want [1 2 3]", ids)
	}

	none, err := s.ListTurns("nobody")
	if err != nil || none != nil {
		t.Errorf("ListTurns for unknown profile = %v, %v", none, err)
	}
}

func asClosedError(err error, target **ClosedError) bool {
	ce, ok := err.(*ClosedError)
	if ok {
		*target = ce
	}
	return ok
}
