// ABOUTME: Turn Document Store: the per-turn on-disk workspace holding sectioned markdown artifacts.
// ABOUTME: Allocates strictly increasing turn ids per profile and serializes writers per turn.

package turndoc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section names recognized by the store. Sections are plain files inside the
// turn directory; anything else goes through AttachArtifact.
const (
	SectionContext     = "context.md"
	SectionResearch    = "research.md"
	SectionToolResults = "toolresults.md"
	SectionTranscript  = "transcript.json"
)

// Subsection headers written into the context.md skeleton, one per phase, in
// phase order.
var ContextSubsections = []string{
	"## §0 Query Analysis",
	"## §1 Reflection",
	"## §2 Context",
	"## §3 Plan",
	"## §4 Execution",
	"## §5 Coordination",
	"## §6 Synthesis",
	"## §7 Validation",
}

const (
	closedMarker = "closed.json"
	counterFile  = "counter"
	artifactsDir = "artifacts"
)

// Turn identifies one allocated turn and where it lives on disk.
type Turn struct {
	Profile string `json:"profile"`
	ID      int64  `json:"turn_id"`
	Dir     string `json:"turn_dir"`
}

// ClosedMarker records how a turn ended. A zero ErrorKind means success.
type ClosedMarker struct {
	Status    string    `json:"status"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Store manages turn documents under a root directory, one subtree per
// profile. The store is the id allocation authority; the filesystem is not
// consulted for the next id once the counter is loaded.
type Store struct {
	root string

	mu       sync.Mutex
	counters map[string]int64

	turnMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store root must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &Store{
		root:     dir,
		counters: make(map[string]int64),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// ProfileDir returns the directory holding a profile's artifacts.
func (s *Store) ProfileDir(profile string) string {
	return filepath.Join(s.root, sanitize(profile))
}

// TurnDir returns the directory for a turn without checking it exists.
func (s *Store) TurnDir(profile string, id int64) string {
	return filepath.Join(s.ProfileDir(profile), "turns", strconv.FormatInt(id, 10))
}

// OpenTurn allocates the next turn id for the profile, creates the turn
// directory, and writes the context.md skeleton with the eight subsection
// headers. Concurrent callers receive distinct, strictly increasing ids.
func (s *Store) OpenTurn(profile string) (Turn, error) {
	if profile == "" {
		return Turn{}, fmt.Errorf("profile must not be empty")
	}

	id, err := s.nextID(profile)
	if err != nil {
		return Turn{}, err
	}

	dir := s.TurnDir(profile, id)
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return Turn{}, fmt.Errorf("creating turn directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Turn %d\n", id)
	for _, header := range ContextSubsections {
		b.WriteString("\n")
		b.WriteString(header)
		b.WriteString("\n")
	}
	if err := writeAtomic(filepath.Join(dir, SectionContext), []byte(b.String())); err != nil {
		return Turn{}, fmt.Errorf("writing context skeleton: %w", err)
	}

	return Turn{Profile: profile, ID: id, Dir: dir}, nil
}

// nextID loads the profile counter on first use, then increments and persists
// it under the store lock.
func (s *Store) nextID(profile string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.counters[profile]
	if !ok {
		loaded, err := s.loadCounter(profile)
		if err != nil {
			return 0, err
		}
		last = loaded
	}

	next := last + 1
	path := filepath.Join(s.ProfileDir(profile), "turns", counterFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating turns directory: %w", err)
	}
	if err := writeAtomic(path, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, fmt.Errorf("persisting turn counter: %w", err)
	}
	s.counters[profile] = next
	return next, nil
}

func (s *Store) loadCounter(profile string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(s.ProfileDir(profile), "turns", counterFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading turn counter: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt turn counter for %s: %w", profile, err)
	}
	return n, nil
}

// ReadSection returns the current contents of a section. Reads are allowed on
// closed turns.
func (s *Store) ReadSection(profile string, id int64, section string) (string, error) {
	if err := validSection(section); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.TurnDir(profile, id), section))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading %s: %w", section, err)
	}
	return string(data), nil
}

// AppendSection appends text to a section atomically. The write is rejected
// once the turn is closed. Partial writes never become visible: the section
// is rewritten to a temp file and renamed into place.
func (s *Store) AppendSection(profile string, id int64, section, text string) error {
	if err := validSection(section); err != nil {
		return err
	}

	lock := s.turnLock(profile, id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.TurnDir(profile, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("turn %d for %s: %w", id, profile, err)
	}
	if s.closedLocked(dir) {
		return &ClosedError{Profile: profile, TurnID: id}
	}

	path := filepath.Join(dir, section)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", section, err)
	}
	return writeAtomic(path, append(existing, []byte(text)...))
}

// AppendSubsection inserts text at the end of the §n subsection of
// context.md, before the next subsection header. Subsections therefore stay
// in phase order regardless of write order.
func (s *Store) AppendSubsection(profile string, id int64, n int, text string) error {
	if n < 0 || n >= len(ContextSubsections) {
		return fmt.Errorf("subsection %d out of range", n)
	}

	lock := s.turnLock(profile, id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.TurnDir(profile, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("turn %d for %s: %w", id, profile, err)
	}
	if s.closedLocked(dir) {
		return &ClosedError{Profile: profile, TurnID: id}
	}

	path := filepath.Join(dir, SectionContext)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", SectionContext, err)
	}
	doc := string(data)
	header := ContextSubsections[n]
	at := strings.Index(doc, header)
	if at < 0 {
		return fmt.Errorf("context.md is missing the %q header", header)
	}
	insert := len(doc)
	if n+1 < len(ContextSubsections) {
		if next := strings.Index(doc[at:], ContextSubsections[n+1]); next >= 0 {
			insert = at + next
		}
	}
	body := strings.TrimRight(doc[:insert], "\n") + "\n\n" + strings.TrimRight(text, "\n") + "\n\n" + doc[insert:]
	return writeAtomic(path, []byte(body))
}

// AttachArtifact writes a named sibling file under artifacts/. Rejected once
// the turn is closed.
func (s *Store) AttachArtifact(profile string, id int64, name string, data []byte) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("artifact name %q must be a bare filename", name)
	}

	lock := s.turnLock(profile, id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.TurnDir(profile, id)
	if s.closedLocked(dir) {
		return &ClosedError{Profile: profile, TurnID: id}
	}
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, artifactsDir, name), data)
}

// ReadArtifact returns a previously attached artifact.
func (s *Store) ReadArtifact(profile string, id int64, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.TurnDir(profile, id), artifactsDir, name))
}

// CloseTurn marks the turn successfully closed. Idempotent: the first close
// wins and later calls return nil without rewriting the marker.
func (s *Store) CloseTurn(profile string, id int64) error {
	return s.close(profile, id, ClosedMarker{Status: "saved"})
}

// CloseTurnFailed closes the turn with a failure marker carrying the error
// kind and the phase that failed. Idempotent like CloseTurn.
func (s *Store) CloseTurnFailed(profile string, id int64, kind, phase, reason string) error {
	return s.close(profile, id, ClosedMarker{
		Status:    "failed",
		ErrorKind: kind,
		Phase:     phase,
		Reason:    reason,
	})
}

func (s *Store) close(profile string, id int64, marker ClosedMarker) error {
	lock := s.turnLock(profile, id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.TurnDir(profile, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("turn %d for %s: %w", id, profile, err)
	}
	if s.closedLocked(dir) {
		return nil
	}
	marker.ClosedAt = time.Now().UTC()
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, closedMarker), data)
}

// Closed reports whether the turn has been closed, and how.
func (s *Store) Closed(profile string, id int64) (ClosedMarker, bool) {
	data, err := os.ReadFile(filepath.Join(s.TurnDir(profile, id), closedMarker))
	if err != nil {
		return ClosedMarker{}, false
	}
	var m ClosedMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return ClosedMarker{}, false
	}
	return m, true
}

// ListTurns returns the ids of all turns recorded for the profile, ascending.
func (s *Store) ListTurns(profile string) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.ProfileDir(profile), "turns"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := strconv.ParseInt(e.Name(), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids, nil
}

func (s *Store) closedLocked(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, closedMarker))
	return err == nil
}

func (s *Store) turnLock(profile string, id int64) *sync.Mutex {
	key := sanitize(profile) + "/" + strconv.FormatInt(id, 10)
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// ClosedError is returned by writes against a closed turn.
type ClosedError struct {
	Profile string
	TurnID  int64
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("turn %d for %s is closed", e.TurnID, e.Profile)
}

func validSection(section string) error {
	switch section {
	case SectionContext, SectionResearch, SectionToolResults, SectionTranscript:
		return nil
	}
	return fmt.Errorf("unknown section %q", section)
}

// writeAtomic writes data to a temp file in the target's directory and
// renames it into place, so readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// sanitize keeps profile names filesystem-safe.
func sanitize(profile string) string {
	var b strings.Builder
	for _, r := range profile {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
