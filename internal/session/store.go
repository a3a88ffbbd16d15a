// Package session owns the mutable state of one diagram session: the
// current document, a bounded append-only history of snapshots, and the
// transient draft buffer used for streaming previews.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"drawbridge/internal/logging"
)

// maxSnapshots bounds history growth; the oldest entries are pruned first.
const maxSnapshots = 100

// Snapshot is an immutable historical copy of the document plus metadata.
type Snapshot struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Document  string    `json:"document"`
}

// Options controls how ApplyFull interacts with history.
type Options struct {
	// SkipHistory applies the document without recording a snapshot.
	SkipHistory bool
	// ReplaceHistory swaps the most recent snapshot instead of appending,
	// used when a corrected tool call supersedes a failed attempt for the
	// same user turn.
	ReplaceHistory bool
}

// Canonicalizer validates and canonicalizes raw document input before it is
// committed. A failure leaves the store untouched.
type Canonicalizer func(input string) (string, error)

// Store is the state machine for one diagram session. All operations are
// safe for concurrent use; every apply is all-or-nothing.
type Store struct {
	mu         sync.Mutex
	defaultDoc string
	canon      Canonicalizer
	logger     *slog.Logger

	current string
	draft   *string
	history []Snapshot
}

// New builds a store seeded with the default document and a single initial
// snapshot. canon may be nil, in which case input is committed verbatim.
func New(defaultDoc string, canon Canonicalizer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Store{
		defaultDoc: defaultDoc,
		canon:      canon,
		logger:     logger,
		current:    defaultDoc,
	}
	s.history = []Snapshot{newSnapshot(defaultDoc, "Initial canvas")}
	return s
}

func newSnapshot(document, summary string) Snapshot {
	return Snapshot{
		ID:        uuid.NewString(),
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
		Document:  document,
	}
}

// Current returns the authoritative document.
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Draft returns the in-progress streaming preview, if any. A draft is never
// authoritative: it becomes real only through ApplyFull.
func (s *Store) Draft() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		return "", false
	}
	return *s.draft, true
}

// History returns a copy of the snapshot list, oldest first.
func (s *Store) History() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// Record overwrites the current document after a local user edit to the
// live canvas. History and draft are untouched: canvas editing has its own
// undo model, snapshots mark AI and manual applies only.
func (s *Store) Record(document string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = document
}

// SetDraft replaces the streaming preview buffer; nil clears it.
func (s *Store) SetDraft(value *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = value
}

// ApplyFull canonicalizes input and commits it as the new current document,
// clearing any draft and (by default) appending a snapshot. On canonicalizer
// failure the store state is left exactly as it was.
func (s *Store) ApplyFull(input, summary string, opts Options) (string, error) {
	canonical := input
	if s.canon != nil {
		var err error
		canonical, err = s.canon(input)
		if err != nil {
			s.logger.Warn("session.apply_rejected", "error", err.Error())
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = canonical
	s.draft = nil
	if !opts.SkipHistory {
		if opts.ReplaceHistory && len(s.history) > 0 {
			s.history = s.history[:len(s.history)-1]
		}
		s.history = append(s.history, newSnapshot(canonical, summary))
		s.prune()
	}
	s.logger.Debug("session.applied", "summary", summary, "history_len", len(s.history))
	return canonical, nil
}

// Reset reinitializes the session to the default document with a single
// fresh snapshot, discarding draft and history.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.defaultDoc
	s.draft = nil
	s.history = []Snapshot{newSnapshot(s.defaultDoc, "Canvas reset")}
	s.logger.Debug("session.reset")
}

// Rollback restores the document captured by a prior snapshot. No new
// snapshot is appended: the history already contains the target point.
func (s *Store) Rollback(snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.history {
		if snap.ID == snapshotID {
			s.current = snap.Document
			s.draft = nil
			return nil
		}
	}
	return fmt.Errorf("unknown snapshot %q", snapshotID)
}

// prune drops the oldest snapshots past the bound. Called with the lock
// held. The newest snapshot always survives, so history is never empty.
func (s *Store) prune() {
	if len(s.history) <= maxSnapshots {
		return
	}
	s.history = append(s.history[:0:0], s.history[len(s.history)-maxSnapshots:]...)
}
