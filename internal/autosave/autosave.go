// Package autosave debounces snapshot persistence for a document.
package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/doc"
	"github.com/unidesk/unidesk/collab-go/internal/store"
)

const (
	// DefaultDebounce is the quiet period after the last edit before a
	// snapshot is persisted.
	DefaultDebounce = 2 * time.Second
	// SnapshotLogTail is how many recent log entries ride along with a
	// snapshot.
	SnapshotLogTail = 100
	// saveTimeout bounds a single persistence call.
	saveTimeout = 10 * time.Second
)

// EventKind discriminates auto-save events.
type EventKind string

const (
	EventSaveStarted   EventKind = "auto-save-start"
	EventSaveSucceeded EventKind = "auto-save-success"
	EventSaveFailed    EventKind = "auto-save-error"
	EventSaveSkipped   EventKind = "auto-save-skipped"
)

// Event reports the outcome of a save attempt.
type Event struct {
	Kind       EventKind
	DocumentID string
	Version    int64
	Err        error
}

// Observer receives save lifecycle events.
type Observer func(Event)

// Saver debounces persistence of one document. At most one save is in
// flight at a time; a failed save is retried on the next debounce tick.
type Saver struct {
	document *doc.Document
	store    store.Store
	debounce time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	saving    bool
	lastSaved time.Time
	observers []Observer

	now func() time.Time
}

// New creates a saver for a document backed by st.
func New(document *doc.Document, st store.Store, debounce time.Duration) *Saver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Saver{
		document: document,
		store:    st,
		debounce: debounce,
		now:      time.Now,
	}
}

// Observe registers an observer for save events.
func (s *Saver) Observe(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Schedule (re)arms the debounce timer. Every local or remote operation
// calls this; only the last call within the quiet period triggers a save.
func (s *Saver) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.debouncedSave)
}

// Stop cancels any armed timer. In-flight saves run to completion.
func (s *Saver) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Saver) debouncedSave() {
	s.mu.Lock()
	if s.saving {
		s.mu.Unlock()
		return
	}
	if s.now().Sub(s.lastSaved) < s.debounce {
		s.mu.Unlock()
		s.emit(Event{Kind: EventSaveSkipped, DocumentID: s.document.ID()})
		return
	}
	s.saving = true
	s.mu.Unlock()

	s.run()
}

// Save persists immediately, bypassing the debounce but still honoring the
// single-flight guard. Returns false if a save was already in flight.
func (s *Saver) Save() bool {
	s.mu.Lock()
	if s.saving {
		s.mu.Unlock()
		return false
	}
	s.saving = true
	s.mu.Unlock()

	s.run()
	return true
}

func (s *Saver) run() {
	snapshot := store.Snapshot{
		DocumentID: s.document.ID(),
		Content:    s.document.Content(),
		Version:    s.document.Version(),
		Log:        s.document.LogTail(SnapshotLogTail),
		SavedAt:    s.now(),
	}
	s.emit(Event{Kind: EventSaveStarted, DocumentID: snapshot.DocumentID, Version: snapshot.Version})

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	err := s.store.Save(ctx, snapshot)
	cancel()

	s.mu.Lock()
	s.saving = false
	if err == nil {
		s.lastSaved = s.now()
	}
	s.mu.Unlock()

	if err != nil {
		slog.Warn("auto-save failed", "doc", snapshot.DocumentID, "version", snapshot.Version, "error", err)
		s.emit(Event{Kind: EventSaveFailed, DocumentID: snapshot.DocumentID, Version: snapshot.Version, Err: err})
		return
	}
	s.emit(Event{Kind: EventSaveSucceeded, DocumentID: snapshot.DocumentID, Version: snapshot.Version})
}

func (s *Saver) emit(ev Event) {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}
