package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/doc"
	"github.com/unidesk/unidesk/collab-go/internal/op"
	"github.com/unidesk/unidesk/collab-go/internal/store"
)

// failingStore fails every save until unbroken.
type failingStore struct {
	mu     sync.Mutex
	broken bool
	saves  int
}

func (f *failingStore) Save(_ context.Context, _ store.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.broken {
		return errors.New("disk full")
	}
	return nil
}

func (f *failingStore) Load(context.Context, string) (store.Snapshot, error) {
	return store.Snapshot{}, store.ErrNotFound
}

func (f *failingStore) Close() error { return nil }

func collect(s *Saver) (*sync.Mutex, *[]EventKind) {
	var mu sync.Mutex
	var kinds []EventKind
	s.Observe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	return &mu, &kinds
}

func TestManualSavePersistsSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	d := doc.New("doc_1")
	d.ApplyLocal(op.NewInsert("alice", 0, 0, "hello"))

	s := New(d, st, time.Minute)
	if !s.Save() {
		t.Fatal("manual save rejected")
	}

	snap, err := st.Load(context.Background(), "doc_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Content != "hello" || snap.Version != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Log) != 1 {
		t.Errorf("snapshot log = %d entries, want 1", len(snap.Log))
	}
}

func TestDebounceCoalescesBursts(t *testing.T) {
	fs := &failingStore{}
	d := doc.New("doc_1")
	s := New(d, fs, 30*time.Millisecond)

	for i := 0; i < 10; i++ {
		s.Schedule()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	fs.mu.Lock()
	saves := fs.saves
	fs.mu.Unlock()
	if saves != 1 {
		t.Errorf("burst of edits produced %d saves, want 1", saves)
	}
}

func TestSkipWhenRecentlySaved(t *testing.T) {
	st := store.NewMemoryStore()
	d := doc.New("doc_1")
	s := New(d, st, time.Minute)
	_, kinds := collect(s)

	s.Save()
	// The debounce fires right after a completed save: skipped.
	s.debouncedSave()

	want := []EventKind{EventSaveStarted, EventSaveSucceeded, EventSaveSkipped}
	if len(*kinds) != len(want) {
		t.Fatalf("events = %v, want %v", *kinds, want)
	}
	for i := range want {
		if (*kinds)[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, (*kinds)[i], want[i])
		}
	}
}

func TestFailureSurfacedAndRetried(t *testing.T) {
	fs := &failingStore{broken: true}
	d := doc.New("doc_1")
	s := New(d, fs, 20*time.Millisecond)
	mu, kinds := collect(s)

	s.Schedule()
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	sawFailure := false
	for _, k := range *kinds {
		if k == EventSaveFailed {
			sawFailure = true
		}
	}
	mu.Unlock()
	if !sawFailure {
		t.Fatal("failure not surfaced as event")
	}

	// A failed save leaves lastSaved unset, so the next tick retries.
	fs.mu.Lock()
	fs.broken = false
	fs.mu.Unlock()
	s.Schedule()
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if (*kinds)[len(*kinds)-1] != EventSaveSucceeded {
		t.Errorf("retry did not succeed: %v", *kinds)
	}
}

func TestSingleFlight(t *testing.T) {
	st := store.NewMemoryStore()
	d := doc.New("doc_1")
	s := New(d, st, time.Minute)

	s.mu.Lock()
	s.saving = true
	s.mu.Unlock()
	if s.Save() {
		t.Error("save should be rejected while one is in flight")
	}
}
