// Package store persists document snapshots. The relay and the auto-save
// scheduler both write through the Store interface; backends are
// interchangeable.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/doc"
)

// ErrNotFound is returned by Load when no snapshot exists for a document.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is an idempotent point-in-time copy of a document. Log holds a
// tail of recently applied operations for history display.
type Snapshot struct {
	DocumentID string         `json:"documentId"`
	Content    string         `json:"content"`
	Version    int64          `json:"version"`
	Log        []doc.LogEntry `json:"log,omitempty"`
	SavedAt    time.Time      `json:"savedAt"`
}

// Store saves and loads document snapshots.
type Store interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Load(ctx context.Context, documentID string) (Snapshot, error)
	Close() error
}

// MemoryStore keeps snapshots in process memory. Used in tests and as the
// default backend when no durable store is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.DocumentID] = snapshot
	return nil
}

func (s *MemoryStore) Load(_ context.Context, documentID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[documentID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) Close() error { return nil }
