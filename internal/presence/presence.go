// Package presence tracks which collaborators are viewing a document and
// where their cursors are, independent of document content.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// EvictionWindow is how long a collaborator stays listed after their
	// last message.
	EvictionWindow = 5 * time.Minute
	// ActiveWindow is the finer threshold separating "active" from "away"
	// in the UI.
	ActiveWindow = 30 * time.Second
	// TickInterval is how often active membership is recomputed.
	TickInterval = 5 * time.Second
)

// palette holds the colors assigned to collaborators. The index is derived
// from the user id so the same user always gets the same color.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// ColorFor deterministically derives a UI color from a user id.
func ColorFor(userID string) string {
	sum := blake2b.Sum256([]byte(userID))
	return palette[int(sum[0])%len(palette)]
}

// Collaborator is one participant's live state for a document.
type Collaborator struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	CursorPosition int       `json:"cursorPosition"`
	SelectionStart int       `json:"selectionStart"`
	SelectionEnd   int       `json:"selectionEnd"`
	Color          string    `json:"color"`
	LastSeen       time.Time `json:"lastSeen"`
	IsActive       bool      `json:"isActive"`
}

// Update carries the mutable parts of a presence or cursor message.
type Update struct {
	DisplayName    string
	CursorPosition int
	SelectionStart int
	SelectionEnd   int
}

// Listener receives the current active collaborator list after every
// mutation and on every background tick.
type Listener func(active []Collaborator)

// Tracker maintains the collaborator set for one document. Safe for
// concurrent use.
type Tracker struct {
	mu            sync.RWMutex
	documentID    string
	collaborators map[string]*Collaborator
	listeners     []Listener

	now func() time.Time // swapped in tests
}

// NewTracker creates a tracker for a document.
func NewTracker(documentID string) *Tracker {
	return &Tracker{
		documentID:    documentID,
		collaborators: make(map[string]*Collaborator),
		now:           time.Now,
	}
}

// Listen registers a listener for presence-updated notifications.
func (t *Tracker) Listen(fn Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Upsert refreshes a collaborator from a presence or cursor message,
// creating the entry on first sight.
func (t *Tracker) Upsert(userID string, u Update) {
	t.mu.Lock()
	c, ok := t.collaborators[userID]
	if !ok {
		c = &Collaborator{
			UserID: userID,
			Color:  ColorFor(userID),
		}
		t.collaborators[userID] = c
	}
	if u.DisplayName != "" {
		c.DisplayName = u.DisplayName
	}
	c.CursorPosition = u.CursorPosition
	c.SelectionStart = u.SelectionStart
	c.SelectionEnd = u.SelectionEnd
	c.LastSeen = t.now()
	c.IsActive = true
	t.mu.Unlock()

	t.notify()
}

// Touch refreshes last-seen without changing cursor state.
func (t *Tracker) Touch(userID, displayName string) {
	t.Upsert(userID, Update{DisplayName: displayName})
}

// Remove drops a collaborator on explicit leave.
func (t *Tracker) Remove(userID string) {
	t.mu.Lock()
	_, ok := t.collaborators[userID]
	delete(t.collaborators, userID)
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

// Get returns a copy of one collaborator's state.
func (t *Tracker) Get(userID string) (Collaborator, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.collaborators[userID]
	if !ok {
		return Collaborator{}, false
	}
	return *c, true
}

// Active returns collaborators seen within the eviction window, sorted by
// user id for stable output. IsActive reflects the finer 30-second window.
func (t *Tracker) Active() []Collaborator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeLocked()
}

func (t *Tracker) activeLocked() []Collaborator {
	now := t.now()
	out := make([]Collaborator, 0, len(t.collaborators))
	for _, c := range t.collaborators {
		if now.Sub(c.LastSeen) >= EvictionWindow {
			continue
		}
		snapshot := *c
		snapshot.IsActive = now.Sub(c.LastSeen) < ActiveWindow
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sweep recomputes active membership and evicts collaborators unseen for
// the full eviction window. Returns the number evicted.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	now := t.now()
	evicted := 0
	for id, c := range t.collaborators {
		if now.Sub(c.LastSeen) >= EvictionWindow {
			delete(t.collaborators, id)
			evicted++
			continue
		}
		c.IsActive = now.Sub(c.LastSeen) < ActiveWindow
	}
	t.mu.Unlock()

	t.notify()
	return evicted
}

// Run drives the background tick until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) notify() {
	t.mu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	active := t.activeLocked()
	t.mu.RUnlock()

	for _, fn := range listeners {
		fn(active)
	}
}

// String implements fmt.Stringer for log output.
func (t *Tracker) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("presence(%s: %d collaborators)", t.documentID, len(t.collaborators))
}
