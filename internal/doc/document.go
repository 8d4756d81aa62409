// Package doc owns a single document's content, version counter and
// operation log, and applies local and remote edits through the transform
// engine. A Document is driven by one event loop and performs no internal
// locking; callers must not reenter it from an event handler.
package doc

import (
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/op"
)

// DefaultLogCap bounds the retained operation log. The version counter
// keeps increasing after truncation; only the tail is kept.
const DefaultLogCap = 500

// LogEntry records an applied operation and the version it produced.
type LogEntry struct {
	Op      op.Operation `json:"op"`
	Version int64        `json:"version"`
}

// Change describes the outcome of an apply.
type Change struct {
	Op      op.Operation
	Content string
	Version int64
	// Applied is false when a remote operation was subsumed during
	// transformation and contributed nothing.
	Applied bool
}

// EventKind discriminates document events.
type EventKind string

const (
	EventLocalOperation  EventKind = "local-operation"
	EventRemoteOperation EventKind = "remote-operation"
	EventAcknowledged    EventKind = "acknowledged"
	EventRolledBack      EventKind = "rolled-back"
)

// Event is delivered synchronously to registered observers.
type Event struct {
	Kind       EventKind
	DocumentID string
	Content    string
	Version    int64
	Op         *op.Operation
}

// Observer receives document events.
type Observer func(Event)

// Document is the per-document state machine. It is Idle when the pending
// set is empty and Pending while local operations await acknowledgment.
type Document struct {
	id           string
	content      string
	version      int64
	log          []LogEntry
	logCap       int
	lastModified time.Time

	// pending holds locally applied operations not yet acknowledged by
	// the relay, in application order. Incoming remote operations are
	// transformed against it.
	pending []op.Operation
	// ackedVersion is the highest version the relay has confirmed.
	ackedVersion int64

	observers []Observer
}

// New creates an empty document.
func New(id string) *Document {
	return NewWithContent(id, "", 0)
}

// NewWithContent creates a document seeded from a snapshot or a
// document-response.
func NewWithContent(id, content string, version int64) *Document {
	return &Document{
		id:           id,
		content:      content,
		version:      version,
		logCap:       DefaultLogCap,
		lastModified: time.Now(),
	}
}

func (d *Document) ID() string              { return d.id }
func (d *Document) Content() string         { return d.content }
func (d *Document) Version() int64          { return d.version }
func (d *Document) LastModified() time.Time { return d.lastModified }

// Pending returns the unacknowledged local operations in order.
func (d *Document) Pending() []op.Operation {
	out := make([]op.Operation, len(d.pending))
	copy(out, d.pending)
	return out
}

// Idle reports whether no local operations are in flight.
func (d *Document) Idle() bool { return len(d.pending) == 0 }

// Log returns the retained tail of applied operations.
func (d *Document) Log() []LogEntry {
	out := make([]LogEntry, len(d.log))
	copy(out, d.log)
	return out
}

// LogTail returns at most n of the most recent log entries.
func (d *Document) LogTail(n int) []LogEntry {
	if n > len(d.log) {
		n = len(d.log)
	}
	out := make([]LogEntry, n)
	copy(out, d.log[len(d.log)-n:])
	return out
}

// Observe registers an observer for all subsequent events.
func (d *Document) Observe(fn Observer) {
	d.observers = append(d.observers, fn)
}

func (d *Document) emit(ev Event) {
	ev.DocumentID = d.id
	for _, fn := range d.observers {
		fn(ev)
	}
}

// bump advances the version for an applied operation. The counter moves
// forward exactly once per apply and never decreases, even when the
// operation was authored against an older base.
func (d *Document) bump(base int64) int64 {
	v := d.version
	if base > v {
		v = base
	}
	d.version = v + 1
	return d.version
}

func (d *Document) appendLog(o op.Operation, version int64) {
	d.log = append(d.log, LogEntry{Op: o, Version: version})
	if len(d.log) > d.logCap {
		d.log = d.log[len(d.log)-d.logCap:]
	}
}

// ApplyLocal applies an edit authored on this replica: the operation joins
// the pending set, mutates the content and bumps the version. The caller
// is responsible for sending it to the relay.
func (d *Document) ApplyLocal(o op.Operation) Change {
	d.pending = append(d.pending, o)
	d.content = op.Apply(d.content, o)
	version := d.bump(o.BaseVersion)
	d.appendLog(o, version)
	d.lastModified = time.Now()

	d.emit(Event{Kind: EventLocalOperation, Content: d.content, Version: version, Op: &o})
	return Change{Op: o, Content: d.content, Version: version, Applied: true}
}

// ApplyRemote transforms an operation received from the relay against the
// pending set and applies the result. A subsumed operation still advances
// the version (the peer's apply happened) but leaves content untouched.
func (d *Document) ApplyRemote(o op.Operation) Change {
	transformed, ok := op.TransformAgainstOperations(o, d.pending)
	version := d.bump(o.BaseVersion)
	d.appendLog(transformed, version)
	d.lastModified = time.Now()

	if ok {
		d.content = op.Apply(d.content, transformed)
	}
	d.emit(Event{Kind: EventRemoteOperation, Content: d.content, Version: version, Op: &transformed})
	return Change{Op: transformed, Content: d.content, Version: version, Applied: ok}
}

// Acknowledge removes an operation from the pending set once the relay has
// confirmed it and raises the acknowledged-version watermark. Stale pending
// entries would otherwise skew every later transform.
func (d *Document) Acknowledge(opID string, version int64) bool {
	for i, p := range d.pending {
		if p.ID != opID {
			continue
		}
		d.pending = append(d.pending[:i], d.pending[i+1:]...)
		if version > d.ackedVersion {
			d.ackedVersion = version
		}
		d.emit(Event{Kind: EventAcknowledged, Content: d.content, Version: d.version})
		return true
	}
	return false
}

// AckedVersion returns the highest relay-confirmed version.
func (d *Document) AckedVersion() int64 { return d.ackedVersion }

// Resync replaces content and version with the relay's authoritative copy,
// typically from a document-response after (re)connecting. Unacknowledged
// local operations are not part of the relay's copy yet, so they are
// replayed on top; the eventual acknowledgments only drain the pending set
// and never reapply content.
func (d *Document) Resync(content string, version int64) {
	d.content = content
	if version > d.version {
		d.version = version
	}
	for _, p := range d.pending {
		d.content = op.Apply(d.content, p)
	}
	d.lastModified = time.Now()
}

// ReplacePending swaps the pending set for a reconciled backlog, e.g. after
// running it through the conflict resolver on reconnect.
func (d *Document) ReplacePending(ops []op.Operation) {
	d.pending = append(d.pending[:0:0], ops...)
}

// RollbackToVersion rebuilds content by replaying logged operations up to
// and including targetVersion from an empty string. It fails when the log
// holds no operation at or below the target, which happens after the
// relevant entries have been truncated away.
func (d *Document) RollbackToVersion(targetVersion int64) bool {
	var replay []op.Operation
	for _, entry := range d.log {
		if entry.Version <= targetVersion {
			replay = append(replay, entry.Op)
		}
	}
	if len(replay) == 0 {
		return false
	}

	content := ""
	for _, o := range replay {
		content = op.Apply(content, o)
	}
	d.content = content
	d.lastModified = time.Now()
	d.emit(Event{Kind: EventRolledBack, Content: d.content, Version: d.version})
	return true
}
