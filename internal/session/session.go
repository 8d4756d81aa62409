// Package session is the client-side composition root: one editing
// session owns a document replica, its presence view, the auto-save
// scheduler and the relay connection, and routes messages between them.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/autosave"
	"github.com/unidesk/unidesk/collab-go/internal/doc"
	"github.com/unidesk/unidesk/collab-go/internal/op"
	"github.com/unidesk/unidesk/collab-go/internal/presence"
	"github.com/unidesk/unidesk/collab-go/internal/protocol"
	"github.com/unidesk/unidesk/collab-go/internal/resolve"
	"github.com/unidesk/unidesk/collab-go/internal/store"
	"github.com/unidesk/unidesk/collab-go/internal/transport"
)

// Transport is the connection surface a session needs. Satisfied by
// *transport.Manager.
type Transport interface {
	Send(msg protocol.Message)
	OnMessage(fn transport.Handler)
	Run(ctx context.Context) error
	State() transport.ConnectionState
}

// Config identifies the session.
type Config struct {
	DocumentID       string
	UserID           string
	UserName         string
	AutoSaveDebounce time.Duration
	// ConflictStrategy reconciles the unacknowledged backlog on reconnect,
	// typically plumbed from config.Load().ConflictStrategy. Defaults to
	// transform-based resolution.
	ConflictStrategy resolve.Strategy
}

// Session serializes all mutation of one document replica. The relay's
// read loop and the UI call in from different goroutines; a single lock
// stands in for the reference design's cooperative event loop.
type Session struct {
	cfg       Config
	transport Transport

	mu       sync.Mutex
	document *doc.Document
	tracker  *presence.Tracker
	saver    *autosave.Saver
}

// New creates a session over an existing transport and snapshot store.
func New(cfg Config, tr Transport, st store.Store) *Session {
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = resolve.StrategyTransform
	}
	document := doc.New(cfg.DocumentID)
	s := &Session{
		cfg:       cfg,
		transport: tr,
		document:  document,
		tracker:   presence.NewTracker(cfg.DocumentID),
		saver:     autosave.New(document, st, cfg.AutoSaveDebounce),
	}
	tr.OnMessage(s.dispatch)
	return s
}

// Run drives the transport and the presence tick until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	go s.tracker.Run(ctx)
	return s.transport.Run(ctx)
}

// Document exposes the replica for observers and accessors. Callers must
// not mutate it directly.
func (s *Session) Document() *doc.Document { return s.document }

// Presence exposes the collaborator tracker.
func (s *Session) Presence() *presence.Tracker { return s.tracker }

// Saver exposes the auto-save scheduler, e.g. for a manual save action.
func (s *Session) Saver() *autosave.Saver { return s.saver }

// Content returns the replica's current text.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document.Content()
}

// Insert applies a local insertion and ships it to the relay.
func (s *Session) Insert(position int, text string) doc.Change {
	s.mu.Lock()
	operation := op.NewInsert(s.cfg.UserID, s.document.Version(), position, text)
	change := s.document.ApplyLocal(operation)
	s.mu.Unlock()

	s.saver.Schedule()
	s.transport.Send(protocol.MustNew(protocol.TypeOperation,
		s.cfg.DocumentID, s.cfg.UserID, s.cfg.UserName, operation))
	return change
}

// Delete applies a local deletion and ships it to the relay.
func (s *Session) Delete(position, length int) doc.Change {
	s.mu.Lock()
	operation := op.NewDelete(s.cfg.UserID, s.document.Version(), position, length)
	change := s.document.ApplyLocal(operation)
	s.mu.Unlock()

	s.saver.Schedule()
	s.transport.Send(protocol.MustNew(protocol.TypeOperation,
		s.cfg.DocumentID, s.cfg.UserID, s.cfg.UserName, operation))
	return change
}

// MoveCursor updates the local collaborator's cursor and broadcasts it.
func (s *Session) MoveCursor(position, selectionStart, selectionEnd int) {
	s.tracker.Upsert(s.cfg.UserID, presence.Update{
		DisplayName:    s.cfg.UserName,
		CursorPosition: position,
		SelectionStart: selectionStart,
		SelectionEnd:   selectionEnd,
	})
	s.transport.Send(protocol.MustNew(protocol.TypeCursor,
		s.cfg.DocumentID, s.cfg.UserID, s.cfg.UserName,
		protocol.CursorPayload{
			Position:       position,
			SelectionStart: selectionStart,
			SelectionEnd:   selectionEnd,
		}))
}

// dispatch routes one inbound relay message.
func (s *Session) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeOperation:
		s.handleOperation(msg)
	case protocol.TypeAcknowledgment:
		s.handleAcknowledgment(msg)
	case protocol.TypeCursor:
		s.handleCursor(msg)
	case protocol.TypePresence:
		s.handlePresence(msg)
	case protocol.TypeDocumentResponse:
		s.handleDocumentResponse(msg)
	case protocol.TypeUserLeft:
		s.handleUserLeft(msg)
	case protocol.TypeError:
		var payload protocol.ErrorPayload
		json.Unmarshal(msg.Payload, &payload)
		slog.Warn("relay error", "doc", s.cfg.DocumentID, "code", payload.Code, "message", payload.Message)
	default:
		slog.Debug("ignoring message", "type", msg.Type)
	}
}

func (s *Session) handleOperation(msg protocol.Message) {
	operation, err := msg.Operation()
	if err != nil {
		slog.Warn("dropping malformed remote operation", "error", err)
		return
	}

	s.mu.Lock()
	change := s.document.ApplyRemote(operation)
	s.mu.Unlock()

	s.tracker.Touch(msg.UserID, msg.UserName)
	s.saver.Schedule()

	// Confirm delivery back to the relay.
	s.transport.Send(protocol.MustNew(protocol.TypeAcknowledgment,
		s.cfg.DocumentID, s.cfg.UserID, s.cfg.UserName,
		protocol.AcknowledgmentPayload{OperationID: operation.ID, Version: change.Version}))
}

func (s *Session) handleAcknowledgment(msg protocol.Message) {
	var payload protocol.AcknowledgmentPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	s.mu.Lock()
	s.document.Acknowledge(payload.OperationID, payload.Version)
	s.mu.Unlock()
}

func (s *Session) handleCursor(msg protocol.Message) {
	var payload protocol.CursorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	s.tracker.Upsert(msg.UserID, presence.Update{
		DisplayName:    msg.UserName,
		CursorPosition: payload.Position,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
	})
}

func (s *Session) handlePresence(msg protocol.Message) {
	var payload protocol.PresencePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	if payload.DisplayName == "" {
		payload.DisplayName = msg.UserName
	}
	s.tracker.Upsert(msg.UserID, presence.Update{
		DisplayName:    payload.DisplayName,
		CursorPosition: payload.CursorPosition,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
	})
}

// handleDocumentResponse adopts the relay's authoritative state. The
// transport flushes the offline queue right after this message, so the
// replica is synced before any queued edit goes out. The unacknowledged
// backlog runs through the conflict resolver first and is then replayed on
// top of the authoritative content by Resync.
func (s *Session) handleDocumentResponse(msg protocol.Message) {
	var payload protocol.DocumentResponsePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		slog.Warn("malformed document-response", "error", err)
		return
	}

	s.mu.Lock()
	if backlog := s.document.Pending(); len(backlog) > 0 {
		s.document.ReplacePending(resolve.Resolve(s.cfg.ConflictStrategy, backlog))
	}
	s.document.Resync(payload.Content, payload.Version)
	s.mu.Unlock()

	for _, collaborator := range payload.Collaborators {
		if collaborator.UserID == s.cfg.UserID {
			continue
		}
		s.tracker.Upsert(collaborator.UserID, presence.Update{
			DisplayName:    collaborator.DisplayName,
			CursorPosition: collaborator.CursorPosition,
			SelectionStart: collaborator.SelectionStart,
			SelectionEnd:   collaborator.SelectionEnd,
		})
	}
	slog.Info("document synced", "doc", s.cfg.DocumentID, "version", payload.Version)
}

func (s *Session) handleUserLeft(msg protocol.Message) {
	var payload protocol.UserLeftPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	s.tracker.Remove(payload.UserID)
}
