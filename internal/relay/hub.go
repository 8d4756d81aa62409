// Package relay fans collaborative messages out to every member of a
// document room. The relay performs no operational transformation: it is
// bookkeeping plus broadcast, and all OT happens on the clients. It does,
// however, keep the canonical content per room so late joiners and
// reconnecting clients sync from one authority.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/unidesk/unidesk/collab-go/internal/presence"
	"github.com/unidesk/unidesk/collab-go/internal/protocol"
)

// Hub routes client registration and inbound messages to rooms.
type Hub struct {
	registry   *Registry
	metrics    *Metrics
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub creates a hub over the given room registry.
func NewHub(registry *Registry, metrics *Metrics) *Hub {
	return &Hub{
		registry:   registry,
		metrics:    metrics,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registration until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.done:
			return
		}
	}
}

// Stop ends the run loop and persists every live room.
func (h *Hub) Stop() {
	close(h.done)
	h.registry.Shutdown()
}

// Register hands a freshly accepted client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) addClient(client *Client) {
	room, err := h.registry.GetOrCreate(context.Background(), client.DocumentID)
	if err != nil {
		slog.Error("create room", "doc", client.DocumentID, "error", err)
		h.sendError(client, "room-unavailable", "could not open document room")
		client.close()
		return
	}

	room.addClient(client)
	h.metrics.ClientsJoined.Add(1)
	slog.Info("client joined", "user", client.UserID, "doc", client.DocumentID)
}

func (h *Hub) removeClient(client *Client) {
	room, ok := h.registry.Get(client.DocumentID)
	if !ok {
		client.close()
		return
	}

	remaining := room.removeClient(client)
	client.close()
	h.metrics.ClientsLeft.Add(1)

	left := protocol.MustNew(protocol.TypeUserLeft, client.DocumentID, client.UserID, client.UserName,
		protocol.UserLeftPayload{UserID: client.UserID})
	h.broadcast(room, &left, "")

	if remaining == 0 {
		h.registry.scheduleTeardown(room)
	}
	slog.Info("client left", "user", client.UserID, "doc", client.DocumentID, "remaining", remaining)
}

// handleMessage dispatches one validated inbound message.
func (h *Hub) handleMessage(sender *Client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeDocumentRequest:
		h.handleDocumentRequest(sender)
	case protocol.TypeOperation:
		h.handleOperation(sender, msg)
	case protocol.TypeCursor:
		h.handleCursor(sender, msg)
	case protocol.TypePresence:
		h.handlePresence(sender, msg)
	case protocol.TypePing:
		h.handlePing(sender, msg)
	case protocol.TypeAcknowledgment:
		// Client-side delivery confirmation; nothing to fan out.
		if room, ok := h.registry.Get(sender.DocumentID); ok {
			room.touch()
		}
	default:
		slog.Warn("unexpected message type from client", "type", msg.Type, "user", sender.UserID)
		h.metrics.MessagesDropped.Add(1)
	}
}

// handleDocumentRequest answers a join with the room's authoritative
// content, version and active collaborators.
func (h *Hub) handleDocumentRequest(sender *Client) {
	room, ok := h.registry.Get(sender.DocumentID)
	if !ok {
		h.sendError(sender, "room-not-found", "no active room for document")
		return
	}
	room.touch()

	content, version := room.State()
	response := protocol.MustNew(protocol.TypeDocumentResponse, sender.DocumentID, sender.UserID, sender.UserName,
		protocol.DocumentResponsePayload{
			Content:       content,
			Version:       version,
			Collaborators: room.Collaborators(),
		})
	sender.Send(&response)
}

func (h *Hub) handleOperation(sender *Client, msg *protocol.Message) {
	room, ok := h.registry.Get(sender.DocumentID)
	if !ok {
		h.sendError(sender, "room-not-found", "no active room for document")
		return
	}

	operation, err := msg.Operation()
	if err != nil {
		slog.Warn("dropping malformed operation", "error", err, "user", sender.UserID)
		h.metrics.MessagesDropped.Add(1)
		return
	}

	version := room.ApplyOperation(operation)
	h.broadcast(room, msg, sender.ConnID)

	ack := protocol.MustNew(protocol.TypeAcknowledgment, sender.DocumentID, sender.UserID, sender.UserName,
		protocol.AcknowledgmentPayload{OperationID: operation.ID, Version: version})
	sender.Send(&ack)
	h.metrics.OpsAcknowledged.Add(1)
}

func (h *Hub) handleCursor(sender *Client, msg *protocol.Message) {
	room, ok := h.registry.Get(sender.DocumentID)
	if !ok {
		h.sendError(sender, "room-not-found", "no active room for document")
		return
	}

	var cursor protocol.CursorPayload
	if err := decodePayload(msg, &cursor); err != nil {
		h.metrics.MessagesDropped.Add(1)
		return
	}
	room.presence.Upsert(sender.UserID, presence.Update{
		DisplayName:    sender.UserName,
		CursorPosition: cursor.Position,
		SelectionStart: cursor.SelectionStart,
		SelectionEnd:   cursor.SelectionEnd,
	})
	room.touch()
	h.broadcast(room, msg, sender.ConnID)
}

func (h *Hub) handlePresence(sender *Client, msg *protocol.Message) {
	room, ok := h.registry.Get(sender.DocumentID)
	if !ok {
		h.sendError(sender, "room-not-found", "no active room for document")
		return
	}

	var p protocol.PresencePayload
	if err := decodePayload(msg, &p); err != nil {
		h.metrics.MessagesDropped.Add(1)
		return
	}
	if p.DisplayName == "" {
		p.DisplayName = sender.UserName
	}
	room.presence.Upsert(sender.UserID, presence.Update{
		DisplayName:    p.DisplayName,
		CursorPosition: p.CursorPosition,
		SelectionStart: p.SelectionStart,
		SelectionEnd:   p.SelectionEnd,
	})
	room.touch()
	h.broadcast(room, msg, sender.ConnID)
}

// handlePing echoes the probe payload so the client can measure round-trip
// time from its own clock.
func (h *Hub) handlePing(sender *Client, msg *protocol.Message) {
	pong := *msg
	pong.Type = protocol.TypePong
	sender.Send(&pong)
}

func (h *Hub) broadcast(room *Room, msg *protocol.Message, excludeConnID string) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("marshal broadcast", "error", err)
		return
	}
	n := room.broadcast(data, excludeConnID)
	h.metrics.MessagesRelayed.Add(int64(n))
}

func (h *Hub) sendError(c *Client, code, message string) {
	errMsg := protocol.MustNew(protocol.TypeError, c.DocumentID, c.UserID, c.UserName,
		protocol.ErrorPayload{Code: code, Message: message})
	c.Send(&errMsg)
}

func decodePayload(msg *protocol.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		slog.Warn("dropping malformed payload", "type", msg.Type, "error", err)
		return err
	}
	return nil
}
