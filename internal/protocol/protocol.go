// Package protocol defines the wire envelope exchanged between editor
// clients and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/op"
	"github.com/unidesk/unidesk/collab-go/internal/presence"
)

const (
	TypeOperation        = "operation"
	TypeCursor           = "cursor"
	TypePresence         = "presence"
	TypeDocumentRequest  = "document-request"
	TypeDocumentResponse = "document-response"
	TypeAcknowledgment   = "acknowledgment"
	TypeUserLeft         = "user_left"
	TypeError            = "error"

	// Latency probe: the relay echoes the client's timestamp back.
	TypePing = "ping"
	TypePong = "pong"
)

// Message is the envelope for every collaborative exchange.
type Message struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrRoomNotFound     = errors.New("room not found")
)

// CursorPayload carries a collaborator's caret and selection.
type CursorPayload struct {
	Position       int `json:"position"`
	SelectionStart int `json:"selectionStart"`
	SelectionEnd   int `json:"selectionEnd"`
}

// PresencePayload is a partial collaborator state update.
type PresencePayload struct {
	DisplayName    string `json:"displayName,omitempty"`
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

// DocumentRequestPayload asks the relay to join a document's room.
type DocumentRequestPayload struct {
	Action string `json:"action"`
}

// DocumentResponsePayload carries the relay's authoritative state on join.
type DocumentResponsePayload struct {
	Content       string                  `json:"content"`
	Version       int64                   `json:"version"`
	Collaborators []presence.Collaborator `json:"collaborators"`
}

// AcknowledgmentPayload confirms an operation reached the relay.
type AcknowledgmentPayload struct {
	OperationID string `json:"operationId"`
	Version     int64  `json:"version"`
}

// UserLeftPayload announces a departed collaborator.
type UserLeftPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload reports a relay-side failure to the sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PingPayload carries the probe's send time for round-trip measurement.
type PingPayload struct {
	SentAtMillis int64 `json:"sentAt"`
}

var validTypes = map[string]bool{
	TypeOperation:        true,
	TypeCursor:           true,
	TypePresence:         true,
	TypeDocumentRequest:  true,
	TypeDocumentResponse: true,
	TypeAcknowledgment:   true,
	TypeUserLeft:         true,
	TypeError:            true,
	TypePing:             true,
	TypePong:             true,
}

// Validate checks envelope shape. Invalid messages are dropped by the
// relay, never applied.
func (m *Message) Validate() error {
	if !validTypes[m.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	if m.DocumentID == "" {
		return fmt.Errorf("%w: missing documentId", ErrMalformedMessage)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrMalformedMessage)
	}
	if m.Type == TypeOperation {
		operation, err := m.Operation()
		if err != nil {
			return err
		}
		if err := operation.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	return nil
}

// Operation decodes an operation payload.
func (m *Message) Operation() (op.Operation, error) {
	var operation op.Operation
	if err := json.Unmarshal(m.Payload, &operation); err != nil {
		return op.Operation{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return operation, nil
}

// New builds an envelope with the payload marshalled in place.
func New(msgType, documentID, userID, userName string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{
		Type:       msgType,
		DocumentID: documentID,
		UserID:     userID,
		UserName:   userName,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    raw,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(msgType, documentID, userID, userName string, payload any) Message {
	m, err := New(msgType, documentID, userID, userName, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Encode serializes a message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
