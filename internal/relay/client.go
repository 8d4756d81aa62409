package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/unidesk/unidesk/collab-go/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 256 * 1024
	sendBuffer = 256
)

// Client is one connected editor socket. Messages written to the send
// channel are delivered in order by the write pump.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	ConnID     string
	UserID     string
	UserName   string
	DocumentID string
}

// NewClient wraps an accepted websocket connection.
func NewClient(hub *Hub, conn *websocket.Conn, connID, userID, userName, documentID string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		ConnID:     connID,
		UserID:     userID,
		UserName:   userName,
		DocumentID: documentID,
	}
}

// ReadPump reads frames until the connection drops, dispatching each
// decoded message to the hub. Malformed frames are dropped and logged,
// never fatal to the room.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMsgSize)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			slog.Debug("read error", "error", err, "user", c.UserID)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed message", "error", err, "user", c.UserID)
			c.hub.metrics.MessagesDropped.Add(1)
			continue
		}

		// The socket's identity is authoritative over whatever the
		// client wrote in the envelope.
		msg.UserID = c.UserID
		msg.UserName = c.UserName
		msg.DocumentID = c.DocumentID

		c.hub.handleMessage(c, &msg)
	}
}

// WritePump drains the send channel onto the socket and keeps the
// connection alive with periodic pings.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("write error", "error", err, "user", c.UserID)
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// Send marshals and queues a message for delivery.
func (c *Client) Send(msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("marshal message", "error", err)
		return
	}
	c.SendRaw(data)
}

// SendRaw queues an already-encoded frame. Frames are dropped when the
// client is closed or cannot keep up rather than blocking the room.
func (c *Client) SendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping message", "user", c.UserID)
	}
}

// close shuts the send channel exactly once. The read pump may still be
// running; subsequent sends to this client are dropped.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
