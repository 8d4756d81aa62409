// Package transport maintains one editor's websocket connection to the
// relay: connect, heartbeat, latency probing, reconnection with backoff,
// and ordered queueing of messages composed while offline.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/unidesk/unidesk/collab-go/internal/protocol"
)

const (
	// DefaultQueueCap bounds the offline message queue. When full, the
	// oldest message is dropped and an overflow event is emitted so the
	// session can force a full resync.
	DefaultQueueCap = 1000

	DefaultMaxReconnectAttempts = 10
	DefaultBaseReconnectDelay   = time.Second
	DefaultMaxReconnectDelay    = 10 * time.Second

	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultLatencyProbeInterval = 10 * time.Second

	writeTimeout = 10 * time.Second
)

// ErrGaveUp is reported once every allowed reconnect attempt has failed.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

// ConnectionState describes the link as seen by the UI.
type ConnectionState struct {
	IsConnected       bool
	ReconnectAttempts int
	LastConnected     time.Time
	Latency           time.Duration
}

// EventKind discriminates transport events.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventReconnecting  EventKind = "reconnecting"
	EventGaveUp        EventKind = "gave-up"
	EventQueueOverflow EventKind = "queue-overflow"
)

// Event reports a connectivity change.
type Event struct {
	Kind    EventKind
	Attempt int
	Err     error
}

// Conn is the minimal connection surface the manager needs. Production
// uses a coder/websocket connection; tests substitute an in-memory pair.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a connection to the relay.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type wsConn struct{ c *websocket.Conn }

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Ping(ctx context.Context) error { return w.c.Ping(ctx) }

func (w wsConn) Close() error { return w.c.Close(websocket.StatusNormalClosure, "") }

// DialWebsocket is the production DialFunc.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{c: c}, nil
}

// Config tunes a Manager. Zero values take the package defaults.
type Config struct {
	URL        string
	DocumentID string
	UserID     string
	UserName   string

	QueueCap             int
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
	LatencyProbeInterval time.Duration

	Dial DialFunc
}

func (c *Config) defaults() {
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = DefaultBaseReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.LatencyProbeInterval <= 0 {
		c.LatencyProbeInterval = DefaultLatencyProbeInterval
	}
	if c.Dial == nil {
		c.Dial = DialWebsocket
	}
}

// Handler receives every inbound message.
type Handler func(msg protocol.Message)

// Observer receives connectivity events.
type Observer func(Event)

// Manager owns one connection per editing session. All sends are
// fire-and-continue; outcomes surface through events.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	conn      Conn
	state     ConnectionState
	queue     []protocol.Message
	overflown int
	handler   Handler
	observers []Observer
}

// New creates a manager for one document session.
func New(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// OnMessage sets the inbound dispatch handler. Must be called before Run.
func (m *Manager) OnMessage(fn Handler) { m.handler = fn }

// Observe registers a connectivity observer.
func (m *Manager) Observe(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// State returns a copy of the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen reports how many messages await the next flush.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Send delivers a message immediately when connected, otherwise queues it
// for the post-reconnect flush. The queue is bounded: overflow drops the
// oldest message and emits a queue-overflow event.
func (m *Manager) Send(msg protocol.Message) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state.IsConnected
	if !connected || conn == nil {
		if len(m.queue) >= m.cfg.QueueCap {
			m.queue = m.queue[1:]
			m.overflown++
			m.mu.Unlock()
			m.emit(Event{Kind: EventQueueOverflow})
			m.mu.Lock()
		}
		m.queue = append(m.queue, msg)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.write(conn, msg); err != nil {
		m.requeueFront(msg)
	}
}

// write sends one frame. Encode failures drop the message; write failures
// are returned so the caller can requeue without losing its place in the
// flush order.
func (m *Manager) write(conn Conn, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("marshal outbound message", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

// requeueFront puts a failed message back at the head of the queue, ahead
// of anything queued after it, and marks the link down so later sends queue
// behind it until the next flush.
func (m *Manager) requeueFront(msgs ...protocol.Message) {
	slog.Debug("write failed, requeueing", "messages", len(msgs))
	m.mu.Lock()
	m.queue = append(append([]protocol.Message{}, msgs...), m.queue...)
	m.state.IsConnected = false
	m.mu.Unlock()
}

// Run connects and keeps the session alive until ctx is cancelled or the
// allowed reconnect attempts run out.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := m.cfg.Dial(ctx, m.cfg.URL)
		if err != nil {
			attempt++
			m.mu.Lock()
			m.state.ReconnectAttempts = attempt
			m.mu.Unlock()
			if attempt >= m.cfg.MaxReconnectAttempts {
				m.emit(Event{Kind: EventGaveUp, Attempt: attempt, Err: err})
				return ErrGaveUp
			}
			m.emit(Event{Kind: EventReconnecting, Attempt: attempt, Err: err})
			select {
			case <-time.After(m.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		m.connected(conn)

		// Join the document room; queued messages flush only after the
		// relay answers with the authoritative document-response.
		join := protocol.MustNew(protocol.TypeDocumentRequest, m.cfg.DocumentID, m.cfg.UserID, m.cfg.UserName,
			protocol.DocumentRequestPayload{Action: "join"})
		m.write(conn, join)

		err = m.readLoop(ctx, conn)
		m.disconnected(err)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// backoff doubles the delay per attempt up to the configured ceiling.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.BaseReconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.MaxReconnectDelay {
			return m.cfg.MaxReconnectDelay
		}
	}
	if delay > m.cfg.MaxReconnectDelay {
		delay = m.cfg.MaxReconnectDelay
	}
	return delay
}

func (m *Manager) connected(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.state.IsConnected = true
	m.state.LastConnected = time.Now()
	m.state.ReconnectAttempts = 0
	m.mu.Unlock()
	m.emit(Event{Kind: EventConnected})
}

func (m *Manager) disconnected(err error) {
	m.mu.Lock()
	m.conn = nil
	m.state.IsConnected = false
	m.mu.Unlock()
	m.emit(Event{Kind: EventDisconnected, Err: err})
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.keepalive(loopCtx, conn)

	for {
		data, err := conn.Read(loopCtx)
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed inbound message", "error", err)
			continue
		}
		m.dispatch(conn, msg)
	}
}

func (m *Manager) dispatch(conn Conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePong:
		var payload protocol.PingPayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.SentAtMillis > 0 {
			m.mu.Lock()
			m.state.Latency = time.Duration(time.Now().UnixMilli()-payload.SentAtMillis) * time.Millisecond
			m.mu.Unlock()
		}
		return
	case protocol.TypeDocumentResponse:
		if m.handler != nil {
			m.handler(msg)
		}
		m.flush(conn)
		return
	}
	if m.handler != nil {
		m.handler(msg)
	}
}

// flush replays queued messages in original send order. A failure mid-flush
// puts the unsent remainder back at the head so the next reconnect resumes
// where this one stopped.
func (m *Manager) flush(conn Conn) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for i, msg := range pending {
		if err := m.write(conn, msg); err != nil {
			m.requeueFront(pending[i:]...)
			return
		}
	}
	if len(pending) > 0 {
		slog.Info("flushed offline queue", "doc", m.cfg.DocumentID, "messages", len(pending))
	}
}

// keepalive runs the heartbeat ping and the latency probe for one
// connection's lifetime.
func (m *Manager) keepalive(ctx context.Context, conn Conn) {
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	probe := time.NewTicker(m.cfg.LatencyProbeInterval)
	defer heartbeat.Stop()
	defer probe.Stop()

	for {
		select {
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-probe.C:
			ping := protocol.MustNew(protocol.TypePing, m.cfg.DocumentID, m.cfg.UserID, m.cfg.UserName,
				protocol.PingPayload{SentAtMillis: time.Now().UnixMilli()})
			m.write(conn, ping)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}
