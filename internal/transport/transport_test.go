package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/op"
	"github.com/unidesk/unidesk/collab-go/internal/protocol"
)

// fakeConn is an in-memory connection: frames pushed to inbound appear on
// Read, frames written land on outbound.
type fakeConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection dropped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection dropped")
	default:
	}
	f.outbound <- data
	return nil
}

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) serve(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.inbound <- data
}

func (f *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-f.outbound:
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("client sent undecodable frame: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return protocol.Message{}
	}
}

func docResponse() protocol.Message {
	return protocol.MustNew(protocol.TypeDocumentResponse, "doc_1", "relay", "",
		protocol.DocumentResponsePayload{Content: "", Version: 0})
}

func newTestManager(dial DialFunc) *Manager {
	return New(Config{
		URL:                "ws://test",
		DocumentID:         "doc_1",
		UserID:             "user_a",
		UserName:           "Ada",
		BaseReconnectDelay: time.Millisecond,
		MaxReconnectDelay:  4 * time.Millisecond,
		// Keep the tickers out of the way.
		HeartbeatInterval:    time.Hour,
		LatencyProbeInterval: time.Hour,
		Dial:                 dial,
	})
}

func TestConnectSendsJoin(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(func(context.Context, string) (Conn, error) { return conn, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	join := conn.next(t)
	if join.Type != protocol.TypeDocumentRequest {
		t.Fatalf("first frame = %s, want document-request", join.Type)
	}
	if join.DocumentID != "doc_1" || join.UserID != "user_a" {
		t.Errorf("join identity = %s/%s", join.DocumentID, join.UserID)
	}
}

// Messages sent while offline queue up and flush, in order, only after the
// post-reconnect document-response arrives.
func TestReconnectReplaysQueueInOrder(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	release := make(chan struct{})

	dialCount := 0
	dial := func(context.Context, string) (Conn, error) {
		dialCount++
		switch dialCount {
		case 1:
			return first, nil
		case 2:
			// One failed attempt between the two live connections.
			return nil, errors.New("relay unreachable")
		default:
			// Hold the reconnect until the test has queued its edits.
			<-release
			return second, nil
		}
	}

	m := newTestManager(dial)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if got := first.next(t); got.Type != protocol.TypeDocumentRequest {
		t.Fatalf("expected join, got %s", got.Type)
	}

	// Drop the connection, then compose three edits while offline.
	first.Close()
	for i, text := range []string{"one", "two", "three"} {
		operation := op.NewInsert("user_a", int64(i), 0, text)
		m.Send(protocol.MustNew(protocol.TypeOperation, "doc_1", "user_a", "Ada", operation))
	}
	if m.QueueLen() != 3 {
		t.Fatalf("queued = %d, want 3", m.QueueLen())
	}
	close(release)

	// The new connection gets a join; the queue must hold until the
	// relay's document-response.
	join := second.next(t)
	if join.Type != protocol.TypeDocumentRequest {
		t.Fatalf("expected join on reconnect, got %s", join.Type)
	}
	select {
	case data := <-second.outbound:
		t.Fatalf("queue flushed before document-response: %s", data)
	case <-time.After(20 * time.Millisecond):
	}

	second.serve(t, docResponse())
	for _, want := range []string{"one", "two", "three"} {
		msg := second.next(t)
		operation, err := msg.Operation()
		if err != nil {
			t.Fatalf("decode flushed op: %v", err)
		}
		if operation.Text != want {
			t.Errorf("flush out of order: got %q, want %q", operation.Text, want)
		}
	}
	if m.QueueLen() != 0 {
		t.Errorf("queue not drained: %d left", m.QueueLen())
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	m := New(Config{
		URL: "ws://test", DocumentID: "doc_1", UserID: "user_a",
		QueueCap: 3,
		Dial:     func(context.Context, string) (Conn, error) { return nil, errors.New("offline") },
	})

	var overflows int
	m.Observe(func(ev Event) {
		if ev.Kind == EventQueueOverflow {
			overflows++
		}
	})

	for i := 0; i < 5; i++ {
		operation := op.NewInsert("user_a", int64(i), 0, string(rune('a'+i)))
		m.Send(protocol.MustNew(protocol.TypeOperation, "doc_1", "user_a", "Ada", operation))
	}

	if m.QueueLen() != 3 {
		t.Errorf("queue length = %d, want cap 3", m.QueueLen())
	}
	if overflows != 2 {
		t.Errorf("overflow events = %d, want 2", overflows)
	}
	// The survivors are the newest three.
	m.mu.Lock()
	defer m.mu.Unlock()
	firstOp, _ := m.queue[0].Operation()
	if firstOp.Text != "c" {
		t.Errorf("oldest surviving message = %q, want %q", firstOp.Text, "c")
	}
}

// A message whose write fails mid-drop must keep its place ahead of
// anything queued after it, so the reconnect flush stays in send order.
func TestFailedWriteRequeuesAtHead(t *testing.T) {
	broken := newFakeConn()
	broken.Close()

	m := New(Config{URL: "ws://test", DocumentID: "doc_1", UserID: "user_a",
		Dial: func(context.Context, string) (Conn, error) { return broken, nil },
	})

	// Simulate an established link that dies under the first send while a
	// later edit has already been queued by the disconnect detection.
	queued := op.NewInsert("user_a", 1, 0, "second")
	m.mu.Lock()
	m.conn = broken
	m.state.IsConnected = true
	m.queue = []protocol.Message{
		protocol.MustNew(protocol.TypeOperation, "doc_1", "user_a", "Ada", queued),
	}
	m.mu.Unlock()

	first := op.NewInsert("user_a", 0, 0, "first")
	m.Send(protocol.MustNew(protocol.TypeOperation, "doc_1", "user_a", "Ada", first))

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(m.queue))
	}
	head, _ := m.queue[0].Operation()
	tail, _ := m.queue[1].Operation()
	if head.Text != "first" || tail.Text != "second" {
		t.Errorf("queue order = [%q, %q], want [%q, %q]", head.Text, tail.Text, "first", "second")
	}
	if m.state.IsConnected {
		t.Error("failed write should mark the link down")
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	dials := 0
	m := New(Config{
		URL: "ws://test", DocumentID: "doc_1", UserID: "user_a",
		MaxReconnectAttempts: 3,
		BaseReconnectDelay:   time.Millisecond,
		MaxReconnectDelay:    2 * time.Millisecond,
		Dial: func(context.Context, string) (Conn, error) {
			dials++
			return nil, errors.New("offline")
		},
	})

	var gaveUp bool
	m.Observe(func(ev Event) {
		if ev.Kind == EventGaveUp {
			gaveUp = true
		}
	})

	err := m.Run(context.Background())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("err = %v, want ErrGaveUp", err)
	}
	if dials != 3 {
		t.Errorf("dialed %d times, want 3", dials)
	}
	if !gaveUp {
		t.Error("gave-up event not emitted")
	}
	if m.State().ReconnectAttempts != 3 {
		t.Errorf("attempts = %d, want 3", m.State().ReconnectAttempts)
	}
}

func TestBackoffDoublesToCeiling(t *testing.T) {
	m := New(Config{
		URL: "ws://test", DocumentID: "doc_1", UserID: "user_a",
		BaseReconnectDelay: time.Second,
		MaxReconnectDelay:  10 * time.Second,
		Dial:               func(context.Context, string) (Conn, error) { return nil, errors.New("x") },
	})

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		if got := m.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPongUpdatesLatency(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(func(context.Context, string) (Conn, error) { return conn, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	conn.next(t) // join

	sent := time.Now().Add(-40 * time.Millisecond).UnixMilli()
	conn.serve(t, protocol.MustNew(protocol.TypePong, "doc_1", "relay", "",
		protocol.PingPayload{SentAtMillis: sent}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.State().Latency >= 40*time.Millisecond {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("latency not measured: %v", m.State().Latency)
}
