package chat_test

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	pingErr    error
	autoPong   bool
	pings      int
	onPong     func()
	closed     bool
	closeCh    chan struct{}
	closeOnce  sync.Once
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		closeCh:    make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closeCh:
		return nil, io.EOF
	case data := <-m.readCh:
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Ping(ctx context.Context) error {
	m.writtenMu.Lock()
	m.pings++
	err := m.pingErr
	pong := m.onPong
	auto := m.autoPong
	m.writtenMu.Unlock()

	if err != nil {
		return err
	}
	if auto && pong != nil {
		go pong()
	}
	return nil
}

func (m *mockConn) SetPongHandler(fn func()) {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.onPong = fn
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		m.writtenMu.Lock()
		m.closed = true
		m.writtenMu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *mockConn) IsClosed() bool {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.closed
}

func (m *mockConn) PingCount() int {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.pings
}

// drain returns every frame queued on the client without a write loop.
func drain(c *chat.Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.Outgoing:
			out = append(out, data)
		default:
			return out
		}
	}
}

// deliveries decodes the delivery frames among frames.
func deliveries(frames [][]byte) []protocol.Delivery {
	var out []protocol.Delivery
	for _, f := range frames {
		frame, err := protocol.DecodeFrame(f)
		if err == nil && frame.Delivery != nil {
			out = append(out, *frame.Delivery)
		}
	}
	return out
}

// presences decodes the presence frames among frames.
func presences(frames [][]byte) []protocol.Presence {
	var out []protocol.Presence
	for _, f := range frames {
		frame, err := protocol.DecodeFrame(f)
		if err == nil && frame.Presence != nil {
			out = append(out, *frame.Presence)
		}
	}
	return out
}

var errBoom = errors.New("boom")

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
