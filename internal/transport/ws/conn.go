// Package ws provides WebSocket transport implementation for the chat server.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const defaultWriteTimeout = 10 * time.Second

// ErrMessageTooLarge is returned by Read when an inbound message exceeds
// the read limit. The connection is unusable afterwards.
var ErrMessageTooLarge = errors.New("websocket message too large")

// Conn adapts a gobwas/ws connection to chat.Conn. The same type serves
// both ends; state selects masking and frame checks.
type Conn struct {
	conn       net.Conn
	state      ws.State
	reader     *wsutil.Reader
	readLimit  int64
	remoteAddr string

	writeTimeout time.Duration
	writeMu      sync.Mutex

	pongMu sync.RWMutex
	onPong func()

	closeOnce sync.Once
	closeErr  error
}

// NewServerConn wraps the server side of an upgraded connection. br is
// the buffered reader returned by the upgrade and may be nil.
func NewServerConn(conn net.Conn, br *bufio.Reader, remoteAddr string) *Conn {
	return newConn(conn, br, ws.StateServerSide, remoteAddr)
}

// NewClientConn wraps the client side of a dialed connection. br is the
// buffered reader returned by the dialer and may be nil.
func NewClientConn(conn net.Conn, br *bufio.Reader) *Conn {
	return newConn(conn, br, ws.StateClientSide, conn.RemoteAddr().String())
}

func newConn(conn net.Conn, br *bufio.Reader, state ws.State, remoteAddr string) *Conn {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c := &Conn{
		conn:         conn,
		state:        state,
		remoteAddr:   remoteAddr,
		writeTimeout: defaultWriteTimeout,
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          state,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// SetReadLimit caps inbound messages at n bytes, counted across
// fragments. n <= 0 removes the limit. Call it before the first Read.
func (c *Conn) SetReadLimit(n int64) {
	if n < 0 {
		n = 0
	}
	c.readLimit = n
	c.reader.MaxFrameSize = n
}

// Read implements chat.Conn.
// Reads the next data message, answering control frames on the way.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	for {
		hdr, err := c.reader.NextFrame()
		if errors.Is(err, wsutil.ErrFrameTooLarge) {
			return nil, fmt.Errorf("%w: frame of %d bytes", ErrMessageTooLarge, hdr.Length)
		}
		if err != nil {
			return nil, err
		}

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}

		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		return c.readMessage()
	}
}

func (c *Conn) readMessage() ([]byte, error) {
	if c.readLimit <= 0 {
		return io.ReadAll(c.reader)
	}

	data, err := io.ReadAll(io.LimitReader(c.reader, c.readLimit+1))
	if errors.Is(err, wsutil.ErrFrameTooLarge) {
		return nil, fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
	}
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.readLimit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, c.readLimit)
	}
	return data, nil
}

// Write implements chat.Conn.
// Writes a text message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.writeFrame(ctx, ws.OpText, data)
}

// Ping implements chat.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	return c.writeFrame(ctx, ws.OpPing, nil)
}

// SetPongHandler implements chat.Conn.
func (c *Conn) SetPongHandler(fn func()) {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	c.onPong = fn
}

// Close implements chat.Conn.
// Sends a close frame unless a write is in progress, then closes the
// socket. A stuck writer must not delay eviction.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			c.writeMu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) writeFrame(ctx context.Context, op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck

	return wsutil.WriteMessage(c.conn, c.state, op, payload)
}

// handleControl consumes a control frame. Pings are answered, pongs are
// reported to the pong handler and a close frame ends the connection.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		return c.writeFrame(ctx, ws.OpPong, payload)
	case ws.OpPong:
		c.pongMu.RLock()
		fn := c.onPong
		c.pongMu.RUnlock()
		if fn != nil {
			fn()
		}
		return nil
	case ws.OpClose:
		return io.EOF
	default:
		return nil
	}
}
