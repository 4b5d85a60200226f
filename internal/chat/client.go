package chat

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Client represents one admitted connection.
type Client struct {
	ID       string
	Conn     Conn
	Identity Identity

	// Outgoing is drained by the write loop. It is never closed;
	// writers select on Done instead.
	Outgoing chan []byte

	heartbeat *Heartbeat
	limiter   *rate.Limiter
	seq       uint64

	// onOverflow runs once, on its own goroutine, the first time Send
	// finds the queue full.
	onOverflow   func()
	overflowOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client with a fresh session handle.
func NewClient(conn Conn, identity Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		Identity: identity,
		Outgoing: make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Send queues data for the write loop. It never blocks: a full queue or
// a closed client drops the frame and returns false. A full queue also
// triggers the overflow callback, which the hub uses to evict the client.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Outgoing <- data:
		return true
	default:
		c.overflowOnce.Do(func() {
			if c.onOverflow != nil {
				go c.onOverflow()
			}
		})
		return false
	}
}

// Done is closed once the client has been shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Liveness returns the heartbeat state, or StateAlive when no heartbeat
// is attached.
func (c *Client) Liveness() LivenessState {
	if c.heartbeat == nil {
		return StateAlive
	}
	return c.heartbeat.State()
}

// shutdown stops the heartbeat and closes the transport once.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		if c.heartbeat != nil {
			c.heartbeat.Stop()
		}
		close(c.done)
		_ = c.Conn.Close()
	})
}
