// Package client implements a WebSocket chat client for the relay.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"sync"

	gobwas "github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/omochice/relay-chat/internal/transport/ws"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// ErrNotConnected is returned when sending without a connection.
var ErrNotConnected = errors.New("not connected to server")

// Client represents a WebSocket chat client.
type Client struct {
	address string
	token   string
	logger  zerolog.Logger

	mu       sync.RWMutex
	conn     *ws.Conn
	frames   chan protocol.Frame
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a client for the relay at address (ws:// or wss:// URL).
// token is sent as a bearer credential; an empty token connects
// anonymously.
func New(address, token string, logger zerolog.Logger) *Client {
	return &Client{
		address: address,
		token:   token,
		logger:  logger,
		frames:  make(chan protocol.Frame, 16),
		done:    make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts receiving
// frames.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := gobwas.Dialer{Header: gobwas.HandshakeHeaderHTTP(header)}

	netConn, br, _, err := dialer.Dial(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	conn := ws.NewClientConn(netConn, br)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveFrames(conn)

	return nil
}

// Disconnect closes the connection and waits for the receiver to stop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.doneOnce.Do(func() {
		close(c.done)
	})
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Frames returns the channel of decoded server frames. It is closed
// when the connection ends.
func (c *Client) Frames() <-chan protocol.Frame {
	return c.frames
}

// SendText sends a text message to recipient.
func (c *Client) SendText(ctx context.Context, recipient, text string) error {
	return c.Send(ctx, protocol.Inbound{Recipient: recipient, Text: text})
}

// SendFile sends data as an attachment named name, with optional text.
func (c *Client) SendFile(ctx context.Context, recipient, text, name string, data []byte) error {
	return c.Send(ctx, protocol.Inbound{
		Recipient: recipient,
		Text:      text,
		File: &protocol.File{
			Name: name,
			Data: DataURL(name, data),
		},
	})
}

// Send sends an inbound frame to the server.
func (c *Client) Send(ctx context.Context, in protocol.Inbound) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := in.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// DataURL encodes data the way browsers do for file inputs.
func DataURL(name string, data []byte) string {
	typ := mime.TypeByExtension(filepath.Ext(name))
	if typ == "" {
		typ = "application/octet-stream"
	}
	return "data:" + typ + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func (c *Client) receiveFrames(conn *ws.Conn) {
	defer c.wg.Done()
	defer close(c.frames)

	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}
