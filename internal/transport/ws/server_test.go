package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/transport/ws"
	"github.com/omochice/relay-chat/pkg/protocol"
)

type tokenResolver map[string]chat.Identity

func (r tokenResolver) Resolve(ctx context.Context, credential string) (chat.Identity, error) {
	id, ok := r[credential]
	if !ok {
		return chat.Identity{}, errors.New("unknown token")
	}
	return id, nil
}

type nopLedger struct {
	mu sync.Mutex
	n  int
}

func (l *nopLedger) Create(ctx context.Context, rec chat.Record) (chat.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	return chat.Receipt{ID: "id-" + rec.Sender, CreatedAt: time.Now()}, nil
}

func queryToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}

func newTestHandler(t *testing.T, reject bool) (*httptest.Server, *chat.Hub) {
	t.Helper()
	return newTestHandlerWith(t, func(o *ws.Options) { o.RejectAnonymous = reject })
}

func newTestHandlerWith(t *testing.T, mutate func(*ws.Options)) (*httptest.Server, *chat.Hub) {
	t.Helper()
	hub := chat.NewHub(chat.HubConfig{ProbeInterval: time.Hour, ProbeTimeout: time.Hour}, &nopLedger{}, nil, zerolog.Nop(), nil)
	opts := ws.Options{
		Resolver: tokenResolver{
			"ta": {UserID: "A", Username: "alice"},
			"tb": {UserID: "B", Username: "bob"},
		},
		Credential: queryToken,
	}
	if mutate != nil {
		mutate(&opts)
	}
	handler := ws.NewHandler(hub, opts, zerolog.Nop())
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		handler.Close()
	})
	return srv, hub
}

func readFrame(t *testing.T, conn *ws.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	frame, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	return frame
}

func TestHandler_RegistersAndAnnounces(t *testing.T) {
	srv, hub := newTestHandler(t, false)

	conn := dial(t, srv.URL+"?token=ta")
	frame := readFrame(t, conn)
	require.NotNil(t, frame.Presence)
	assert.Equal(t, []protocol.Peer{{UserID: "A", Username: "alice"}}, frame.Presence.Online)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHandler_RelaysBetweenClients(t *testing.T) {
	srv, _ := newTestHandler(t, false)

	a := dial(t, srv.URL+"?token=ta")
	readFrame(t, a)
	b := dial(t, srv.URL+"?token=tb")
	readFrame(t, b)
	readFrame(t, a)

	data, err := protocol.Inbound{Recipient: "B", Text: "hello"}.Encode()
	require.NoError(t, err)
	require.NoError(t, a.Write(context.Background(), data))

	frame := readFrame(t, b)
	require.NotNil(t, frame.Delivery)
	assert.Equal(t, "hello", frame.Delivery.Text)
	assert.Equal(t, "A", frame.Delivery.Sender)
	assert.Equal(t, "B", frame.Delivery.Recipient)
}

func TestHandler_DisconnectEvicts(t *testing.T) {
	srv, hub := newTestHandler(t, false)

	a := dial(t, srv.URL+"?token=ta")
	readFrame(t, a)
	b := dial(t, srv.URL+"?token=tb")
	readFrame(t, b)
	readFrame(t, a)

	require.NoError(t, b.Close())

	frame := readFrame(t, a)
	require.NotNil(t, frame.Presence)
	assert.Equal(t, []protocol.Peer{{UserID: "A", Username: "alice"}}, frame.Presence.Online)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandler_AnonymousAdmitted(t *testing.T) {
	srv, hub := newTestHandler(t, false)

	conn := dial(t, srv.URL+"?token=bogus")
	frame := readFrame(t, conn)
	require.NotNil(t, frame.Presence)
	assert.Empty(t, frame.Presence.Online)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHandler_RejectAnonymous(t *testing.T) {
	srv, hub := newTestHandler(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := gobwas.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.ClientCount())
}

func dialWithOrigin(ctx context.Context, url, origin string) error {
	dialer := gobwas.Dialer{
		Header: gobwas.HandshakeHeaderHTTP(http.Header{"Origin": []string{origin}}),
	}
	conn, _, _, err := dialer.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"))
	if err != nil {
		return err
	}
	return conn.Close()
}

func TestHandler_ForeignOriginRefused(t *testing.T) {
	srv, hub := newTestHandlerWith(t, func(o *ws.Options) {
		o.AllowedOrigins = []string{"http://good.example"}
	})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"?token=ta", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, dialWithOrigin(ctx, srv.URL+"?token=ta", "http://evil.example"))
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHandler_AllowedAndSameOrigin(t *testing.T) {
	srv, hub := newTestHandlerWith(t, func(o *ws.Options) {
		o.AllowedOrigins = []string{"http://good.example"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dialWithOrigin(ctx, srv.URL+"?token=ta", "http://good.example"))
	require.NoError(t, dialWithOrigin(ctx, srv.URL+"?token=tb", srv.URL))

	// Clients that send no Origin, such as the CLI, are not browsers.
	conn := dial(t, srv.URL+"?token=ta")
	readFrame(t, conn)

	// The two earlier sockets were closed by the dialer and get evicted.
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_OversizedMessageEvicts(t *testing.T) {
	srv, hub := newTestHandlerWith(t, func(o *ws.Options) { o.ReadLimit = 1024 })

	a := dial(t, srv.URL+"?token=ta")
	readFrame(t, a)
	require.Equal(t, 1, hub.ClientCount())

	big := make([]byte, 64<<10)
	for i := range big {
		big[i] = 'x'
	}
	// The server may reset the socket before the write completes.
	_ = a.Write(context.Background(), big)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_FragmentedOversizedMessageEvicts(t *testing.T) {
	srv, hub := newTestHandlerWith(t, func(o *ws.Options) { o.ReadLimit = 1024 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	netConn, _, _, err := gobwas.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?token=ta")
	require.NoError(t, err)
	defer netConn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// Every fragment is under the limit; the message as a whole is not.
	w := wsutil.NewWriterSize(netConn, gobwas.StateClientSide, gobwas.OpText, 512)
	chunk := []byte(strings.Repeat("y", 512))
	for i := 0; i < 8; i++ {
		if _, err := w.Write(chunk); err != nil {
			break
		}
	}
	_ = w.Flush()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
