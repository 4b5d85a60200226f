package ws

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/omochice/relay-chat/internal/chat"
)

// Options configures how a Handler identifies connecting clients.
type Options struct {
	// Resolver maps a credential to an identity. A nil Resolver makes
	// every connection anonymous.
	Resolver chat.IdentityResolver
	// Credential extracts the raw credential from the upgrade request.
	Credential func(*http.Request) string
	// RejectAnonymous refuses the upgrade with 401 when no identity can
	// be resolved.
	RejectAnonymous bool
	// AllowedOrigins lists browser origins allowed to open a socket. A
	// request whose Origin is neither listed nor the server's own host is
	// refused with 403. Requests without an Origin header are allowed.
	AllowedOrigins []string
	// ReadLimit caps the size of one inbound message; 0 means unlimited.
	ReadLimit int64
}

// Handler upgrades HTTP requests to WebSocket connections and delegates
// them to a Hub.
type Handler struct {
	hub    *chat.Hub
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewHandler creates a WebSocket handler that uses the provided Hub.
func NewHandler(hub *chat.Hub, opts Options, logger zerolog.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		hub:    hub,
		opts:   opts,
		logger: logger.With().Str("component", "ws").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		h.logger.Warn().
			Str("origin", r.Header.Get("Origin")).
			Str("remote", r.RemoteAddr).
			Msg("websocket origin refused")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	identity := h.identify(r)
	if !identity.Known() && h.opts.RejectAnonymous {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewServerConn(netConn, rw.Reader, r.RemoteAddr)
	conn.SetReadLimit(h.opts.ReadLimit)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		conn.Close()
		return
	}
	client := h.hub.Register(conn, identity)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.hub.HandleClient(h.ctx, client)
	}()
	go func() {
		defer h.wg.Done()
		h.hub.WriteLoop(h.ctx, client)
	}()
}

// Close stops every connection goroutine started by the handler and
// waits for them to exit.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.hub.CloseAll()
	h.wg.Wait()
}

func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h *Handler) identify(r *http.Request) chat.Identity {
	if h.opts.Resolver == nil || h.opts.Credential == nil {
		return chat.Identity{}
	}
	credential := h.opts.Credential(r)
	if credential == "" {
		return chat.Identity{}
	}
	identity, err := h.opts.Resolver.Resolve(r.Context(), credential)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("credential rejected, treating as anonymous")
		return chat.Identity{}
	}
	return identity
}
