package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// Eviction reasons.
const (
	ReasonClosed    = "closed"
	ReasonHeartbeat = "heartbeat"
	ReasonWrite     = "write"
	ReasonOverflow  = "overflow"
	ReasonShutdown  = "shutdown"
)

// HubConfig tunes per-connection behaviour.
type HubConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// SendBuffer is the outgoing queue length per connection.
	SendBuffer int
	// RatePerSecond limits inbound frames per connection; 0 disables it.
	RatePerSecond float64
	Burst         int
}

// Hub ties the registry, heartbeats, presence and relay together for
// every connection. All transports share a single Hub instance.
type Hub struct {
	cfg      HubConfig
	registry *Registry
	presence *Presence
	relay    *Relay
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig, ledger Ledger, attachments AttachmentStore, logger zerolog.Logger, m *metrics.Metrics) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	registry := NewRegistry()
	return &Hub{
		cfg:      cfg,
		registry: registry,
		presence: NewPresence(registry, logger, m),
		relay:    NewRelay(registry, ledger, attachments, logger, m),
		logger:   logger.With().Str("component", "hub").Logger(),
		metrics:  m,
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Presence returns the hub's presence broadcaster.
func (h *Hub) Presence() *Presence {
	return h.presence
}

// ClientCount returns number of admitted clients.
func (h *Hub) ClientCount() int {
	return h.registry.Len()
}

// Register admits conn under identity, starts its heartbeat and
// announces the new roster. identity may be the zero value for an
// anonymous connection.
func (h *Hub) Register(conn Conn, identity Identity) *Client {
	client := NewClient(conn, identity, h.cfg.SendBuffer)
	if h.cfg.RatePerSecond > 0 {
		burst := h.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), burst)
	}

	client.heartbeat = NewHeartbeat(
		h.cfg.ProbeInterval,
		h.cfg.ProbeTimeout,
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), h.probeWriteTimeout())
			defer cancel()
			return conn.Ping(ctx)
		},
		func() { h.Evict(client, ReasonHeartbeat) },
	)
	conn.SetPongHandler(client.heartbeat.Pong)
	// A reader that cannot keep up loses its connection rather than
	// silently missing frames.
	client.onOverflow = func() { h.Evict(client, ReasonOverflow) }

	h.registry.Admit(client)
	h.metrics.ConnectionAdmitted()
	client.heartbeat.Start()

	h.logger.Info().
		Str("session", client.ID).
		Str("user_id", identity.UserID).
		Str("remote", conn.RemoteAddr()).
		Bool("anonymous", !identity.Known()).
		Msg("client registered")

	h.presence.Announce()
	return client
}

// Evict shuts client down and, if it was still admitted, removes it and
// announces the new roster. It is safe to call from any goroutine and
// more than once; only the first call after admission announces.
func (h *Hub) Evict(client *Client, reason string) {
	client.shutdown()
	if !h.registry.Remove(client) {
		return
	}
	h.metrics.ConnectionEvicted(reason)
	h.logger.Info().
		Str("session", client.ID).
		Str("user_id", client.Identity.UserID).
		Str("reason", reason).
		Msg("client evicted")
	h.presence.Announce()
}

// HandleClient reads frames from client until the transport fails, then
// evicts it. Frames from anonymous connections, frames over the rate
// limit and undecodable frames are dropped.
func (h *Hub) HandleClient(ctx context.Context, client *Client) {
	logger := h.logger.With().Str("session", client.ID).Logger()
	defer h.Evict(client, ReasonClosed)

	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			if !isClosedErr(err) {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		if client.limiter != nil && !client.limiter.Allow() {
			logger.Warn().Msg("inbound rate exceeded, dropping frame")
			h.metrics.MessageRelayed(metrics.OutcomeDropped)
			continue
		}

		in, err := protocol.DecodeInbound(data)
		if err != nil {
			logger.Debug().Err(err).Msg("dropping undecodable frame")
			h.metrics.MessageRelayed(metrics.OutcomeDropped)
			continue
		}

		if _, err := h.relay.Handle(ctx, client, in); err != nil {
			logger.Error().
				Err(err).
				Bool("retryable", IsRetryable(err)).
				Str("recipient", in.Recipient).
				Msg("relay failed")
		}
	}
}

// WriteLoop drains client's outgoing queue until the client is shut
// down. A write failure evicts the client.
func (h *Hub) WriteLoop(ctx context.Context, client *Client) {
	for {
		select {
		case <-client.Done():
			return
		case <-ctx.Done():
			return
		case data := <-client.Outgoing:
			if err := client.Conn.Write(ctx, data); err != nil {
				if !isClosedErr(err) {
					h.logger.Debug().Err(err).Str("session", client.ID).Msg("write failed")
				}
				h.Evict(client, ReasonWrite)
				return
			}
		}
	}
}

// CloseAll evicts every admitted client.
func (h *Hub) CloseAll() {
	for _, c := range h.registry.Enumerate() {
		h.Evict(c, ReasonShutdown)
	}
}

func (h *Hub) probeWriteTimeout() time.Duration {
	if h.cfg.ProbeTimeout > 0 {
		return h.cfg.ProbeTimeout
	}
	return DefaultProbeTimeout
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
