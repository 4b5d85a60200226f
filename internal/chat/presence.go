package chat

import (
	"github.com/rs/zerolog"

	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// Presence pushes the online roster to every admitted connection.
type Presence struct {
	registry *Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewPresence creates a Presence over registry.
func NewPresence(registry *Registry, logger zerolog.Logger, m *metrics.Metrics) *Presence {
	return &Presence{
		registry: registry,
		logger:   logger.With().Str("component", "presence").Logger(),
		metrics:  m,
	}
}

// Snapshot builds the roster from the current registry contents: one
// entry per identified user, in order of that user's first admitted
// connection. Anonymous connections are left out.
func (p *Presence) Snapshot() protocol.Presence {
	return snapshotOf(p.registry.Enumerate())
}

// Announce sends the identical snapshot to every admitted connection,
// anonymous ones included, and returns the number of connections that
// accepted the frame.
func (p *Presence) Announce() int {
	clients := p.registry.Enumerate()
	snapshot := snapshotOf(clients)

	data, err := snapshot.Encode()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode presence frame")
		return 0
	}

	sent := 0
	for _, c := range clients {
		if c.Send(data) {
			sent++
			continue
		}
		p.logger.Warn().Str("session", c.ID).Msg("presence frame not queued")
	}

	p.metrics.Broadcast()
	p.logger.Debug().
		Int("online", len(snapshot.Online)).
		Int("connections", len(clients)).
		Msg("presence announced")
	return sent
}

func snapshotOf(clients []*Client) protocol.Presence {
	seen := make(map[string]bool, len(clients))
	online := make([]protocol.Peer, 0, len(clients))
	for _, c := range clients {
		if !c.Identity.Known() || seen[c.Identity.UserID] {
			continue
		}
		seen[c.Identity.UserID] = true
		online = append(online, protocol.Peer{
			UserID:   c.Identity.UserID,
			Username: c.Identity.Username,
		})
	}
	return protocol.Presence{Online: online}
}
