package chat_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/pkg/protocol"
)

func TestPresence_AnnounceToEveryConnection(t *testing.T) {
	reg := chat.NewRegistry()
	p := chat.NewPresence(reg, zerolog.Nop(), nil)

	a := newClient("A", "alice")
	b1 := newClient("B", "bob")
	b2 := newClient("B", "bob")
	anon := chat.NewClient(newMockConn("127.0.0.1:9"), chat.Identity{}, 10)
	for _, c := range []*chat.Client{a, b1, b2, anon} {
		reg.Admit(c)
	}

	sent := p.Announce()
	assert.Equal(t, 4, sent)

	want := protocol.Presence{Online: []protocol.Peer{
		{UserID: "A", Username: "alice"},
		{UserID: "B", Username: "bob"},
	}}
	for _, c := range []*chat.Client{a, b1, b2, anon} {
		got := presences(drain(c))
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0])
	}
}

func TestPresence_SnapshotTracksRegistry(t *testing.T) {
	reg := chat.NewRegistry()
	p := chat.NewPresence(reg, zerolog.Nop(), nil)

	assert.Empty(t, p.Snapshot().Online)

	a := newClient("A", "alice")
	reg.Admit(a)
	assert.Equal(t, []protocol.Peer{{UserID: "A", Username: "alice"}}, p.Snapshot().Online)

	reg.Remove(a)
	assert.Empty(t, p.Snapshot().Online)
}

func TestPresence_FullQueueDoesNotBlock(t *testing.T) {
	reg := chat.NewRegistry()
	p := chat.NewPresence(reg, zerolog.Nop(), nil)

	slow := chat.NewClient(newMockConn("127.0.0.1:1"), chat.Identity{UserID: "S", Username: "slow"}, 1)
	reg.Admit(slow)

	assert.Equal(t, 1, p.Announce())
	assert.Equal(t, 0, p.Announce(), "queue of one is full")
}
