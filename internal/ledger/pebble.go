// Package ledger persists relayed messages in a Pebble database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/omochice/relay-chat/internal/chat"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("message not found")

const messagePrefix = "msg:"

// Pebble implements chat.Ledger. Every Create is synced to disk before
// it returns, so a receipt id is never handed out for a record that
// could be lost.
type Pebble struct {
	db  *pebble.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Pebble, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Pebble{db: db, now: time.Now}, nil
}

// Close closes the database.
func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Create implements chat.Ledger.
func (p *Pebble) Create(ctx context.Context, rec chat.Record) (chat.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chat.Receipt{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return chat.Receipt{}, err
	}
	msg := chat.Message{
		ID:        id.String(),
		Sender:    rec.Sender,
		Recipient: rec.Recipient,
		Text:      rec.Text,
		File:      rec.File,
		CreatedAt: p.now().UTC(),
	}

	value, err := encode(msg)
	if err != nil {
		return chat.Receipt{}, err
	}
	if err := p.db.Set(key(msg.ID), value, pebble.Sync); err != nil {
		return chat.Receipt{}, err
	}

	return chat.Receipt{ID: msg.ID, CreatedAt: msg.CreatedAt}, nil
}

// Get returns the message stored under id.
func (p *Pebble) Get(id string) (chat.Message, error) {
	v, closer, err := p.db.Get(key(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return chat.Message{}, err
	}
	defer closer.Close()

	return decode(v)
}

func key(id string) []byte {
	return []byte(messagePrefix + id)
}

var _ chat.Ledger = (*Pebble)(nil)
