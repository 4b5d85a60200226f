package chat

import (
	"context"
	"errors"
	"time"
)

// ErrLedgerWrite marks a relay failure caused by the ledger. The message
// was not delivered and the caller may retry it.
var ErrLedgerWrite = errors.New("ledger write failed")

// IsRetryable reports whether a relay error may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerWrite)
}

// Record is what the relay asks the ledger to persist.
type Record struct {
	Sender    string
	Recipient string
	Text      string
	File      string
}

// Receipt is returned by the ledger for a persisted record.
type Receipt struct {
	ID        string
	CreatedAt time.Time
}

// Ledger is the durable message store. The relay only writes to it.
type Ledger interface {
	Create(ctx context.Context, rec Record) (Receipt, error)
}

// Message is a persisted record as seen by the relay.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Text      string
	File      string
	CreatedAt time.Time
}
