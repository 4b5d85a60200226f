package chat

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omochice/relay-chat/internal/metrics"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// AttachmentStore persists an inbound attachment and returns its
// reference name.
type AttachmentStore interface {
	Store(ctx context.Context, name, payload string) (string, error)
}

// Relay turns one inbound frame into a ledger record plus delivery
// frames for the recipient's connections.
type Relay struct {
	registry    *Registry
	ledger      Ledger
	attachments AttachmentStore
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewRelay creates a Relay. attachments may be nil, in which case every
// attachment is dropped.
func NewRelay(registry *Registry, ledger Ledger, attachments AttachmentStore, logger zerolog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		registry:    registry,
		ledger:      ledger,
		attachments: attachments,
		logger:      logger.With().Str("component", "relay").Logger(),
		metrics:     m,
	}
}

// Handle relays one inbound frame from sender.
//
// Malformed frames (anonymous sender, no recipient, nothing to send) are
// dropped and return a nil message and a nil error. A ledger failure
// aborts delivery and returns an error wrapping ErrLedgerWrite. On
// success the persisted message is returned after every delivery frame
// has been queued.
func (r *Relay) Handle(ctx context.Context, sender *Client, in protocol.Inbound) (*Message, error) {
	logger := r.logger.With().Str("session", sender.ID).Logger()

	if !sender.Identity.Known() {
		logger.Debug().Msg("dropping frame from anonymous connection")
		r.metrics.MessageRelayed(metrics.OutcomeDropped)
		return nil, nil
	}
	if in.Recipient == "" {
		logger.Debug().Msg("dropping frame without recipient")
		r.metrics.MessageRelayed(metrics.OutcomeDropped)
		return nil, nil
	}

	var ref string
	if in.File != nil {
		ref = r.storeAttachment(ctx, logger, in.File)
	}

	if in.Text == "" && ref == "" {
		logger.Debug().Str("recipient", in.Recipient).Msg("dropping empty message")
		r.metrics.MessageRelayed(metrics.OutcomeDropped)
		return nil, nil
	}

	rec := Record{
		Sender:    sender.Identity.UserID,
		Recipient: in.Recipient,
		Text:      in.Text,
		File:      ref,
	}
	receipt, err := r.ledger.Create(ctx, rec)
	if err != nil {
		r.metrics.MessageRelayed(metrics.OutcomeFailed)
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	msg := &Message{
		ID:        receipt.ID,
		Sender:    rec.Sender,
		Recipient: rec.Recipient,
		Text:      rec.Text,
		File:      rec.File,
		CreatedAt: receipt.CreatedAt,
	}

	delivered := r.deliver(logger, msg)
	r.metrics.MessageRelayed(metrics.OutcomeDelivered)
	r.metrics.Delivered(delivered)

	logger.Info().
		Str("message_id", msg.ID).
		Str("sender", msg.Sender).
		Str("recipient", msg.Recipient).
		Bool("attachment", msg.File != "").
		Int("delivered", delivered).
		Msg("message relayed")
	return msg, nil
}

func (r *Relay) storeAttachment(ctx context.Context, logger zerolog.Logger, file *protocol.File) string {
	if r.attachments == nil {
		logger.Warn().Str("name", file.Name).Msg("no attachment store configured, dropping attachment")
		return ""
	}
	ref, err := r.attachments.Store(ctx, file.Name, file.Data)
	if err != nil {
		logger.Warn().Err(err).Str("name", file.Name).Msg("dropping attachment")
		return ""
	}
	return ref
}

func (r *Relay) deliver(logger zerolog.Logger, msg *Message) int {
	frame := protocol.Delivery{
		Text:      msg.Text,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		File:      msg.File,
		ID:        msg.ID,
	}
	data, err := frame.Encode()
	if err != nil {
		logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to encode delivery frame")
		return 0
	}

	delivered := 0
	for _, c := range r.registry.FindByUserID(msg.Recipient) {
		if c.Send(data) {
			delivered++
			continue
		}
		logger.Warn().
			Str("message_id", msg.ID).
			Str("target", c.ID).
			Msg("delivery frame not queued")
	}
	return delivered
}
