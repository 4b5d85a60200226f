package ledger

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/relay-chat/internal/chat"
)

// Records are stored as a protobuf Struct so fields can be added
// without a schema migration.

func encode(msg chat.Message) ([]byte, error) {
	fields := map[string]any{
		"_id":       msg.ID,
		"sender":    msg.Sender,
		"recipient": msg.Recipient,
		"createdAt": msg.CreatedAt.Format(time.RFC3339Nano),
	}
	if msg.Text != "" {
		fields["text"] = msg.Text
	}
	if msg.File != "" {
		fields["file"] = msg.File
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return proto.Marshal(s)
}

func decode(data []byte) (chat.Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return chat.Message{}, fmt.Errorf("decode message: %w", err)
	}

	str := func(name string) string {
		return s.GetFields()[name].GetStringValue()
	}
	createdAt, err := time.Parse(time.RFC3339Nano, str("createdAt"))
	if err != nil {
		return chat.Message{}, fmt.Errorf("decode message: createdAt: %w", err)
	}

	return chat.Message{
		ID:        str("_id"),
		Sender:    str("sender"),
		Recipient: str("recipient"),
		Text:      str("text"),
		File:      str("file"),
		CreatedAt: createdAt,
	}, nil
}
