// Package protocol defines the JSON frames exchanged with relay clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyFrame is returned when a frame carries no bytes.
var ErrEmptyFrame = errors.New("empty frame")

// File is an attachment as sent by a client. Data is base64, optionally
// prefixed with a data URL header such as "data:image/png;base64,".
type File struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Inbound is the only frame a client sends.
type Inbound struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text,omitempty"`
	File      *File  `json:"file,omitempty"`
}

// Peer is one roster entry of a presence frame.
type Peer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Presence lists every identified user currently online.
type Presence struct {
	Online []Peer `json:"online"`
}

// Delivery is pushed to each connection of a message's recipient.
type Delivery struct {
	Text      string `json:"text,omitempty"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	File      string `json:"file,omitempty"`
	ID        string `json:"_id"`
}

// Frame is a decoded server-to-client frame. Exactly one field is set.
type Frame struct {
	Presence *Presence
	Delivery *Delivery
}

// DecodeInbound parses a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if len(data) == 0 {
		return in, ErrEmptyFrame
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("failed to decode inbound frame: %w", err)
	}
	return in, nil
}

// Encode encodes the inbound frame.
func (in Inbound) Encode() ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inbound frame: %w", err)
	}
	return data, nil
}

// Encode encodes the presence frame. A nil roster is sent as an empty
// list so clients always see the "online" key.
func (p Presence) Encode() ([]byte, error) {
	if p.Online == nil {
		p.Online = []Peer{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode presence frame: %w", err)
	}
	return data, nil
}

// Encode encodes the delivery frame.
func (d Delivery) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a server frame. Frames carrying an "online" key are
// presence frames; everything else is a delivery.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var probe struct {
		Online json.RawMessage `json:"online"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	if probe.Online != nil {
		var p Presence
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, fmt.Errorf("failed to decode presence frame: %w", err)
		}
		return Frame{Presence: &p}, nil
	}

	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return Frame{}, fmt.Errorf("failed to decode delivery frame: %w", err)
	}
	return Frame{Delivery: &d}, nil
}
