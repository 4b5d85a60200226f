package protocol_test

import (
	"strings"
	"testing"

	"github.com/omochice/relay-chat/pkg/protocol"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    protocol.Inbound
		wantErr bool
	}{
		{
			name: "text message",
			data: `{"recipient":"u2","text":"hi"}`,
			want: protocol.Inbound{Recipient: "u2", Text: "hi"},
		},
		{
			name: "attachment only",
			data: `{"recipient":"u2","file":{"name":"photo.png","data":"data:image/png;base64,AAAA"}}`,
			want: protocol.Inbound{
				Recipient: "u2",
				File:      &protocol.File{Name: "photo.png", Data: "data:image/png;base64,AAAA"},
			},
		},
		{
			name: "missing recipient decodes to empty recipient",
			data: `{"text":"hi"}`,
			want: protocol.Inbound{Text: "hi"},
		},
		{
			name:    "not json",
			data:    `hello`,
			wantErr: true,
		},
		{
			name:    "empty",
			data:    ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.DecodeInbound([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeInbound() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Recipient != tt.want.Recipient {
				t.Errorf("Recipient = %q, want %q", got.Recipient, tt.want.Recipient)
			}
			if got.Text != tt.want.Text {
				t.Errorf("Text = %q, want %q", got.Text, tt.want.Text)
			}
			if (got.File == nil) != (tt.want.File == nil) {
				t.Fatalf("File = %v, want %v", got.File, tt.want.File)
			}
			if got.File != nil && *got.File != *tt.want.File {
				t.Errorf("File = %+v, want %+v", *got.File, *tt.want.File)
			}
		})
	}
}

func TestPresence_EncodeEmptyRoster(t *testing.T) {
	data, err := protocol.Presence{}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(data) != `{"online":[]}` {
		t.Errorf("Encode() = %s, want %s", data, `{"online":[]}`)
	}
}

func TestDelivery_EncodeOmitsAbsentFields(t *testing.T) {
	data, err := protocol.Delivery{Sender: "a", Recipient: "b", File: "1.png", ID: "m1"}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	s := string(data)
	if strings.Contains(s, `"text"`) {
		t.Errorf("Encode() = %s, text should be omitted", s)
	}
	if !strings.Contains(s, `"_id":"m1"`) {
		t.Errorf("Encode() = %s, want _id field", s)
	}
}

func TestDecodeFrame(t *testing.T) {
	t.Run("presence", func(t *testing.T) {
		frame, err := protocol.DecodeFrame([]byte(`{"online":[{"userId":"u1","username":"alice"}]}`))
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if frame.Presence == nil || frame.Delivery != nil {
			t.Fatalf("DecodeFrame() = %+v, want presence frame", frame)
		}
		if len(frame.Presence.Online) != 1 || frame.Presence.Online[0].Username != "alice" {
			t.Errorf("Online = %+v", frame.Presence.Online)
		}
	})

	t.Run("empty presence", func(t *testing.T) {
		frame, err := protocol.DecodeFrame([]byte(`{"online":[]}`))
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if frame.Presence == nil {
			t.Fatal("empty roster should still decode as presence")
		}
	})

	t.Run("delivery", func(t *testing.T) {
		frame, err := protocol.DecodeFrame([]byte(`{"text":"hi","sender":"a","recipient":"b","_id":"m1"}`))
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if frame.Delivery == nil {
			t.Fatalf("DecodeFrame() = %+v, want delivery frame", frame)
		}
		if frame.Delivery.ID != "m1" || frame.Delivery.Text != "hi" {
			t.Errorf("Delivery = %+v", *frame.Delivery)
		}
	})
}
