package chat_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/omochice/relay-chat/internal/chat"
)

// memLedger is an in-memory chat.Ledger.
type memLedger struct {
	mu      sync.Mutex
	records []chat.Record
	err     error
}

func (l *memLedger) Create(ctx context.Context, rec chat.Record) (chat.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return chat.Receipt{}, l.err
	}
	l.records = append(l.records, rec)
	return chat.Receipt{
		ID:        fmt.Sprintf("msg-%d", len(l.records)),
		CreatedAt: time.Now(),
	}, nil
}

func (l *memLedger) Records() []chat.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]chat.Record, len(l.records))
	copy(out, l.records)
	return out
}

// stubAttachments returns "<n>.<ext>" references and fails names
// without an extension.
type stubAttachments struct {
	mu    sync.Mutex
	calls int
}

func (s *stubAttachments) Store(ctx context.Context, name, payload string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return "", fmt.Errorf("malformed name %q", name)
	}
	return fmt.Sprintf("%d%s", 1700000000000+s.calls, name[i:]), nil
}
