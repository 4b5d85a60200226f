// Package attachment decodes inbound file payloads and persists them
// under generated reference names.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/relay-chat/internal/metrics"
)

var (
	// ErrMalformedName is returned for names without a usable extension.
	ErrMalformedName = errors.New("malformed attachment name")
	// ErrDecode is returned when the payload is not valid base64.
	ErrDecode = errors.New("attachment decode failed")
	// ErrTooLarge is returned when the decoded payload exceeds the limit.
	ErrTooLarge = errors.New("attachment too large")
)

// Failure stages reported to metrics.
const (
	StageName   = "name"
	StageDecode = "decode"
	StageSize   = "size"
	StageWrite  = "write"
)

// Writer persists decoded bytes under a reference name.
type Writer interface {
	Write(ctx context.Context, name string, data []byte) error
}

// Options configures a Store.
type Options struct {
	// MaxBytes caps the decoded size; 0 means unlimited.
	MaxBytes int64
	// SyncWrites makes Store wait for the write and report its failure.
	// By default writes are detached and failures are only logged.
	SyncWrites bool
}

// Store implements chat.AttachmentStore.
type Store struct {
	writer  Writer
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewStore creates a Store that hands decoded payloads to w.
func NewStore(w Writer, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		writer:  w,
		opts:    opts,
		logger:  logger.With().Str("component", "attachments").Logger(),
		metrics: m,
	}
}

// Store validates name, decodes payload and schedules the write. The
// returned reference is valid as soon as Store returns; with detached
// writes the file may appear slightly later, or never if the write fails.
func (s *Store) Store(ctx context.Context, name, payload string) (string, error) {
	ext, err := Extension(name)
	if err != nil {
		s.metrics.AttachmentFailed(StageName)
		return "", err
	}

	data, err := Decode(payload)
	if err != nil {
		s.metrics.AttachmentFailed(StageDecode)
		return "", err
	}
	if s.opts.MaxBytes > 0 && int64(len(data)) > s.opts.MaxBytes {
		s.metrics.AttachmentFailed(StageSize)
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	ref, err := Reference(ext)
	if err != nil {
		return "", err
	}

	if s.opts.SyncWrites {
		if err := s.write(ctx, ref, data); err != nil {
			return "", err
		}
		return ref, nil
	}

	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.write(detached, ref, data)
	}()
	return ref, nil
}

// Wait blocks until every detached write has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

func (s *Store) write(ctx context.Context, ref string, data []byte) error {
	if err := s.writer.Write(ctx, ref, data); err != nil {
		s.metrics.AttachmentFailed(StageWrite)
		s.logger.Error().Err(err).Str("ref", ref).Msg("attachment write failed")
		return err
	}
	s.metrics.AttachmentStored()
	s.logger.Debug().Str("ref", ref).Int("bytes", len(data)).Msg("attachment saved")
	return nil
}

// Extension returns the substring after the last dot in name.
func Extension(name string) (string, error) {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return "", fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	ext := name[i+1:]
	if strings.ContainsAny(ext, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	return ext, nil
}

// Decode strips an optional data URL prefix ("data:image/png;base64,")
// and decodes the remaining standard base64.
func Decode(payload string) ([]byte, error) {
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return data, nil
}

// Reference builds a new reference name for ext. The prefix is a
// time-ordered UUID so names sort by upload time and never collide.
func Reference(ext string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String() + "." + ext, nil
}
