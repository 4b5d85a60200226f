package attachment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirWriter writes attachments as files in a directory.
type DirWriter struct {
	dir string
}

// NewDirWriter creates dir if needed and returns a writer for it.
func NewDirWriter(dir string) (*DirWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &DirWriter{dir: dir}, nil
}

// Dir returns the directory attachments are written to.
func (w *DirWriter) Dir() string {
	return w.dir
}

// Write stores data under name. The file is written to a temporary name
// first so a partially written attachment is never served.
func (w *DirWriter) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", ErrMalformedName, name)
	}

	tmp, err := os.CreateTemp(w.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(w.dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

var _ Writer = (*DirWriter)(nil)
