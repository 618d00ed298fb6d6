// ABOUTME: Persistence medium abstraction for the account collection
// ABOUTME: Whole-collection read/write contract with a file-backed implementation

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrAbsent is returned by ReadAll when nothing has been persisted yet.
var ErrAbsent = errors.New("no persisted account collection")

// Medium is the external persistence boundary for the account collection.
// Both operations move the whole serialized collection; there are no partial
// updates.
type Medium interface {
	ReadAll(ctx context.Context) ([]byte, error)
	WriteAll(ctx context.Context, data []byte) error
}

// FileMedium persists the serialized account collection as a single file.
// Writes go through a temp file and rename so a crash mid-write never leaves
// a truncated collection behind.
type FileMedium struct {
	path string
}

// NewFileMedium creates a file medium at the given path. Parent directories
// are created on first write.
func NewFileMedium(path string) *FileMedium {
	return &FileMedium{path: path}
}

// ReadAll returns the persisted collection, or ErrAbsent if the file does
// not exist yet.
func (m *FileMedium) ReadAll(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("reading account collection: %w", err)
	}
	return data, nil
}

// WriteAll replaces the persisted collection.
func (m *FileMedium) WriteAll(ctx context.Context, data []byte) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing account collection: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replacing account collection: %w", err)
	}
	return nil
}

// Verify FileMedium implements Medium at compile time.
var _ Medium = (*FileMedium)(nil)
