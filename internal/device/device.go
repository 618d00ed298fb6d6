// ABOUTME: Stable device identity for enrollment and sign-in
// ABOUTME: FileSource persists a generated UUID; Static is for tests

package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Source yields the identifier of the device this process runs on. The id
// must be stable across restarts so enrollments stay bound to the machine.
type Source interface {
	DeviceID(ctx context.Context) (string, error)
}

// FileSource persists a generated device id at a fixed path on first use
// and returns the same id ever after.
type FileSource struct {
	path string

	mu     sync.Mutex
	cached string
}

// NewFileSource creates a source backed by the given file path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// DeviceID returns the persisted device id, generating and writing one if
// the file does not exist yet.
func (s *FileSource) DeviceID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("device id file %s is empty", s.path)
		}
		s.cached = id
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return "", fmt.Errorf("creating device id directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing device id: %w", err)
	}

	s.cached = id
	return id, nil
}

// Static is a fixed device id, used in tests.
type Static string

func (s Static) DeviceID(ctx context.Context) (string, error) {
	return string(s), nil
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = Static("")
)
