package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// SessionFileExt is appended to the session key to name its file
	SessionFileExt = ".sdp"

	outputDirMode   = 0o755
	sessionFileMode = 0o644
)

// Store mirrors session payloads into one file per session key
type Store struct {
	dir string
}

// NewStore creates dir if needed and returns a store rooted there
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, outputDirMode); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the output directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file that holds the session with key
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+SessionFileExt)
}

// Write atomically replaces the file for key with payload
func (s *Store) Write(key string, payload []byte) (string, error) {
	path := s.Path(key)
	if err := writeAtomic(path, payload, sessionFileMode); err != nil {
		return "", fmt.Errorf("write session %q: %w", key, err)
	}
	return path, nil
}

// Remove deletes the file for key. A missing file is not an error.
func (s *Store) Remove(key string) error {
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session %q: %w", key, err)
	}
	return nil
}

// writeAtomic writes data to a hidden temp file next to path and renames it
// over path, so readers see either the old or the new content.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	cleanup = false
	return nil
}
