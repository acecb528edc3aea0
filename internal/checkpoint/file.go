package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// FileStore keeps the checkpoint as a JSON document on local disk. Saves go to
// a temporary file in the same directory which is synced and renamed over
// the previous checkpoint.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger.With("component", "checkpoint", "path", path)}
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the checkpoint file.
func (s *FileStore) Load(_ context.Context) (*Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	rec, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.logger.Debug("checkpoint loaded", "trials", len(rec.Run.Trials))
	return rec, nil
}

// Save atomically replaces the checkpoint file.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	committed = true

	// Persist the rename itself. Not all platforms allow syncing a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	s.logger.Debug("checkpoint saved", "trials", len(rec.Run.Trials), "bytes", len(data))
	return nil
}

// Close is a no-op for files.
func (s *FileStore) Close() error { return nil }
