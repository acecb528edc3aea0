// Package checkpoint persists run state so an interrupted run can resume
// without resubmitting finished trials.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/trialopt/pkg/model"
)

// Version is the current checkpoint document version.
const Version = 1

// Record is one complete checkpoint. It is always written and replaced whole.
type Record struct {
	Version  int             `json:"version"`
	Run      *model.Run      `json:"run"`
	Strategy json.RawMessage `json:"strategy,omitempty"`
	SavedAt  time.Time       `json:"saved_at"`
}

// Store loads and atomically replaces the checkpoint of a run.
type Store interface {
	// Load returns the stored record, or nil when nothing has been saved yet.
	Load(ctx context.Context) (*Record, error)
	// Save replaces the stored record. A reader never observes a partial write.
	Save(ctx context.Context, rec *Record) error
	Close() error
}

// Backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and locates a checkpoint store.
type Options struct {
	Backend string
	// Path is the file or database path; for redis it is the key.
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open returns the store described by opts.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileStore(opts.Path, logger), nil
	case BackendSQLite:
		st, err := NewSQLiteStore(opts.Path, logger)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate %s: %w", opts.Path, err)
		}
		return st, nil
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisAddr, opts.Path, logger,
			WithRedisPassword(opts.RedisPassword),
			WithRedisDB(opts.RedisDB),
		)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", opts.Backend)
	}
}

func encode(rec *Record) ([]byte, error) {
	if rec.Run == nil {
		return nil, fmt.Errorf("checkpoint has no run")
	}
	if rec.Version == 0 {
		rec.Version = Version
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if rec.Version != Version {
		return nil, fmt.Errorf("unsupported checkpoint version %d (want %d)", rec.Version, Version)
	}
	if rec.Run == nil {
		return nil, fmt.Errorf("checkpoint has no run")
	}
	return &rec, nil
}
