package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/trialopt/pkg/model"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoint (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		version   INTEGER NOT NULL,
		run_id    TEXT NOT NULL,
		document  TEXT NOT NULL,
		saved_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS trials (
		run_id       TEXT NOT NULL,
		id           INTEGER NOT NULL,
		state        TEXT NOT NULL,
		external_id  TEXT NOT NULL DEFAULT '',
		params       TEXT NOT NULL DEFAULT '{}',
		metrics      TEXT NOT NULL DEFAULT '{}',
		cost         REAL NOT NULL DEFAULT 0,
		submitted_at TEXT,
		completed_at TEXT,
		PRIMARY KEY (run_id, id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_trials_state ON trials(state)`,
}

// SQLiteStore keeps the checkpoint in a SQLite database. The full document
// lives in a single row; a per-trial table is rewritten in the same
// transaction so the history can be queried with plain SQL.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma synchronous: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "checkpoint", "path", dbPath),
	}, nil
}

// Migrate creates the checkpoint tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the stored checkpoint.
func (s *SQLiteStore) Load(ctx context.Context) (*Record, error) {
	s.logger.Debug("sql", "op", "select", "table", "checkpoint")

	var document string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM checkpoint WHERE id = 1`).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return decode([]byte(document))
}

// Save replaces the checkpoint and the trial rows in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	s.logger.Debug("sql", "op", "replace", "table", "checkpoint", "run_id", rec.Run.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoint (id, version, run_id, document, saved_at) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, run_id = excluded.run_id,
		   document = excluded.document, saved_at = excluded.saved_at`,
		rec.Version, rec.Run.ID, string(data), rec.SavedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM trials WHERE run_id <> ?`, rec.Run.ID); err != nil {
		return fmt.Errorf("prune trials: %w", err)
	}
	for _, t := range rec.Run.Trials {
		if err := upsertTrial(ctx, tx, rec.Run.ID, t); err != nil {
			return fmt.Errorf("trial %d: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertTrial(ctx context.Context, tx *sql.Tx, runID string, t *model.Trial) error {
	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	metricsJSON, err := json.Marshal(t.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trials (run_id, id, state, external_id, params, metrics, cost, submitted_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, id) DO UPDATE SET state = excluded.state, external_id = excluded.external_id,
		   params = excluded.params, metrics = excluded.metrics, cost = excluded.cost,
		   submitted_at = excluded.submitted_at, completed_at = excluded.completed_at`,
		runID, t.ID, string(t.State), t.ExternalID, string(paramsJSON), string(metricsJSON), t.Cost,
		nullTime(t.SubmittedAt), nullTime(t.CompletedAt),
	)
	return err
}

// TrialRow is the queryable projection of one trial.
type TrialRow struct {
	ID         int
	State      model.TrialState
	ExternalID string
	Cost       float64
}

// ListTrials returns the trial rows of the stored run in ID order, optionally
// filtered by state.
func (s *SQLiteStore) ListTrials(ctx context.Context, state model.TrialState) ([]TrialRow, error) {
	query := `SELECT id, state, external_id, cost FROM trials`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select trials: %w", err)
	}
	defer rows.Close()

	var out []TrialRow
	for rows.Next() {
		var r TrialRow
		var st string
		if err := rows.Scan(&r.ID, &st, &r.ExternalID, &r.Cost); err != nil {
			return nil, err
		}
		r.State = model.TrialState(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
