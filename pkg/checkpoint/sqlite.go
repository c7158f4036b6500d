package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded single-file checkpoint store used by the CLI
// runner. SQLite serializes writes, so the pool is capped at one connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the checkpoint database at
// path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to connect to checkpoint database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(ctx); err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to configure checkpoint database: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT NOT NULL,
			superstep INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, superstep)
		)
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint database: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, snapshot *Snapshot) error {
	data, err := Encode(snapshot)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_checkpoints (run_id, superstep, snapshot, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, superstep) DO UPDATE SET
			snapshot = excluded.snapshot,
			created_at = excluded.created_at
	`

	_, err = s.db.ExecContext(ctx, query, snapshot.RunID, snapshot.Superstep, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, runID string) (*Snapshot, error) {
	query := `
		SELECT snapshot
		FROM workflow_checkpoints
		WHERE run_id = ?
		ORDER BY superstep DESC
		LIMIT 1
	`

	var data string

	err := s.db.QueryRowContext(ctx, query, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return Decode([]byte(data))
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]*Snapshot, error) {
	query := `
		SELECT snapshot
		FROM workflow_checkpoints
		WHERE run_id = ?
		ORDER BY superstep
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var snapshots []*Snapshot

	for rows.Next() {
		var data string

		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}

		snapshot, err := Decode([]byte(data))
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	return snapshots, nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}

	return nil
}
