package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
)

// CheckpointRepository is the relational checkpoint store used in server
// mode. Snapshots are stored in canonical JSON form in a JSONB column.
type CheckpointRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(db *sql.DB, logger *slog.Logger) *CheckpointRepository {
	return &CheckpointRepository{db: db, logger: logger}
}

// Save upserts the snapshot for its (run_id, superstep) key.
func (r *CheckpointRepository) Save(ctx context.Context, snapshot *checkpoint.Snapshot) error {
	data, err := checkpoint.Encode(snapshot)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_checkpoints (run_id, superstep, snapshot, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, superstep) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			created_at = EXCLUDED.created_at
	`

	_, err = r.db.ExecContext(ctx, query, snapshot.RunID, snapshot.Superstep, data)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// LoadLatest returns the authoritative resume point, or nil when the run has
// no checkpoints.
func (r *CheckpointRepository) LoadLatest(ctx context.Context, runID string) (*checkpoint.Snapshot, error) {
	query := `
		SELECT snapshot
		FROM workflow_checkpoints
		WHERE run_id = $1
		ORDER BY superstep DESC
		LIMIT 1
	`

	var data []byte

	err := r.db.QueryRowContext(ctx, query, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return checkpoint.Decode(data)
}

// List returns the full checkpoint sequence of a run ordered by superstep.
func (r *CheckpointRepository) List(ctx context.Context, runID string) ([]*checkpoint.Snapshot, error) {
	query := `
		SELECT snapshot
		FROM workflow_checkpoints
		WHERE run_id = $1
		ORDER BY superstep
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var snapshots []*checkpoint.Snapshot

	for rows.Next() {
		var data []byte

		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}

		snapshot, err := checkpoint.Decode(data)
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

// DeleteRun removes every checkpoint of a run.
func (r *CheckpointRepository) DeleteRun(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE run_id = $1", runID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}

	return nil
}

// DeleteExpired removes checkpoints belonging to terminal runs that finished
// longer than ttl ago.
func (r *CheckpointRepository) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	query := `
		DELETE FROM workflow_checkpoints
		WHERE run_id IN (
			SELECT id FROM workflow_runs
			WHERE status IN ('succeeded', 'failed', 'canceled')
			  AND finished_at IS NOT NULL
			  AND finished_at < $1
		)
	`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired checkpoints: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
