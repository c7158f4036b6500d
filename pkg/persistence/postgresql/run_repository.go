package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence"
)

// RunRepository handles run-related database operations, including the job
// queue claim path.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const runColumns = `
	id
  , template_name
  , workflow_hash
  , status
  , inputs
  , result
  , error
  , retry_count
  , claimed_by
  , claimed_at
  , started_at
  , finished_at
  , cancel_requested
  , resume_payload
  , created_at
  , updated_at
`

// Create inserts a new run row.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	inputsJSON, resultJSON, resumeJSON, err := marshalRunJSON(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_runs (id, template_name, workflow_hash, status, inputs, result, error,
			retry_count, claimed_by, claimed_at, started_at, finished_at, cancel_requested,
			resume_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.TemplateName,
		run.WorkflowHash,
		run.Status,
		inputsJSON,
		resultJSON,
		run.Error,
		run.RetryCount,
		run.ClaimedBy,
		run.ClaimedAt,
		run.StartedAt,
		run.FinishedAt,
		run.CancelRequested,
		resumeJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetByID returns a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// List returns runs ordered newest first, plus the total row count.
func (r *RunRepository) List(ctx context.Context, limit, offset int) ([]*models.Run, int, error) {
	var total int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_runs").Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, total, nil
}

// ClaimNext atomically claims the oldest eligible run. FOR UPDATE SKIP LOCKED
// gives at-most-once claiming under concurrent workers; claims older than
// staleTimeout are reclaimed.
func (r *RunRepository) ClaimNext(ctx context.Context, workerID string, staleTimeout time.Duration) (*models.Run, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	staleBefore := time.Now().UTC().Add(-staleTimeout)

	selectQuery := `
		SELECT id
		FROM workflow_runs
		WHERE (status = 'queued' AND (claimed_by IS NULL OR claimed_at < $1))
		   OR (status = 'running' AND claimed_at < $1)
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`

	var id string

	err = tx.QueryRowContext(ctx, selectQuery, staleBefore).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to select claimable run: %w", err)
	}

	updateQuery := `
		UPDATE workflow_runs
		SET status = 'running', claimed_by = $2, claimed_at = NOW(),
			started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + runColumns

	run, err := scanRun(tx.QueryRowContext(ctx, updateQuery, id, workerID))
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return run, nil
}

// Update persists run fields unconditionally.
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	affected, err := r.update(ctx, run, "")
	if err != nil {
		return err
	}

	if affected == 0 {
		return persistence.ErrRunNotFound
	}

	return nil
}

// UpdateClaimed persists run fields only while workerID still owns the claim.
func (r *RunRepository) UpdateClaimed(ctx context.Context, run *models.Run, workerID string) error {
	affected, err := r.update(ctx, run, workerID)
	if err != nil {
		return err
	}

	if affected == 0 {
		return persistence.ErrClaimLost
	}

	return nil
}

func (r *RunRepository) update(ctx context.Context, run *models.Run, claimant string) (int64, error) {
	inputsJSON, resultJSON, resumeJSON, err := marshalRunJSON(run)
	if err != nil {
		return 0, err
	}

	run.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE workflow_runs
		SET status = $2, inputs = $3, result = $4, error = $5, retry_count = $6,
			claimed_by = $7, claimed_at = $8, started_at = $9, finished_at = $10,
			cancel_requested = $11, resume_payload = $12, updated_at = $13
		WHERE id = $1
	`

	args := []any{
		run.ID,
		run.Status,
		inputsJSON,
		resultJSON,
		run.Error,
		run.RetryCount,
		run.ClaimedBy,
		run.ClaimedAt,
		run.StartedAt,
		run.FinishedAt,
		run.CancelRequested,
		resumeJSON,
		run.UpdatedAt,
	}

	if claimant != "" {
		query += ` AND claimed_by = $14`
		args = append(args, claimant)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// CancelRequested reads the cooperative cancel flag for a run.
func (r *RunRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool

	err := r.db.QueryRowContext(ctx, "SELECT cancel_requested FROM workflow_runs WHERE id = $1", id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, persistence.ErrRunNotFound
	}

	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	return requested, nil
}

func marshalRunJSON(run *models.Run) (inputs, result, resume []byte, err error) {
	inputs, err = json.Marshal(run.Inputs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal inputs: %w", err)
	}

	result, err = json.Marshal(run.Result)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	if run.ResumePayload != nil {
		resume, err = json.Marshal(run.ResumePayload)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal resume payload: %w", err)
		}
	}

	return inputs, result, resume, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*models.Run, error) {
	var (
		run                                models.Run
		inputsJSON, resultJSON, resumeJSON []byte
	)

	err := scanner.Scan(
		&run.ID,
		&run.TemplateName,
		&run.WorkflowHash,
		&run.Status,
		&inputsJSON,
		&resultJSON,
		&run.Error,
		&run.RetryCount,
		&run.ClaimedBy,
		&run.ClaimedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CancelRequested,
		&resumeJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &run.Inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
		}
	}

	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &run.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	if resumeJSON != nil {
		if err := json.Unmarshal(resumeJSON, &run.ResumePayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resume payload: %w", err)
		}
	}

	return &run, nil
}
