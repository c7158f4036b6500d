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

// TriggerRepository handles trigger-related database operations.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTriggerRepository creates a new trigger repository.
func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

const triggerColumns = `
	id
  , name
  , template_name
  , inputs_template
  , cron_expression
  , timezone
  , is_active
  , next_run_at
  , last_run_at
  , last_error
  , created_at
  , updated_at
`

// Create inserts a new trigger row.
func (r *TriggerRepository) Create(ctx context.Context, trigger *models.Trigger) error {
	inputsJSON, err := json.Marshal(trigger.InputsTemplate)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs template: %w", err)
	}

	query := `
		INSERT INTO workflow_triggers (id, name, template_name, inputs_template, cron_expression,
			timezone, is_active, next_run_at, last_run_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		trigger.ID,
		trigger.Name,
		trigger.TemplateName,
		inputsJSON,
		trigger.CronExpression,
		trigger.Timezone,
		trigger.IsActive,
		trigger.NextRunAt,
		trigger.LastRunAt,
		trigger.LastError,
		trigger.CreatedAt,
		trigger.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}

	return nil
}

// GetByID returns a trigger by its ID.
func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM workflow_triggers WHERE id = $1`

	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	return trigger, nil
}

// List returns all triggers, newest first.
func (r *TriggerRepository) List(ctx context.Context) ([]*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM workflow_triggers ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

// Update persists trigger fields.
func (r *TriggerRepository) Update(ctx context.Context, trigger *models.Trigger) error {
	trigger.UpdatedAt = time.Now().UTC()

	affected, err := updateTrigger(ctx, r.db, trigger)
	if err != nil {
		return err
	}

	if affected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

// Delete removes a trigger row.
func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_triggers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

// FireDue locks every due trigger with FOR UPDATE SKIP LOCKED and fires each
// inside the same transaction. The lock plus the in-transaction next_run_at
// update keeps overlapping pollers from double-enqueueing a firing.
func (r *TriggerRepository) FireDue(ctx context.Context, now time.Time, fire func(*models.Trigger) *models.Run) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trigger transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		SELECT ` + triggerColumns + `
		FROM workflow_triggers
		WHERE is_active AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, query, now)
	if err != nil {
		return fmt.Errorf("failed to query due triggers: %w", err)
	}

	var due []*models.Trigger

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			_ = rows.Close()

			return fmt.Errorf("failed to scan trigger: %w", err)
		}

		due = append(due, trigger)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return fmt.Errorf("error iterating due triggers: %w", err)
	}

	_ = rows.Close()

	for _, trigger := range due {
		run := fire(trigger)

		if run != nil {
			if err := createRunTx(ctx, tx, run); err != nil {
				return err
			}
		}

		trigger.UpdatedAt = now

		if _, err := updateTrigger(ctx, tx, trigger); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trigger transaction: %w", err)
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTrigger(ctx context.Context, db execer, trigger *models.Trigger) (int64, error) {
	inputsJSON, err := json.Marshal(trigger.InputsTemplate)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal inputs template: %w", err)
	}

	query := `
		UPDATE workflow_triggers
		SET name = $2, template_name = $3, inputs_template = $4, cron_expression = $5,
			timezone = $6, is_active = $7, next_run_at = $8, last_run_at = $9,
			last_error = $10, updated_at = $11
		WHERE id = $1
	`

	result, err := db.ExecContext(ctx, query,
		trigger.ID,
		trigger.Name,
		trigger.TemplateName,
		inputsJSON,
		trigger.CronExpression,
		trigger.Timezone,
		trigger.IsActive,
		trigger.NextRunAt,
		trigger.LastRunAt,
		trigger.LastError,
		trigger.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update trigger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

func createRunTx(ctx context.Context, tx *sql.Tx, run *models.Run) error {
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		INSERT INTO workflow_runs (id, template_name, workflow_hash, status, inputs, result,
			retry_count, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}', 0, FALSE, $6, $7)
	`

	_, err = tx.ExecContext(ctx, query,
		run.ID,
		run.TemplateName,
		run.WorkflowHash,
		run.Status,
		inputsJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue run: %w", err)
	}

	return nil
}

func scanTrigger(scanner interface{ Scan(dest ...any) error }) (*models.Trigger, error) {
	var (
		trigger    models.Trigger
		inputsJSON []byte
	)

	err := scanner.Scan(
		&trigger.ID,
		&trigger.Name,
		&trigger.TemplateName,
		&inputsJSON,
		&trigger.CronExpression,
		&trigger.Timezone,
		&trigger.IsActive,
		&trigger.NextRunAt,
		&trigger.LastRunAt,
		&trigger.LastError,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &trigger.InputsTemplate); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inputs template: %w", err)
		}
	}

	return &trigger, nil
}
