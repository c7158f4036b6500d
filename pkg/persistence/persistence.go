// Package persistence defines the storage interfaces of the run orchestrator
// and their shared error values.
package persistence

import (
	"context"
	"time"

	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
	"github.com/wirl-dev/wirlflow/pkg/models"
)

// RunRepository owns the workflow_runs table: the job queue and the run
// records behind the control-plane API.
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id string) (*models.Run, error)
	List(ctx context.Context, limit, offset int) ([]*models.Run, int, error)

	// ClaimNext claims the oldest eligible run for workerID using
	// FOR UPDATE SKIP LOCKED, returning nil when the queue is empty. Claims
	// older than staleTimeout are eligible for reclaim.
	ClaimNext(ctx context.Context, workerID string, staleTimeout time.Duration) (*models.Run, error)

	// Update persists run fields unconditionally (API-side transitions).
	Update(ctx context.Context, run *models.Run) error

	// UpdateClaimed persists run fields only while workerID still owns the
	// claim; it reports ErrClaimLost when the row was reclaimed.
	UpdateClaimed(ctx context.Context, run *models.Run, workerID string) error

	// CancelRequested reads the cooperative cancel flag.
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// TriggerRepository owns the workflow_triggers table.
type TriggerRepository interface {
	Create(ctx context.Context, trigger *models.Trigger) error
	GetByID(ctx context.Context, id string) (*models.Trigger, error)
	List(ctx context.Context) ([]*models.Trigger, error)
	Update(ctx context.Context, trigger *models.Trigger) error
	Delete(ctx context.Context, id string) error

	// FireDue locks due triggers with FOR UPDATE SKIP LOCKED and invokes
	// fire for each inside the same transaction. fire mutates the trigger in
	// place and returns the run to enqueue, or nil to enqueue nothing.
	FireDue(ctx context.Context, now time.Time, fire func(*models.Trigger) *models.Run) error
}

// CheckpointRepository is the relational checkpoint store shared with the
// orchestrator, plus retention maintenance.
type CheckpointRepository interface {
	checkpoint.Store

	// DeleteExpired removes checkpoints of terminal runs finished longer
	// than ttl ago, returning the number of rows deleted.
	DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// Persistence aggregates the repositories behind one backing store.
type Persistence interface {
	Runs() RunRepository
	Triggers() TriggerRepository
	Checkpoints() CheckpointRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
