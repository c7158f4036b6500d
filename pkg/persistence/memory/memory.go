// Package memory provides an in-process persistence implementation. It backs
// unit tests and single-process deployments without a database; claim
// atomicity comes from a mutex instead of row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence"
)

// Persistence implements persistence.Persistence in memory.
type Persistence struct {
	runs        *RunRepository
	triggers    *TriggerRepository
	checkpoints *CheckpointRepository
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	store := checkpoint.NewMemoryStore()

	p := &Persistence{
		runs: &RunRepository{runs: make(map[string]*models.Run)},
	}
	p.triggers = &TriggerRepository{triggers: make(map[string]*models.Trigger), runRepo: p.runs}
	p.checkpoints = &CheckpointRepository{store: store, runs: p.runs}

	return p
}

func (p *Persistence) Runs() persistence.RunRepository { return p.runs }

func (p *Persistence) Triggers() persistence.TriggerRepository { return p.triggers }

func (p *Persistence) Checkpoints() persistence.CheckpointRepository { return p.checkpoints }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

// RunRepository is the in-memory run store.
type RunRepository struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *run
	r.runs[run.ID] = &copied

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	copied := *run

	return &copied, nil
}

func (r *RunRepository) List(ctx context.Context, limit, offset int) ([]*models.Run, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*models.Run, 0, len(r.runs))
	for _, run := range r.runs {
		copied := *run
		all = append(all, &copied)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)

	if offset >= len(all) {
		return []*models.Run{}, total, nil
	}

	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	return all, total, nil
}

func (r *RunRepository) ClaimNext(ctx context.Context, workerID string, staleTimeout time.Duration) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	staleBefore := time.Now().UTC().Add(-staleTimeout)

	var oldest *models.Run

	for _, run := range r.runs {
		claimable := false

		switch run.Status {
		case models.RunStatusQueued:
			claimable = run.ClaimedBy == nil || (run.ClaimedAt != nil && run.ClaimedAt.Before(staleBefore))
		case models.RunStatusRunning:
			claimable = run.ClaimedAt != nil && run.ClaimedAt.Before(staleBefore)
		default:
		}

		if !claimable {
			continue
		}

		if oldest == nil || run.CreatedAt.Before(oldest.CreatedAt) {
			oldest = run
		}
	}

	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.Status = models.RunStatusRunning
	oldest.ClaimedBy = &workerID
	oldest.ClaimedAt = &now

	if oldest.StartedAt == nil {
		oldest.StartedAt = &now
	}

	oldest.UpdatedAt = now

	copied := *oldest

	return &copied, nil
}

func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; !ok {
		return persistence.ErrRunNotFound
	}

	run.UpdatedAt = time.Now().UTC()
	copied := *run
	r.runs[run.ID] = &copied

	return nil
}

func (r *RunRepository) UpdateClaimed(ctx context.Context, run *models.Run, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.runs[run.ID]
	if !ok {
		return persistence.ErrRunNotFound
	}

	if current.ClaimedBy == nil || *current.ClaimedBy != workerID {
		return persistence.ErrClaimLost
	}

	run.UpdatedAt = time.Now().UTC()
	copied := *run
	r.runs[run.ID] = &copied

	return nil
}

func (r *RunRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return false, persistence.ErrRunNotFound
	}

	return run.CancelRequested, nil
}

// TriggerRepository is the in-memory trigger store.
type TriggerRepository struct {
	mu       sync.Mutex
	triggers map[string]*models.Trigger
	runRepo  *RunRepository
}

func (r *TriggerRepository) Create(ctx context.Context, trigger *models.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *trigger
	r.triggers[trigger.ID] = &copied

	return nil
}

func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trigger, ok := r.triggers[id]
	if !ok {
		return nil, persistence.ErrTriggerNotFound
	}

	copied := *trigger

	return &copied, nil
}

func (r *TriggerRepository) List(ctx context.Context) ([]*models.Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*models.Trigger, 0, len(r.triggers))
	for _, trigger := range r.triggers {
		copied := *trigger
		all = append(all, &copied)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	return all, nil
}

func (r *TriggerRepository) Update(ctx context.Context, trigger *models.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.triggers[trigger.ID]; !ok {
		return persistence.ErrTriggerNotFound
	}

	trigger.UpdatedAt = time.Now().UTC()
	copied := *trigger
	r.triggers[trigger.ID] = &copied

	return nil
}

func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.triggers[id]; !ok {
		return persistence.ErrTriggerNotFound
	}

	delete(r.triggers, id)

	return nil
}

// FireDue mirrors the transactional poll: due triggers are processed under
// the repository lock, so concurrent pollers cannot fire the same minute
// twice.
func (r *TriggerRepository) FireDue(ctx context.Context, now time.Time, fire func(*models.Trigger) *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, trigger := range r.triggers {
		if !trigger.IsActive || trigger.NextRunAt == nil || trigger.NextRunAt.After(now) {
			continue
		}

		run := fire(trigger)
		trigger.UpdatedAt = now

		if run == nil {
			continue
		}

		if err := r.runRepo.Create(ctx, run); err != nil {
			return err
		}
	}

	return nil
}

// CheckpointRepository wraps the in-memory snapshot store.
type CheckpointRepository struct {
	store *checkpoint.MemoryStore
	runs  *RunRepository
}

func (r *CheckpointRepository) Save(ctx context.Context, snapshot *checkpoint.Snapshot) error {
	return r.store.Save(ctx, snapshot)
}

func (r *CheckpointRepository) LoadLatest(ctx context.Context, runID string) (*checkpoint.Snapshot, error) {
	return r.store.LoadLatest(ctx, runID)
}

func (r *CheckpointRepository) List(ctx context.Context, runID string) ([]*checkpoint.Snapshot, error) {
	return r.store.List(ctx, runID)
}

func (r *CheckpointRepository) DeleteRun(ctx context.Context, runID string) error {
	return r.store.DeleteRun(ctx, runID)
}

func (r *CheckpointRepository) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	r.runs.mu.Lock()
	defer r.runs.mu.Unlock()

	var deleted int64

	for id, run := range r.runs.runs {
		if !run.Status.Terminal() || run.FinishedAt == nil || !run.FinishedAt.Before(cutoff) {
			continue
		}

		snapshots, err := r.store.List(ctx, id)
		if err != nil {
			return deleted, err
		}

		if len(snapshots) == 0 {
			continue
		}

		if err := r.store.DeleteRun(ctx, id); err != nil {
			return deleted, err
		}

		deleted += int64(len(snapshots))
	}

	return deleted, nil
}
