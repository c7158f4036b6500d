package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence"
	"github.com/wirl-dev/wirlflow/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("wirlflow_test"),
			postgres.WithUsername("wirlflow"),
			postgres.WithPassword("wirlflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropTables(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropTables(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func dropTables(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		_ = db.Close()
	}()

	_, err = db.ExecContext(ctx, `
		DROP TABLE IF EXISTS workflow_checkpoints;
		DROP TABLE IF EXISTS workflow_runs;
		DROP TABLE IF EXISTS workflow_triggers;
		DROP TABLE IF EXISTS schema_migrations;
	`)
	require.NoError(t, err)
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		_ = db.Close()
	}()

	for _, table := range []string{"workflow_runs", "workflow_triggers", "workflow_checkpoints"} {
		var exists bool

		err = db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}
}

func TestRunRepository_Lifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := models.NewRun("daily_report", "hash-1", map[string]any{"x": float64(3)})
	require.NoError(t, p.Runs().Create(ctx, run))

	fetched, err := p.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, fetched.Status)
	assert.Equal(t, map[string]any{"x": float64(3)}, fetched.Inputs)

	_, err = p.Runs().GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, persistence.IsRunNotFound(err))

	runs, total, err := p.Runs().List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)

	fetched.Status = models.RunStatusSucceeded
	fetched.Result = map[string]any{"y": float64(8)}
	require.NoError(t, p.Runs().Update(ctx, fetched))

	final, err := p.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, final.Status)
	assert.Equal(t, map[string]any{"y": float64(8)}, final.Result)
}

func TestRunRepository_ClaimNext(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	empty, err := p.Runs().ClaimNext(ctx, "worker-a", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)

	first := models.NewRun("daily_report", "hash-1", nil)
	second := models.NewRun("daily_report", "hash-1", nil)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.UpdatedAt = second.CreatedAt

	require.NoError(t, p.Runs().Create(ctx, first))
	require.NoError(t, p.Runs().Create(ctx, second))

	claimed, err := p.Runs().ClaimNext(ctx, "worker-a", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.RunStatusRunning, claimed.Status)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "worker-a", *claimed.ClaimedBy)
	assert.NotNil(t, claimed.StartedAt)

	// The claimed run is invisible to other workers.
	next, err := p.Runs().ClaimNext(ctx, "worker-b", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)
}

func TestRunRepository_AtMostOneClaim(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := models.NewRun("daily_report", "hash-1", nil)
	require.NoError(t, p.Runs().Create(ctx, run))

	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := range workers {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			claimed, err := p.Runs().ClaimNext(ctx, string(rune('a'+worker)), 5*time.Minute)
			if err == nil && claimed != nil {
				mu.Lock()
				winners = append(winners, *claimed.ClaimedBy)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	assert.Len(t, winners, 1, "exactly one worker must claim the run")
}

func TestRunRepository_StaleClaimReclaim(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := models.NewRun("daily_report", "hash-1", nil)
	require.NoError(t, p.Runs().Create(ctx, run))

	claimed, err := p.Runs().ClaimNext(ctx, "worker-a", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A fresh claim is not eligible.
	stolen, err := p.Runs().ClaimNext(ctx, "worker-b", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, stolen)

	// With a zero stale timeout the running claim is immediately stale.
	stolen, err = p.Runs().ClaimNext(ctx, "worker-b", 0)
	require.NoError(t, err)
	require.NotNil(t, stolen)
	assert.Equal(t, run.ID, stolen.ID)
	assert.Equal(t, "worker-b", *stolen.ClaimedBy)

	// The original claimant now loses conditional updates.
	claimed.Status = models.RunStatusSucceeded
	err = p.Runs().UpdateClaimed(ctx, claimed, "worker-a")
	assert.True(t, persistence.IsClaimLost(err))
}

func TestRunRepository_CancelRequested(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := models.NewRun("daily_report", "hash-1", nil)
	require.NoError(t, p.Runs().Create(ctx, run))

	requested, err := p.Runs().CancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	run.CancelRequested = true
	require.NoError(t, p.Runs().Update(ctx, run))

	requested, err = p.Runs().CancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestTriggerRepository_Lifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	trigger, err := models.NewTrigger("nightly", "daily_report", "0 2 * * *", "UTC", map[string]any{"x": float64(1)})
	require.NoError(t, err)
	require.NoError(t, p.Triggers().Create(ctx, trigger))

	fetched, err := p.Triggers().GetByID(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", fetched.Name)
	assert.Equal(t, map[string]any{"x": float64(1)}, fetched.InputsTemplate)

	triggers, err := p.Triggers().List(ctx)
	require.NoError(t, err)
	assert.Len(t, triggers, 1)

	fetched.IsActive = false
	fetched.NextRunAt = nil
	require.NoError(t, p.Triggers().Update(ctx, fetched))

	require.NoError(t, p.Triggers().Delete(ctx, trigger.ID))

	_, err = p.Triggers().GetByID(ctx, trigger.ID)
	assert.True(t, persistence.IsTriggerNotFound(err))
}

func TestTriggerRepository_FireDueOnce(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	trigger, err := models.NewTrigger("minutely", "daily_report", "* * * * *", "UTC", map[string]any{"x": float64(1)})
	require.NoError(t, err)

	due := time.Now().UTC().Truncate(time.Minute)
	trigger.NextRunAt = &due
	require.NoError(t, p.Triggers().Create(ctx, trigger))

	fire := func(tr *models.Trigger) *models.Run {
		now := time.Now().UTC()
		next, err := tr.NextAfter(tr.NextRunAt.UTC())
		require.NoError(t, err)

		tr.NextRunAt = &next
		tr.LastRunAt = &now

		return models.NewRun(tr.TemplateName, "", tr.InputsTemplate)
	}

	// Two overlapping pollers: the second sees the refreshed next_run_at.
	var wg sync.WaitGroup

	now := time.Now().UTC()

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = p.Triggers().FireDue(ctx, now, fire)
		}()
	}

	wg.Wait()

	_, total, err := p.Runs().List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "a due trigger must enqueue exactly one run")

	updated, err := p.Triggers().GetByID(ctx, trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(now.Add(-time.Minute)))
	assert.NotNil(t, updated.LastRunAt)
}

func TestCheckpointRepository_Store(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := models.NewRun("daily_report", "hash-1", nil)
	require.NoError(t, p.Runs().Create(ctx, run))

	store := p.Checkpoints()

	latest, err := store.LoadLatest(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for step := range 3 {
		require.NoError(t, store.Save(ctx, &checkpoint.Snapshot{
			RunID:     run.ID,
			Superstep: step,
			Channels:  map[string]any{"x": float64(step)},
			CreatedAt: time.Now().UTC(),
		}))
	}

	latest, err = store.LoadLatest(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Superstep)

	snapshots, err := store.List(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, snapshots, 3)

	// Terminal runs older than the TTL lose their checkpoints.
	finished := time.Now().UTC().Add(-48 * time.Hour)
	run.Status = models.RunStatusSucceeded
	run.FinishedAt = &finished
	require.NoError(t, p.Runs().Update(ctx, run))

	deleted, err := store.DeleteExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	latest, err = store.LoadLatest(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}
