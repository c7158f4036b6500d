package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence/memory"
	"github.com/wirl-dev/wirlflow/pkg/template"
)

const sumTemplate = `
workflow Sum {
    inputs {
        int x;
    }
    outputs {
        int y = A.out;
    }

    node A {
        call add_one;
        inputs {
            int value = x;
        }
        outputs {
            int out;
        }
    }
}
`

func newScheduler(t *testing.T) (*Scheduler, *memory.Persistence) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sum.wirl"), []byte(sumTemplate), 0o600))

	p := memory.NewPersistence()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return New(p, template.NewLoader(dir), logger), p
}

func dueTrigger(t *testing.T, templateName string) *models.Trigger {
	t.Helper()

	trigger, err := models.NewTrigger("minutely", templateName, "* * * * *", "UTC", map[string]any{"x": float64(1)})
	require.NoError(t, err)

	// The current minute: due now, and the advanced fire time lands in the
	// future so repeated polls see nothing due.
	due := time.Now().UTC().Truncate(time.Minute)
	trigger.NextRunAt = &due

	return trigger
}

func TestScheduler_EnqueuesDueTrigger(t *testing.T) {
	s, p := newScheduler(t)
	ctx := context.Background()

	trigger := dueTrigger(t, "sum")
	require.NoError(t, p.Triggers().Create(ctx, trigger))

	s.ProcessDueTriggers(ctx)

	runs, total, err := p.Runs().List(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)

	run := runs[0]
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, "sum", run.TemplateName)
	assert.Equal(t, map[string]any{"x": float64(1)}, run.Inputs)

	updated, err := p.Triggers().GetByID(ctx, trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(time.Now().UTC().Add(-2*time.Minute)))
	assert.NotNil(t, updated.LastRunAt)
	assert.Nil(t, updated.LastError)
}

func TestScheduler_NextFireStrictlyAfterPrevious(t *testing.T) {
	s, p := newScheduler(t)
	ctx := context.Background()

	trigger := dueTrigger(t, "sum")
	previous := trigger.NextRunAt.UTC()
	require.NoError(t, p.Triggers().Create(ctx, trigger))

	s.ProcessDueTriggers(ctx)

	updated, err := p.Triggers().GetByID(ctx, trigger.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)

	// Advanced from the previous fire time, not from now.
	assert.Equal(t, previous.Add(time.Minute), updated.NextRunAt.UTC())
}

func TestScheduler_SkipsInactiveAndFuture(t *testing.T) {
	s, p := newScheduler(t)
	ctx := context.Background()

	inactive := dueTrigger(t, "sum")
	inactive.IsActive = false
	require.NoError(t, p.Triggers().Create(ctx, inactive))

	future, err := models.NewTrigger("later", "sum", "* * * * *", "UTC", nil)
	require.NoError(t, err)
	require.NoError(t, p.Triggers().Create(ctx, future))

	s.ProcessDueTriggers(ctx)

	_, total, err := p.Runs().List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestScheduler_DeactivatesOnMissingTemplate(t *testing.T) {
	s, p := newScheduler(t)
	ctx := context.Background()

	trigger := dueTrigger(t, "missing_template")
	require.NoError(t, p.Triggers().Create(ctx, trigger))

	s.ProcessDueTriggers(ctx)

	_, total, err := p.Runs().List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	updated, err := p.Triggers().GetByID(ctx, trigger.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Nil(t, updated.NextRunAt)
	require.NotNil(t, updated.LastError)
}

func TestScheduler_OverlappingPollersEnqueueOnce(t *testing.T) {
	s, p := newScheduler(t)
	ctx := context.Background()

	trigger := dueTrigger(t, "sum")
	require.NoError(t, p.Triggers().Create(ctx, trigger))

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.ProcessDueTriggers(ctx)
		}()
	}

	wg.Wait()

	_, total, err := p.Runs().List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "overlapping pollers must enqueue exactly one run")
}
