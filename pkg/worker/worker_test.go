package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-dev/wirlflow/pkg/callable"
	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence/memory"
	"github.com/wirl-dev/wirlflow/pkg/template"
)

const sumTemplate = `
workflow sum {
    inputs {
        int x;
    }
    outputs {
        int y = B.out;
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

    node B {
        call double;
        inputs {
            int value = A.out;
        }
        outputs {
            int out;
        }
    }
}
`

const approvalTemplate = `
workflow approval {
    inputs {
        str request;
    }
    outputs {
        str outcome = Act.result;
    }

    node Ask {
        call ask_human;
        inputs {
            str request = request;
        }
        outputs {
            str answer;
        }
        hitl {
            prompt: "Approve?",
        }
    }

    node Act {
        call act;
        inputs {
            str answer = Ask.answer;
        }
        outputs {
            str result;
        }
    }
}
`

func asFloat(value any) float64 {
	f, _ := value.(float64)

	return f
}

func newPool(t *testing.T) (*Pool, *memory.Persistence) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sum.wirl"), []byte(sumTemplate), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "approval.wirl"), []byte(approvalTemplate), 0o600))

	registry := callable.NewRegistry()
	registry.Register("sum", "add_one", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return map[string]any{"out": asFloat(inputs["value"]) + 1}, nil
	})
	registry.Register("sum", "double", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return map[string]any{"out": asFloat(inputs["value"]) * 2}, nil
	})
	registry.Register("approval", "ask_human", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		return map[string]any{"answer": inputs["answer"]}, nil
	})
	registry.Register("approval", "act", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		answer, _ := inputs["answer"].(string)

		return map[string]any{"result": "did:" + answer}, nil
	})

	p := memory.NewPersistence()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	pool := NewPool("worker-test", p, template.NewLoader(dir), registry, logger,
		WithSize(2), WithPollInterval(10*time.Millisecond), WithStaleTimeout(time.Minute))

	return pool, p
}

func claimAndExecute(t *testing.T, pool *Pool, p *memory.Persistence) *models.Run {
	t.Helper()

	ctx := context.Background()

	claimed, err := p.Runs().ClaimNext(ctx, "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	pool.executeRun(ctx, claimed)

	updated, err := p.Runs().GetByID(ctx, claimed.ID)
	require.NoError(t, err)

	return updated
}

func TestPool_ExecuteRunSucceeds(t *testing.T) {
	pool, p := newPool(t)
	ctx := context.Background()

	run := models.NewRun("sum", "", map[string]any{"x": float64(3)})
	require.NoError(t, p.Runs().Create(ctx, run))

	updated := claimAndExecute(t, pool, p)

	assert.Equal(t, models.RunStatusSucceeded, updated.Status)
	assert.Equal(t, map[string]any{"y": float64(8)}, updated.Result)
	assert.NotNil(t, updated.FinishedAt)
	assert.NotEmpty(t, updated.WorkflowHash)
}

func TestPool_MissingTemplateFailsRun(t *testing.T) {
	pool, p := newPool(t)
	ctx := context.Background()

	run := models.NewRun("nope", "", nil)
	require.NoError(t, p.Runs().Create(ctx, run))

	updated := claimAndExecute(t, pool, p)

	assert.Equal(t, models.RunStatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Contains(t, *updated.Error, "template")
}

func TestPool_MissingCallableFailsRun(t *testing.T) {
	pool, p := newPool(t)
	ctx := context.Background()

	// Template exists but its module has no registered functions.
	pool.resolver = callable.NewRegistry()

	run := models.NewRun("sum", "", map[string]any{"x": float64(1)})
	require.NoError(t, p.Runs().Create(ctx, run))

	updated := claimAndExecute(t, pool, p)

	assert.Equal(t, models.RunStatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Contains(t, *updated.Error, "no callable")
}

func TestPool_HITLSuspendAndContinue(t *testing.T) {
	pool, p := newPool(t)
	ctx := context.Background()

	run := models.NewRun("approval", "", map[string]any{"request": "deploy"})
	require.NoError(t, p.Runs().Create(ctx, run))

	suspended := claimAndExecute(t, pool, p)

	assert.Equal(t, models.RunStatusNeedsInput, suspended.Status)
	assert.Nil(t, suspended.ClaimedBy)

	// The continue path: payload recorded, run re-queued.
	suspended.ResumePayload = map[string]any{"answer": "ok"}
	suspended.Status = models.RunStatusQueued
	require.NoError(t, p.Runs().Update(ctx, suspended))

	finished := claimAndExecute(t, pool, p)

	assert.Equal(t, models.RunStatusSucceeded, finished.Status)
	assert.Equal(t, map[string]any{"outcome": "did:ok"}, finished.Result)
}

func TestPool_CancelRequestedCancelsRun(t *testing.T) {
	pool, p := newPool(t)
	ctx := context.Background()

	run := models.NewRun("sum", "", map[string]any{"x": float64(3)})
	run.CancelRequested = true
	require.NoError(t, p.Runs().Create(ctx, run))

	updated := claimAndExecute(t, pool, p)

	assert.Equal(t, models.RunStatusCanceled, updated.Status)
	assert.NotNil(t, updated.FinishedAt)
}

func TestPool_StartDrainsQueue(t *testing.T) {
	pool, p := newPool(t)

	ctx, cancel := context.WithCancel(context.Background())

	run := models.NewRun("sum", "", map[string]any{"x": float64(3)})
	require.NoError(t, p.Runs().Create(context.Background(), run))

	done := make(chan error, 1)

	go func() {
		done <- pool.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		updated, err := p.Runs().GetByID(context.Background(), run.ID)

		return err == nil && updated.Status == models.RunStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPool_FailedRunRetriesFromCheckpoint(t *testing.T) {
	pool, p := newPool(t)
	ctx := context.Background()

	// First attempt fails in B, second succeeds: A must not re-run.
	attempts := 0
	aCalls := 0

	registry := callable.NewRegistry()
	registry.Register("sum", "add_one", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		aCalls++

		return map[string]any{"out": asFloat(inputs["value"]) + 1}, nil
	})
	registry.Register("sum", "double", func(ctx context.Context, inputs, config map[string]any) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, assert.AnError
		}

		return map[string]any{"out": asFloat(inputs["value"]) * 2}, nil
	})

	pool.resolver = registry

	run := models.NewRun("sum", "", map[string]any{"x": float64(3)})
	require.NoError(t, p.Runs().Create(ctx, run))

	failed := claimAndExecute(t, pool, p)
	assert.Equal(t, models.RunStatusFailed, failed.Status)

	// continue on failed: back to queued with the retry counter bumped.
	failed.Status = models.RunStatusQueued
	failed.RetryCount++
	failed.Error = nil
	failed.FinishedAt = nil
	failed.ClaimedBy = nil
	failed.ClaimedAt = nil
	require.NoError(t, p.Runs().Update(ctx, failed))

	finished := claimAndExecute(t, pool, p)

	assert.Equal(t, models.RunStatusSucceeded, finished.Status)
	assert.Equal(t, map[string]any{"y": float64(8)}, finished.Result)
	assert.Equal(t, 1, aCalls, "A resumes from the checkpoint, not from scratch")
}
