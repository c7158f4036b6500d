package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wirl-dev/wirlflow/pkg/compiler"
	"github.com/wirl-dev/wirlflow/pkg/engine"
	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/otelhelper"
	"github.com/wirl-dev/wirlflow/pkg/persistence"
)

const (
	cancelPollInterval = time.Second
	storeRetryAttempts = 5
	storeRetryBase     = 500 * time.Millisecond
)

// executeRun drives one claimed run through the engine and publishes the
// terminal or interim state.
func (p *Pool) executeRun(ctx context.Context, run *models.Run) {
	logger := p.logger.With("run_id", run.ID, "template", run.TemplateName)
	logger.InfoContext(ctx, "Executing run", "retry_count", run.RetryCount)

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "run.execute",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.TemplateKey, run.TemplateName),
		attribute.String(otelhelper.WorkerIDKey, p.workerID),
		attribute.Int(otelhelper.RetryCountKey, run.RetryCount),
	)
	defer span.End()

	graph, hash, err := p.templates.Load(run.TemplateName)
	if err != nil {
		otelhelper.SetError(span, err)
		p.failRun(ctx, run, fmt.Sprintf("failed to load template: %v", err))

		return
	}

	run.WorkflowHash = hash

	// Resolve every call target up front so a missing callable fails the run
	// before any node executes.
	if err := p.resolveCallables(graph, run.TemplateName); err != nil {
		otelhelper.SetError(span, err)
		p.failRun(ctx, run, err.Error())

		return
	}

	eng := engine.New(graph, p.resolver, p.persistence.Checkpoints(),
		engine.WithCancelCheck(p.cancelCheck(run.ID)),
	)

	var resume any
	if run.ResumePayload != nil {
		resume = run.ResumePayload["answer"]
	}

	outcome, err := eng.Run(ctx, engine.RunParams{
		RunID:  run.ID,
		Module: run.TemplateName,
		Inputs: run.Inputs,
		Resume: resume,
	})
	if err != nil {
		// Infrastructure failure (checkpoint store): record the run as failed,
		// best effort; if that update fails too, the row stays running and
		// stale reclaim picks it up.
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Run aborted on store failure", "error", err)
		p.failRun(ctx, run, fmt.Sprintf("store failure: %v", err))

		return
	}

	span.SetAttributes(attribute.String(otelhelper.RunStatusKey, string(outcome.Kind)))

	now := time.Now().UTC()

	switch outcome.Kind {
	case engine.OutcomeCompleted:
		run.Status = models.RunStatusSucceeded
		run.Result = outcome.Output
		run.Error = nil
		run.ResumePayload = nil
		run.FinishedAt = &now

		logger.InfoContext(ctx, "Run succeeded")

	case engine.OutcomeSuspended:
		run.Status = models.RunStatusNeedsInput
		run.ResumePayload = nil
		run.ClaimedBy = nil
		run.ClaimedAt = nil

		logger.InfoContext(ctx, "Run suspended for human input", "node", outcome.Suspension.Node)

	case engine.OutcomeCanceled:
		run.Status = models.RunStatusCanceled
		run.FinishedAt = &now

		logger.InfoContext(ctx, "Run canceled")

	case engine.OutcomeFailed:
		message := outcome.NodeErr.Error()
		run.Status = models.RunStatusFailed
		run.Error = &message
		run.FinishedAt = &now

		otelhelper.SetError(span, outcome.NodeErr)
		logger.ErrorContext(ctx, "Run failed", "node", outcome.NodeErr.Node, "error", message)
	}

	p.publish(ctx, run)
}

// resolveCallables checks every node's call target, including cycle-internal
// nodes.
func (p *Pool) resolveCallables(graph *compiler.Graph, module string) error {
	check := func(node *compiler.Node) error {
		if _, err := p.resolver.Resolve(module, node.Call); err != nil {
			return err
		}

		return nil
	}

	for _, node := range graph.Nodes {
		if err := check(node); err != nil {
			return err
		}
	}

	for _, cycle := range graph.Cycles {
		for _, node := range cycle.Nodes {
			if err := check(node); err != nil {
				return err
			}
		}
	}

	return nil
}

// cancelCheck builds the cooperative cancel flag for a run. The database is
// polled at most once per second; read failures leave the flag untouched.
func (p *Pool) cancelCheck(runID string) func(context.Context) bool {
	var (
		mu        sync.Mutex
		lastCheck time.Time
		canceled  bool
	)

	return func(ctx context.Context) bool {
		mu.Lock()
		defer mu.Unlock()

		if canceled || time.Since(lastCheck) < cancelPollInterval {
			return canceled
		}

		lastCheck = time.Now()

		requested, err := p.persistence.Runs().CancelRequested(ctx, runID)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to read cancel flag", "run_id", runID, "error", err)

			return canceled
		}

		canceled = requested

		return canceled
	}
}

func (p *Pool) failRun(ctx context.Context, run *models.Run, message string) {
	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.Error = &message
	run.FinishedAt = &now

	p.publish(ctx, run)
}

// publish writes the run row while the claim is still owned, retrying
// transient store failures with backoff. A lost claim aborts silently: the
// reclaiming worker owns the row now.
func (p *Pool) publish(ctx context.Context, run *models.Run) {
	delay := storeRetryBase

	for attempt := 1; ; attempt++ {
		err := p.persistence.Runs().UpdateClaimed(ctx, run, p.workerID)
		if err == nil {
			return
		}

		if persistence.IsClaimLost(err) {
			p.logger.WarnContext(ctx, "Run claim lost, leaving row for reclaim", "run_id", run.ID)

			return
		}

		if attempt >= storeRetryAttempts {
			p.logger.ErrorContext(ctx, "Giving up on run update; stale-claim reclaim will recover",
				"run_id", run.ID, "error", err)

			return
		}

		p.logger.WarnContext(ctx, "Run update failed, retrying",
			"run_id", run.ID, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
	}
}
