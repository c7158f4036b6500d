// Package scheduler polls workflow triggers and enqueues runs for the due
// ones. Coordination across overlapping pollers relies on Postgres row
// locking: a due trigger is locked, its run enqueued, and its next fire time
// advanced inside one transaction.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence"
	"github.com/wirl-dev/wirlflow/pkg/template"
)

const (
	defaultTickInterval  = 15 * time.Second
	defaultCheckpointTTL = 720 * time.Hour
	janitorInterval      = time.Hour
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the trigger poll interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.tickInterval = interval
	}
}

// WithCheckpointTTL overrides how long checkpoints of terminal runs are
// retained.
func WithCheckpointTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.checkpointTTL = ttl
	}
}

// Scheduler is the cron trigger poller plus the checkpoint janitor.
type Scheduler struct {
	persistence   persistence.Persistence
	templates     *template.Loader
	logger        *slog.Logger
	tickInterval  time.Duration
	checkpointTTL time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// New creates a scheduler.
func New(p persistence.Persistence, templates *template.Loader, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		persistence:   p,
		templates:     templates,
		logger:        logger,
		tickInterval:  defaultTickInterval,
		checkpointTTL: defaultCheckpointTTL,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the poll loops until the context is canceled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.started = true
	s.done = make(chan struct{})

	s.logger.InfoContext(ctx, "Starting trigger scheduler", "tick", s.tickInterval.String())

	go s.pollTriggers(ctx)
	go s.pollJanitor(ctx)
}

// Stop stops the poll loops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	close(s.done)
	s.started = false
}

func (s *Scheduler) pollTriggers(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessDueTriggers(ctx)
		}
	}
}

func (s *Scheduler) pollJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupCheckpoints(ctx)
		}
	}
}

// ProcessDueTriggers fires every due trigger exactly once. Exported so tests
// and the API process can run a tick synchronously.
func (s *Scheduler) ProcessDueTriggers(ctx context.Context) {
	now := time.Now().UTC()

	err := s.persistence.Triggers().FireDue(ctx, now, func(trigger *models.Trigger) *models.Run {
		return s.fire(ctx, trigger, now)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to process due triggers", "error", err)
	}
}

// fire enqueues one run for a due trigger and advances next_run_at strictly
// past the previous fire time rather than past now: overlapping pollers that both
// observe the same due minute would otherwise enqueue twice.
func (s *Scheduler) fire(ctx context.Context, trigger *models.Trigger, now time.Time) *models.Run {
	tpl, err := s.templates.Get(trigger.TemplateName)
	if err != nil {
		if template.IsTemplateNotFound(err) {
			s.logger.WarnContext(ctx, "Disabling trigger: template missing",
				"trigger_id", trigger.ID,
				"template", trigger.TemplateName)
			trigger.Deactivate(err.Error())

			return nil
		}

		// Transient definitions-directory failure: leave the trigger due and
		// retry next tick.
		s.logger.ErrorContext(ctx, "Failed to resolve trigger template",
			"trigger_id", trigger.ID,
			"error", err)

		return nil
	}

	previous := now
	if trigger.NextRunAt != nil {
		previous = trigger.NextRunAt.UTC()
	}

	next, err := trigger.NextAfter(previous)
	if err != nil {
		s.logger.WarnContext(ctx, "Disabling trigger: invalid schedule",
			"trigger_id", trigger.ID,
			"cron", trigger.CronExpression,
			"error", err)
		trigger.Deactivate(err.Error())

		return nil
	}

	trigger.NextRunAt = &next
	trigger.LastRunAt = &now
	trigger.LastError = nil

	run := models.NewRun(tpl.ID, "", trigger.InputsTemplate)

	s.logger.InfoContext(ctx, "Trigger fired",
		"trigger_id", trigger.ID,
		"template", tpl.ID,
		"run_id", run.ID,
		"next_run_at", next)

	return run
}

func (s *Scheduler) cleanupCheckpoints(ctx context.Context) {
	deleted, err := s.persistence.Checkpoints().DeleteExpired(ctx, s.checkpointTTL)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to delete expired checkpoints", "error", err)

		return
	}

	if deleted > 0 {
		s.logger.InfoContext(ctx, "Deleted expired checkpoints", "count", deleted)
	}
}
