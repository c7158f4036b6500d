// Package worker claims queued runs from the Postgres-backed queue and
// drives the engine for each. A pool runs N runs concurrently; execution
// inside one run stays strictly sequential.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/wirl-dev/wirlflow/pkg/callable"
	"github.com/wirl-dev/wirlflow/pkg/persistence"
	"github.com/wirl-dev/wirlflow/pkg/template"
)

const (
	defaultSize         = 4
	defaultPollInterval = time.Second
	defaultStaleTimeout = 5 * time.Minute
)

// Option configures a Pool.
type Option func(*Pool)

// WithSize sets how many runs execute concurrently.
func WithSize(size int) Option {
	return func(p *Pool) {
		p.size = size
	}
}

// WithPollInterval sets the queue poll interval when idle.
func WithPollInterval(interval time.Duration) Option {
	return func(p *Pool) {
		p.pollInterval = interval
	}
}

// WithStaleTimeout sets how old a claim must be before another worker may
// reclaim it.
func WithStaleTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		p.staleTimeout = timeout
	}
}

// WithTracer installs a tracer for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pool) {
		p.tracer = tracer
	}
}

// Pool claims and executes runs until its context is canceled.
type Pool struct {
	workerID     string
	persistence  persistence.Persistence
	templates    *template.Loader
	resolver     callable.Resolver
	logger       *slog.Logger
	tracer       trace.Tracer
	size         int
	pollInterval time.Duration
	staleTimeout time.Duration
}

// NewPool creates a worker pool.
func NewPool(
	workerID string,
	p persistence.Persistence,
	templates *template.Loader,
	resolver callable.Resolver,
	logger *slog.Logger,
	opts ...Option,
) *Pool {
	pool := &Pool{
		workerID:     workerID,
		persistence:  p,
		templates:    templates,
		resolver:     resolver,
		logger:       logger,
		tracer:       noop.NewTracerProvider().Tracer("worker"),
		size:         defaultSize,
		pollInterval: defaultPollInterval,
		staleTimeout: defaultStaleTimeout,
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Start runs the claim loop until ctx is canceled, then waits for in-flight
// runs to finish.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Starting worker pool", "size", p.size)

	slots := make(chan struct{}, p.size)

	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.logger.InfoContext(ctx, "Worker pool stopped")

			return nil
		case slots <- struct{}{}:
		}

		run, err := p.persistence.Runs().ClaimNext(ctx, p.workerID, p.staleTimeout)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to claim run", "error", err)
		}

		if run == nil {
			<-slots

			select {
			case <-ctx.Done():
				wg.Wait()

				return nil
			case <-time.After(p.pollInterval):
			}

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer func() { <-slots }()

			p.executeRun(ctx, run)
		}()
	}
}
