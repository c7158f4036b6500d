// Package main provides the wirlflow worker: it claims queued runs and
// drives the execution engine for each.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/wirl-dev/wirlflow/pkg/callable"
	"github.com/wirl-dev/wirlflow/pkg/log"
	"github.com/wirl-dev/wirlflow/pkg/otelhelper"
	"github.com/wirl-dev/wirlflow/pkg/persistence/postgresql"
	"github.com/wirl-dev/wirlflow/pkg/template"
	"github.com/wirl-dev/wirlflow/pkg/worker"
)

func main() {
	cmd := &cli.Command{
		Name:                  "wirlflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker pool executing queued workflow runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection URL",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "workflow-definitions-path",
				Usage:    "Directory containing .wirl workflow templates",
				Value:    "./workflow_definitions",
				Required: false,
				Sources:  cli.EnvVars("WORKFLOW_DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "functions-path",
				Usage:   "Directory of callable executables, one per template module",
				Value:   "./functions",
				Sources: cli.EnvVars("FUNCTIONS_PATH"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of runs executed concurrently",
				Value:   4,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "stale-timeout",
				Usage:   "Age after which another worker may reclaim a run",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("STALE_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for run execution",
				Sources: cli.EnvVars("OTEL_TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("wirlflow-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing wirlflow worker")

			persistence, err := postgresql.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			templates := template.NewLoader(command.String("workflow-definitions-path"))
			resolver := callable.NewDirResolver(command.String("functions-path"), callable.NewRegistry())

			opts := []worker.Option{
				worker.WithSize(int(command.Int("concurrency"))),
				worker.WithStaleTimeout(command.Duration("stale-timeout")),
			}

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "wirlflow-worker")
				if err != nil {
					return err
				}

				opts = append(opts, worker.WithTracer(tracer))
			}

			pool := worker.NewPool(workerID, persistence, templates, resolver, logger, opts...)

			return pool.Start(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("wirlflow-worker").Error("Worker exited", "error", err)
		os.Exit(1)
	}
}
