// Package main provides the wirlflow API server: the control-plane HTTP
// surface plus the in-process trigger scheduler.
package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/wirl-dev/wirlflow/pkg/log"
	"github.com/wirl-dev/wirlflow/pkg/persistence/postgresql"
	"github.com/wirl-dev/wirlflow/pkg/scheduler"
	"github.com/wirl-dev/wirlflow/pkg/template"
)

func main() {
	cmd := &cli.Command{
		Name:                  "wirlflow-api",
		EnableShellCompletion: true,
		Usage:                 "Start the workflow control-plane API and trigger scheduler",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP port to listen on",
				Value:   8000,
				Sources: cli.EnvVars("PORT"),
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
			&cli.DurationFlag{
				Name:    "scheduler-tick",
				Usage:   "Trigger poll interval",
				Value:   15 * time.Second,
				Sources: cli.EnvVars("SCHEDULER_TICK"),
			},
			&cli.DurationFlag{
				Name:    "checkpoint-ttl",
				Usage:   "Retention of checkpoints after a run finishes",
				Value:   720 * time.Hour,
				Sources: cli.EnvVars("CHECKPOINT_TTL"),
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

			logger := log.WithModule("wirlflow-api")
			logger.InfoContext(ctx, "Initializing wirlflow API")

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

			sched := scheduler.New(persistence, templates, log.WithModule("scheduler"),
				scheduler.WithTickInterval(command.Duration("scheduler-tick")),
				scheduler.WithCheckpointTTL(command.Duration("checkpoint-ttl")),
			)
			sched.Start(ctx)

			defer sched.Stop()

			api := NewAPI(logger, persistence, templates)

			return api.Start(int(command.Int("port")))
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("wirlflow-api").Error("API server exited", "error", err)
		os.Exit(1)
	}
}
