// Package main provides runner, the one-shot CLI: it compiles a WIRL file
// and executes a single run locally, printing the final channel map as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/wirl-dev/wirlflow/pkg/callable"
	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
	"github.com/wirl-dev/wirlflow/pkg/compiler"
	"github.com/wirl-dev/wirlflow/pkg/engine"
	"github.com/wirl-dev/wirlflow/pkg/log"
	"github.com/wirl-dev/wirlflow/pkg/wirl"
)

func main() {
	cmd := &cli.Command{
		Name:      "runner",
		Usage:     "Execute one workflow run locally",
		ArgsUsage: "<path/to/file.wirl>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "functions",
				Usage:    "Callable module: a registered module name or exec:<path> for a subprocess binding",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "param",
				Usage: "Workflow input as K=V (values are JSON-decoded when possible); repeatable",
			},
			&cli.StringFlag{
				Name:  "resume",
				Usage: "JSON payload answering a pending human-input suspension",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run ID to execute or resume (auto-generated if not provided)",
			},
			&cli.StringFlag{
				Name:    "checkpoint-db",
				Usage:   "SQLite checkpoint database path; empty keeps checkpoints in memory",
				Sources: cli.EnvVars("RUNNER_CHECKPOINT_DB"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "runner:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	path := command.Args().First()
	if path == "" {
		return errors.New("a .wirl file argument is required")
	}

	file, err := wirl.ParseFile(path)
	if err != nil {
		return err
	}

	graph, err := compiler.Compile(file)
	if err != nil {
		return err
	}

	inputs, err := parseParams(command.StringSlice("param"))
	if err != nil {
		return err
	}

	var resume any

	if raw := command.String("resume"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &resume); err != nil {
			return fmt.Errorf("invalid --resume payload: %w", err)
		}
	}

	store, closeStore, err := openStore(ctx, command.String("checkpoint-db"))
	if err != nil {
		return err
	}

	defer closeStore()

	runID := command.String("run-id")
	if runID == "" {
		runID = uuid.New().String()
	}

	// Registry.Resolve understands the exec:<path> module form, which is the
	// binding this standalone binary relies on; embedding programs register
	// in-process Go modules instead.
	eng := engine.New(graph, callable.NewRegistry(), store)

	outcome, err := eng.Run(ctx, engine.RunParams{
		RunID:  runID,
		Module: command.String("functions"),
		Inputs: inputs,
		Resume: resume,
	})
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case engine.OutcomeCompleted:
		return printJSON(outcome.Channels)
	case engine.OutcomeSuspended:
		fmt.Fprintf(os.Stderr, "runner: run %s suspended at node %q; continue with --run-id %s --resume '<json>'\n",
			runID, outcome.Suspension.Node, runID)

		return printJSON(map[string]any{
			"__interrupt__": outcome.Suspension.Node,
			"correlation":   outcome.Suspension.Correlation,
		})
	case engine.OutcomeCanceled:
		return errors.New("run canceled")
	default:
		return errors.New(outcome.NodeErr.Error())
	}
}

func openStore(ctx context.Context, path string) (checkpoint.Store, func(), error) {
	if path == "" {
		return checkpoint.NewMemoryStore(), func() {}, nil
	}

	store, err := checkpoint.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	return store, func() { _ = store.Close() }, nil
}

func parseParams(params []string) (map[string]any, error) {
	inputs := make(map[string]any, len(params))

	for _, param := range params {
		key, raw, ok := strings.Cut(param, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected K=V", param)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw // not valid JSON: keep the raw string
		}

		inputs[key] = value
	}

	return inputs, nil
}

func printJSON(value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	fmt.Println(string(encoded))

	return nil
}
