// Package postgresql provides PostgreSQL persistence for runs, triggers, and
// checkpoints.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/wirl-dev/wirlflow/pkg/persistence"
	"github.com/wirl-dev/wirlflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	runRepo        *RunRepository
	triggerRepo    *TriggerRepository
	checkpointRepo *CheckpointRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs pending
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		runRepo:        NewRunRepository(database, logger),
		triggerRepo:    NewTriggerRepository(database, logger),
		checkpointRepo: NewCheckpointRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Runs returns the run repository.
func (p *Persistence) Runs() persistence.RunRepository {
	return p.runRepo
}

// Triggers returns the trigger repository.
func (p *Persistence) Triggers() persistence.TriggerRepository {
	return p.triggerRepo
}

// Checkpoints returns the checkpoint repository.
func (p *Persistence) Checkpoints() persistence.CheckpointRepository {
	return p.checkpointRepo
}
