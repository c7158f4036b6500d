package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_runs (
				id UUID PRIMARY KEY,
				template_name VARCHAR(255) NOT NULL,
				workflow_hash VARCHAR(64) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL DEFAULT 'queued',
				inputs JSONB,
				result JSONB,
				error TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				claimed_by VARCHAR(255),
				claimed_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				resume_payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_runs_queue
				ON workflow_runs (created_at)
				WHERE status IN ('queued', 'running');

			CREATE INDEX IF NOT EXISTS idx_workflow_runs_status
				ON workflow_runs (status);

			CREATE TABLE IF NOT EXISTS workflow_triggers (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				template_name VARCHAR(255) NOT NULL,
				inputs_template JSONB,
				cron_expression VARCHAR(255) NOT NULL,
				timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				next_run_at TIMESTAMP WITH TIME ZONE,
				last_run_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_triggers_due
				ON workflow_triggers (next_run_at)
				WHERE is_active;

			CREATE TABLE IF NOT EXISTS workflow_checkpoints (
				run_id UUID NOT NULL,
				superstep INTEGER NOT NULL,
				snapshot JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (run_id, superstep)
			);
		`,
	}
}
