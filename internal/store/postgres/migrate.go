package postgres

import (
	"context"
	"fmt"
)

// schema holds the DDL for all orchestrator tables. Statements are
// idempotent so Migrate can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS flakes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repo_url TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS commits (
		id TEXT PRIMARY KEY,
		flake_id TEXT NOT NULL REFERENCES flakes(id),
		git_commit_hash TEXT NOT NULL,
		commit_timestamp TIMESTAMPTZ NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (flake_id, git_commit_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS derivation_statuses (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_order INTEGER NOT NULL,
		is_terminal BOOLEAN NOT NULL DEFAULT FALSE,
		is_success BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS derivations (
		id TEXT PRIMARY KEY,
		commit_id TEXT NOT NULL REFERENCES commits(id),
		derivation_type TEXT NOT NULL,
		derivation_name TEXT NOT NULL,
		derivation_path TEXT,
		status_id INTEGER NOT NULL REFERENCES derivation_statuses(id),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		scheduled_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		pname TEXT,
		version TEXT,
		evaluation_duration_ms BIGINT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_derivations_status ON derivations(status_id)`,
	`CREATE INDEX IF NOT EXISTS idx_derivations_commit ON derivations(commit_id)`,
	`CREATE INDEX IF NOT EXISTS idx_derivations_updated ON derivations(updated_at)`,

	`CREATE TABLE IF NOT EXISTS derivation_dependencies (
		derivation_id TEXT NOT NULL REFERENCES derivations(id),
		depends_on_id TEXT NOT NULL REFERENCES derivations(id),
		PRIMARY KEY (derivation_id, depends_on_id)
	)`,

	`CREATE TABLE IF NOT EXISTS systems (
		hostname TEXT PRIMARY KEY,
		derivation TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS system_states (
		id BIGSERIAL PRIMARY KEY,
		hostname TEXT NOT NULL,
		derivation_path TEXT NOT NULL,
		change_reason TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_system_states_host ON system_states(hostname, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS agent_heartbeats (
		id BIGSERIAL PRIMARY KEY,
		system_state_id BIGINT NOT NULL REFERENCES system_states(id),
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		agent_version TEXT,
		uptime_seconds BIGINT,
		ip_address TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_agent_heartbeats_state ON agent_heartbeats(system_state_id, timestamp DESC)`,
}

// Migrate creates the orchestrator schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	s.logger.Info("database schema up to date")
	return nil
}
