package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
)

// SystemStore implements store.SystemStore using PostgreSQL.
type SystemStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *SystemStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Upsert registers a host or updates its current derivation pointer.
// Last write wins; history lives in system_states.
func (s *SystemStore) Upsert(ctx context.Context, system *models.System) error {
	query := `
		INSERT INTO systems (hostname, derivation, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (hostname)
		DO UPDATE SET derivation = EXCLUDED.derivation, updated_at = now()
		RETURNING created_at, updated_at`

	var derivation sql.NullString
	if system.Derivation != "" {
		derivation = sql.NullString{String: system.Derivation, Valid: true}
	}

	err := s.conn().QueryRowContext(ctx, query, system.Hostname, derivation).
		Scan(&system.CreatedAt, &system.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting system: %w", err)
	}

	return nil
}

// Get retrieves a host by hostname.
func (s *SystemStore) Get(ctx context.Context, hostname string) (*models.System, error) {
	query := `
		SELECT hostname, derivation, created_at, updated_at
		FROM systems
		WHERE hostname = $1`

	system := &models.System{}
	var derivation sql.NullString

	err := s.conn().QueryRowContext(ctx, query, hostname).Scan(
		&system.Hostname,
		&derivation,
		&system.CreatedAt,
		&system.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying system: %w", err)
	}

	if derivation.Valid {
		system.Derivation = derivation.String
	}

	return system, nil
}

// List retrieves all hosts.
func (s *SystemStore) List(ctx context.Context) ([]*models.System, error) {
	query := `
		SELECT hostname, derivation, created_at, updated_at
		FROM systems
		ORDER BY hostname ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying systems: %w", err)
	}
	defer rows.Close()

	var systems []*models.System
	for rows.Next() {
		system := &models.System{}
		var derivation sql.NullString
		if err := rows.Scan(&system.Hostname, &derivation, &system.CreatedAt, &system.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning system row: %w", err)
		}
		if derivation.Valid {
			system.Derivation = derivation.String
		}
		systems = append(systems, system)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating system rows: %w", err)
	}

	return systems, nil
}

// AppendState appends a deployment event for a host and returns its ID.
func (s *SystemStore) AppendState(ctx context.Context, state *models.SystemState) (int64, error) {
	query := `
		INSERT INTO system_states (hostname, derivation_path, change_reason, timestamp)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if state.Timestamp.IsZero() {
		state.Timestamp = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		state.Hostname,
		state.DerivationPath,
		state.ChangeReason,
		state.Timestamp,
	).Scan(&state.ID)
	if err != nil {
		return 0, fmt.Errorf("inserting system state: %w", err)
	}

	return state.ID, nil
}

// LatestState retrieves the most recent deployment event for a host.
func (s *SystemStore) LatestState(ctx context.Context, hostname string) (*models.SystemState, error) {
	query := `
		SELECT id, hostname, derivation_path, change_reason, timestamp
		FROM system_states
		WHERE hostname = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`

	state := &models.SystemState{}
	err := s.conn().QueryRowContext(ctx, query, hostname).Scan(
		&state.ID,
		&state.Hostname,
		&state.DerivationPath,
		&state.ChangeReason,
		&state.Timestamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying latest system state: %w", err)
	}

	return state, nil
}

// RecordHeartbeat appends a heartbeat tied to a system state.
func (s *SystemStore) RecordHeartbeat(ctx context.Context, hb *models.AgentHeartbeat) error {
	query := `
		INSERT INTO agent_heartbeats (system_state_id, timestamp, agent_version, uptime_seconds, ip_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}

	var agentVersion, ipAddress sql.NullString
	if hb.AgentVersion != "" {
		agentVersion = sql.NullString{String: hb.AgentVersion, Valid: true}
	}
	if hb.IPAddress != "" {
		ipAddress = sql.NullString{String: hb.IPAddress, Valid: true}
	}

	err := s.conn().QueryRowContext(ctx, query,
		hb.SystemStateID,
		hb.Timestamp,
		agentVersion,
		hb.UptimeSeconds,
		ipAddress,
	).Scan(&hb.ID)
	if err != nil {
		return fmt.Errorf("inserting heartbeat: %w", err)
	}

	return nil
}
