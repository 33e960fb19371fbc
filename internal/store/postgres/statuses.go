package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nixfleet/orchestrator/internal/models"
)

// StatusStore implements store.StatusStore using PostgreSQL.
type StatusStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *StatusStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Seed inserts or updates the status catalog rows. Names are the stable
// key; flags and ordering follow the catalog.
func (s *StatusStore) Seed(ctx context.Context, statuses []*models.DerivationStatus) error {
	query := `
		INSERT INTO derivation_statuses (id, name, display_order, is_terminal, is_success)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name)
		DO UPDATE SET display_order = EXCLUDED.display_order,
			is_terminal = EXCLUDED.is_terminal,
			is_success = EXCLUDED.is_success`

	for _, status := range statuses {
		_, err := s.conn().ExecContext(ctx, query,
			status.ID,
			status.Name,
			status.DisplayOrder,
			status.IsTerminal,
			status.IsSuccess,
		)
		if err != nil {
			return fmt.Errorf("seeding status %q: %w", status.Name, err)
		}
	}

	return nil
}

// List retrieves the catalog ordered by display_order.
func (s *StatusStore) List(ctx context.Context) ([]*models.DerivationStatus, error) {
	query := `
		SELECT id, name, display_order, is_terminal, is_success
		FROM derivation_statuses
		ORDER BY display_order ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*models.DerivationStatus
	for rows.Next() {
		status := &models.DerivationStatus{}
		err := rows.Scan(
			&status.ID,
			&status.Name,
			&status.DisplayOrder,
			&status.IsTerminal,
			&status.IsSuccess,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning status row: %w", err)
		}
		statuses = append(statuses, status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status rows: %w", err)
	}

	return statuses, nil
}

// GetByName retrieves a catalog row by status name.
func (s *StatusStore) GetByName(ctx context.Context, name string) (*models.DerivationStatus, error) {
	query := `
		SELECT id, name, display_order, is_terminal, is_success
		FROM derivation_statuses
		WHERE name = $1`

	status := &models.DerivationStatus{}
	err := s.conn().QueryRowContext(ctx, query, name).Scan(
		&status.ID,
		&status.Name,
		&status.DisplayOrder,
		&status.IsTerminal,
		&status.IsSuccess,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying status: %w", err)
	}

	return status, nil
}
