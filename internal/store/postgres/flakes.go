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

// FlakeStore implements store.FlakeStore using PostgreSQL.
type FlakeStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *FlakeStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new flake.
func (s *FlakeStore) Create(ctx context.Context, flake *models.Flake) error {
	query := `
		INSERT INTO flakes (id, name, repo_url, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	if flake.CreatedAt.IsZero() {
		flake.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		flake.ID,
		flake.Name,
		flake.RepoURL,
		flake.CreatedAt,
	).Scan(&flake.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting flake: %w", err)
	}

	return nil
}

// Get retrieves a flake by ID.
func (s *FlakeStore) Get(ctx context.Context, id string) (*models.Flake, error) {
	return s.getWhere(ctx, "id = $1", id)
}

// GetByRepoURL retrieves a flake by its repository URL.
func (s *FlakeStore) GetByRepoURL(ctx context.Context, repoURL string) (*models.Flake, error) {
	return s.getWhere(ctx, "repo_url = $1", repoURL)
}

func (s *FlakeStore) getWhere(ctx context.Context, where string, arg any) (*models.Flake, error) {
	query := `
		SELECT id, name, repo_url, created_at
		FROM flakes
		WHERE ` + where

	flake := &models.Flake{}
	err := s.conn().QueryRowContext(ctx, query, arg).Scan(
		&flake.ID,
		&flake.Name,
		&flake.RepoURL,
		&flake.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying flake: %w", err)
	}

	return flake, nil
}

// List retrieves all flakes.
func (s *FlakeStore) List(ctx context.Context) ([]*models.Flake, error) {
	query := `
		SELECT id, name, repo_url, created_at
		FROM flakes
		ORDER BY name ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying flakes: %w", err)
	}
	defer rows.Close()

	var flakes []*models.Flake
	for rows.Next() {
		flake := &models.Flake{}
		if err := rows.Scan(&flake.ID, &flake.Name, &flake.RepoURL, &flake.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning flake row: %w", err)
		}
		flakes = append(flakes, flake)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating flake rows: %w", err)
	}

	return flakes, nil
}

// Rename updates a flake's display name.
func (s *FlakeStore) Rename(ctx context.Context, id, name string) error {
	query := `UPDATE flakes SET name = $2 WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, name)
	if err != nil {
		return fmt.Errorf("renaming flake: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
