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

// CommitStore implements store.CommitStore using PostgreSQL.
type CommitStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *CommitStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Upsert inserts a commit or, when the (flake_id, git_commit_hash) pair
// already exists, increments its attempt_count. Returns true when a new row
// was created.
func (s *CommitStore) Upsert(ctx context.Context, commit *models.Commit) (bool, error) {
	query := `
		INSERT INTO commits (id, flake_id, git_commit_hash, commit_timestamp, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (flake_id, git_commit_hash)
		DO UPDATE SET attempt_count = commits.attempt_count + 1
		RETURNING id, attempt_count, created_at`

	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		commit.ID,
		commit.FlakeID,
		commit.GitCommitHash,
		commit.CommitTimestamp,
		commit.CreatedAt,
	).Scan(&commit.ID, &commit.AttemptCount, &commit.CreatedAt)

	if err != nil {
		return false, fmt.Errorf("upserting commit: %w", err)
	}

	return commit.AttemptCount == 1, nil
}

// Get retrieves a commit by ID.
func (s *CommitStore) Get(ctx context.Context, id string) (*models.Commit, error) {
	return s.getWhere(ctx, "id = $1", id)
}

// GetByHash retrieves a commit by flake ID and git hash.
func (s *CommitStore) GetByHash(ctx context.Context, flakeID, hash string) (*models.Commit, error) {
	return s.getWhere(ctx, "flake_id = $1 AND git_commit_hash = $2", flakeID, hash)
}

func (s *CommitStore) getWhere(ctx context.Context, where string, args ...any) (*models.Commit, error) {
	query := `
		SELECT id, flake_id, git_commit_hash, commit_timestamp, attempt_count, created_at
		FROM commits
		WHERE ` + where

	commit := &models.Commit{}
	err := s.conn().QueryRowContext(ctx, query, args...).Scan(
		&commit.ID,
		&commit.FlakeID,
		&commit.GitCommitHash,
		&commit.CommitTimestamp,
		&commit.AttemptCount,
		&commit.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying commit: %w", err)
	}

	return commit, nil
}

// ListByFlake retrieves commits for a flake ordered by commit timestamp,
// newest first.
func (s *CommitStore) ListByFlake(ctx context.Context, flakeID string, limit int) ([]*models.Commit, error) {
	query := `
		SELECT id, flake_id, git_commit_hash, commit_timestamp, attempt_count, created_at
		FROM commits
		WHERE flake_id = $1
		ORDER BY commit_timestamp DESC
		LIMIT $2`

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.conn().QueryContext(ctx, query, flakeID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commits: %w", err)
	}
	defer rows.Close()

	var commits []*models.Commit
	for rows.Next() {
		commit := &models.Commit{}
		err := rows.Scan(
			&commit.ID,
			&commit.FlakeID,
			&commit.GitCommitHash,
			&commit.CommitTimestamp,
			&commit.AttemptCount,
			&commit.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning commit row: %w", err)
		}
		commits = append(commits, commit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commit rows: %w", err)
	}

	return commits, nil
}
