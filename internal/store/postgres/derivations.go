package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/store"
)

// DerivationStore implements store.DerivationStore using PostgreSQL.
type DerivationStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *DerivationStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const derivationColumns = `
	d.id, d.commit_id, d.derivation_type, d.derivation_name, d.derivation_path,
	d.status_id, st.name, d.attempt_count, d.created_at, d.updated_at,
	d.scheduled_at, d.started_at, d.completed_at, d.error_message,
	d.pname, d.version, d.evaluation_duration_ms`

// scanDerivation scans one derivation row with its joined status name.
func scanDerivation(scan func(...any) error) (*models.Derivation, error) {
	d := &models.Derivation{}
	var path, errMsg, pname, version sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullTime
	var evalDuration sql.NullInt64

	err := scan(
		&d.ID,
		&d.CommitID,
		&d.Type,
		&d.Name,
		&path,
		&d.StatusID,
		&d.Status,
		&d.AttemptCount,
		&d.CreatedAt,
		&d.UpdatedAt,
		&scheduledAt,
		&startedAt,
		&completedAt,
		&errMsg,
		&pname,
		&version,
		&evalDuration,
	)
	if err != nil {
		return nil, err
	}

	if path.Valid {
		d.Path = path.String
	}
	if errMsg.Valid {
		d.ErrorMessage = errMsg.String
	}
	if pname.Valid {
		d.Pname = pname.String
	}
	if version.Valid {
		d.Version = version.String
	}
	if scheduledAt.Valid {
		d.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		d.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	if evalDuration.Valid {
		d.EvalDurationMS = evalDuration.Int64
	}

	return d, nil
}

// Create creates a new derivation. The status is referenced by name.
func (s *DerivationStore) Create(ctx context.Context, d *models.Derivation) error {
	query := `
		INSERT INTO derivations (id, commit_id, derivation_type, derivation_name,
			derivation_path, status_id, attempt_count, created_at, updated_at,
			scheduled_at, pname, version)
		SELECT $1, $2, $3, $4, $5, st.id, $6, $7, $7, $8, $9, $10
		FROM derivation_statuses st
		WHERE st.name = $11
		RETURNING status_id, created_at, updated_at`

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = models.StatusPending
	}

	var path, pname, version sql.NullString
	if d.Path != "" {
		path = sql.NullString{String: d.Path, Valid: true}
	}
	if d.Pname != "" {
		pname = sql.NullString{String: d.Pname, Valid: true}
	}
	if d.Version != "" {
		version = sql.NullString{String: d.Version, Valid: true}
	}

	err := s.conn().QueryRowContext(ctx, query,
		d.ID,
		d.CommitID,
		d.Type,
		d.Name,
		path,
		d.AttemptCount,
		d.CreatedAt,
		d.ScheduledAt,
		pname,
		version,
		d.Status,
	).Scan(&d.StatusID, &d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown status %q", d.Status)
		}
		return fmt.Errorf("inserting derivation: %w", err)
	}

	return nil
}

// CreateDependency records a dependency edge from a nixos root to a package.
func (s *DerivationStore) CreateDependency(ctx context.Context, derivationID, dependsOnID string) error {
	query := `
		INSERT INTO derivation_dependencies (derivation_id, depends_on_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.conn().ExecContext(ctx, query, derivationID, dependsOnID); err != nil {
		return fmt.Errorf("inserting derivation dependency: %w", err)
	}

	return nil
}

// Get retrieves a derivation by ID.
func (s *DerivationStore) Get(ctx context.Context, id string) (*models.Derivation, error) {
	query := `
		SELECT ` + derivationColumns + `
		FROM derivations d
		JOIN derivation_statuses st ON st.id = d.status_id
		WHERE d.id = $1`

	row := s.conn().QueryRowContext(ctx, query, id)
	d, err := scanDerivation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying derivation: %w", err)
	}

	return d, nil
}

// ListByCommit retrieves all derivations for a commit.
func (s *DerivationStore) ListByCommit(ctx context.Context, commitID string) ([]*models.Derivation, error) {
	query := `
		SELECT ` + derivationColumns + `
		FROM derivations d
		JOIN derivation_statuses st ON st.id = d.status_id
		WHERE d.commit_id = $1
		ORDER BY d.derivation_type DESC, d.derivation_name ASC`

	return s.list(ctx, query, commitID)
}

// ListByStatus retrieves derivations in any of the named statuses, oldest
// updated first so stalled work is picked up before fresh work.
func (s *DerivationStore) ListByStatus(ctx context.Context, statusNames []string, limit int) ([]*models.Derivation, error) {
	query := `
		SELECT ` + derivationColumns + `
		FROM derivations d
		JOIN derivation_statuses st ON st.id = d.status_id
		WHERE st.name = ANY($1)
		ORDER BY d.updated_at ASC
		LIMIT $2`

	if limit <= 0 {
		limit = 500
	}

	return s.list(ctx, query, statusNames, limit)
}

func (s *DerivationStore) list(ctx context.Context, query string, args ...any) ([]*models.Derivation, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying derivations: %w", err)
	}
	defer rows.Close()

	var derivations []*models.Derivation
	for rows.Next() {
		d, err := scanDerivation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning derivation row: %w", err)
		}
		derivations = append(derivations, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating derivation rows: %w", err)
	}

	return derivations, nil
}

// BuildCandidates retrieves every member of each dependency group in which
// at least one member is in one of the named statuses. Each row carries its
// owning nixos root and that root's commit timestamp; group readiness and
// ordering are applied by the planner.
func (s *DerivationStore) BuildCandidates(ctx context.Context, statusNames []string) ([]*models.BuildCandidate, error) {
	query := `
		WITH members AS (
			SELECT d.id AS root_id, d.id AS member_id
			FROM derivations d
			WHERE d.derivation_type = 'nixos'
			UNION ALL
			SELECT dd.derivation_id, dd.depends_on_id
			FROM derivation_dependencies dd
		),
		hot AS (
			SELECT DISTINCT m.root_id
			FROM members m
			JOIN derivations d ON d.id = m.member_id
			JOIN derivation_statuses st ON st.id = d.status_id
			WHERE st.name = ANY($1)
		)
		SELECT ` + derivationColumns + `, m.root_id, c.commit_timestamp
		FROM members m
		JOIN hot ON hot.root_id = m.root_id
		JOIN derivations d ON d.id = m.member_id
		JOIN derivation_statuses st ON st.id = d.status_id
		JOIN derivations root ON root.id = m.root_id
		JOIN commits c ON c.id = root.commit_id`

	rows, err := s.conn().QueryContext(ctx, query, statusNames)
	if err != nil {
		return nil, fmt.Errorf("querying build candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*models.BuildCandidate
	for rows.Next() {
		cand := &models.BuildCandidate{}
		var path, errMsg, pname, version sql.NullString
		var scheduledAt, startedAt, completedAt sql.NullTime
		var evalDuration sql.NullInt64

		err := rows.Scan(
			&cand.ID,
			&cand.CommitID,
			&cand.Type,
			&cand.Name,
			&path,
			&cand.StatusID,
			&cand.Status,
			&cand.AttemptCount,
			&cand.CreatedAt,
			&cand.UpdatedAt,
			&scheduledAt,
			&startedAt,
			&completedAt,
			&errMsg,
			&pname,
			&version,
			&evalDuration,
			&cand.RootID,
			&cand.RootCommitTime,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning build candidate row: %w", err)
		}

		if path.Valid {
			cand.Path = path.String
		}
		if errMsg.Valid {
			cand.ErrorMessage = errMsg.String
		}
		if pname.Valid {
			cand.Pname = pname.String
		}
		if version.Valid {
			cand.Version = version.String
		}
		if scheduledAt.Valid {
			cand.ScheduledAt = &scheduledAt.Time
		}
		if startedAt.Valid {
			cand.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			cand.CompletedAt = &completedAt.Time
		}
		if evalDuration.Valid {
			cand.EvalDurationMS = evalDuration.Int64
		}

		candidates = append(candidates, cand)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build candidate rows: %w", err)
	}

	return candidates, nil
}

// Transition atomically moves a derivation from one status to another. The
// WHERE clause on the current status makes this a compare-and-swap: when
// another worker already moved the row, zero rows match and ErrConflict is
// returned without touching anything.
func (s *DerivationStore) Transition(ctx context.Context, id, from, to string, patch store.TransitionPatch) error {
	query := `
		UPDATE derivations d
		SET status_id = ns.id,
			updated_at = now(),
			derivation_path = CASE
				WHEN $3 THEN NULL
				WHEN $4::text IS NOT NULL THEN $4
				ELSE d.derivation_path
			END,
			error_message = COALESCE($5, d.error_message),
			pname = COALESCE($6, d.pname),
			version = COALESCE($7, d.version),
			evaluation_duration_ms = COALESCE($8, d.evaluation_duration_ms),
			started_at = CASE WHEN $9 THEN now() ELSE d.started_at END,
			completed_at = CASE WHEN $10 THEN now() ELSE d.completed_at END,
			attempt_count = d.attempt_count + CASE WHEN $11 THEN 1 ELSE 0 END
		FROM derivation_statuses ns, derivation_statuses cs
		WHERE d.id = $1
		  AND ns.name = $2
		  AND cs.name = $12
		  AND d.status_id = cs.id`

	var path sql.NullString
	if patch.Path != nil {
		path = sql.NullString{String: *patch.Path, Valid: true}
	}
	var errMsg, pname, version sql.NullString
	if patch.ErrorMessage != nil {
		errMsg = sql.NullString{String: *patch.ErrorMessage, Valid: true}
	}
	if patch.Pname != nil {
		pname = sql.NullString{String: *patch.Pname, Valid: true}
	}
	if patch.Version != nil {
		version = sql.NullString{String: *patch.Version, Valid: true}
	}
	var evalDuration sql.NullInt64
	if patch.EvalDurationMS != nil {
		evalDuration = sql.NullInt64{Int64: *patch.EvalDurationMS, Valid: true}
	}

	result, err := s.conn().ExecContext(ctx, query,
		id,
		to,
		patch.ClearPath,
		path,
		errMsg,
		pname,
		version,
		evalDuration,
		patch.SetStartedAt,
		patch.SetCompletedAt,
		patch.IncrementAttempt,
		from,
	)
	if err != nil {
		return fmt.Errorf("transitioning derivation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrConflict
	}

	return nil
}

// ReclaimStale resets to pending every derivation wedged in a non-terminal,
// non-pending status whose updated_at is older than the threshold. The
// sweep is idempotent: rows it already reset get a fresh updated_at and no
// longer match.
func (s *DerivationStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE derivations d
		SET status_id = p.id,
			updated_at = now()
		FROM derivation_statuses p, derivation_statuses cur
		WHERE p.name = $1
		  AND cur.id = d.status_id
		  AND cur.is_terminal = FALSE
		  AND cur.name <> $1
		  AND d.updated_at < $2`

	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.conn().ExecContext(ctx, query, models.StatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale derivations: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	return rowsAffected, nil
}
