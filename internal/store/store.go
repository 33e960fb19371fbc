// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
)

// Store is the main interface for database operations.
type Store interface {
	// Flakes returns the FlakeStore for flake operations.
	Flakes() FlakeStore
	// Commits returns the CommitStore for commit operations.
	Commits() CommitStore
	// Derivations returns the DerivationStore for derivation operations.
	Derivations() DerivationStore
	// Statuses returns the StatusStore for status catalog operations.
	Statuses() StatusStore
	// Systems returns the SystemStore for fleet host operations.
	Systems() SystemStore
	// Reports returns the ReportStore for read-only aggregation queries.
	Reports() ReportStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}

// FlakeStore defines operations for flake management.
type FlakeStore interface {
	// Create creates a new flake.
	Create(ctx context.Context, flake *models.Flake) error
	// Get retrieves a flake by ID.
	Get(ctx context.Context, id string) (*models.Flake, error)
	// GetByRepoURL retrieves a flake by its repository URL.
	GetByRepoURL(ctx context.Context, repoURL string) (*models.Flake, error)
	// List retrieves all flakes.
	List(ctx context.Context) ([]*models.Flake, error)
	// Rename updates a flake's display name. The repo URL is immutable.
	Rename(ctx context.Context, id, name string) error
}

// CommitStore defines operations for commit management.
type CommitStore interface {
	// Upsert inserts a commit, or increments attempt_count when the
	// (flake_id, git_commit_hash) pair already exists. Returns true when a
	// new row was created.
	Upsert(ctx context.Context, commit *models.Commit) (bool, error)
	// Get retrieves a commit by ID.
	Get(ctx context.Context, id string) (*models.Commit, error)
	// GetByHash retrieves a commit by flake ID and git hash.
	GetByHash(ctx context.Context, flakeID, hash string) (*models.Commit, error)
	// ListByFlake retrieves commits for a flake ordered by commit_timestamp DESC.
	ListByFlake(ctx context.Context, flakeID string, limit int) ([]*models.Commit, error)
}

// TransitionPatch carries the column updates applied alongside a status
// transition. Nil pointer fields are left unchanged.
type TransitionPatch struct {
	// Path sets derivation_path when non-nil.
	Path *string
	// ClearPath nulls derivation_path; takes precedence over Path.
	ClearPath bool
	// ErrorMessage sets error_message when non-nil.
	ErrorMessage *string
	// Pname sets pname when non-nil.
	Pname *string
	// Version sets version when non-nil.
	Version *string
	// EvalDurationMS sets evaluation_duration_ms when non-nil.
	EvalDurationMS *int64
	// SetStartedAt stamps started_at with the transition time.
	SetStartedAt bool
	// SetCompletedAt stamps completed_at with the transition time.
	SetCompletedAt bool
	// IncrementAttempt bumps attempt_count, used on retry paths only.
	IncrementAttempt bool
}

// DerivationStore defines operations for derivation lifecycle management.
type DerivationStore interface {
	// Create creates a new derivation.
	Create(ctx context.Context, d *models.Derivation) error
	// CreateDependency records a dependency edge from a nixos root to a
	// package derivation.
	CreateDependency(ctx context.Context, derivationID, dependsOnID string) error
	// Get retrieves a derivation by ID with its status name joined.
	Get(ctx context.Context, id string) (*models.Derivation, error)
	// ListByCommit retrieves all derivations for a commit.
	ListByCommit(ctx context.Context, commitID string) ([]*models.Derivation, error)
	// ListByStatus retrieves derivations in any of the named statuses,
	// oldest updated first.
	ListByStatus(ctx context.Context, statusNames []string, limit int) ([]*models.Derivation, error)
	// BuildCandidates retrieves every member of each dependency group in
	// which at least one member is in one of the named statuses. The
	// planner applies grouping, ordering, and readiness rules.
	BuildCandidates(ctx context.Context, statusNames []string) ([]*models.BuildCandidate, error)
	// Transition atomically moves a derivation from one status to another,
	// applying the patch, and stamps updated_at. It is the claim primitive:
	// a conditional update that matches zero rows returns ErrConflict.
	Transition(ctx context.Context, id, from, to string, patch TransitionPatch) error
	// ReclaimStale resets to pending every derivation whose status is
	// non-terminal and not pending and whose updated_at is older than the
	// threshold. Returns the number of rows reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StatusStore defines operations for the derivation status catalog.
type StatusStore interface {
	// Seed inserts or updates the catalog rows.
	Seed(ctx context.Context, statuses []*models.DerivationStatus) error
	// List retrieves the catalog ordered by display_order.
	List(ctx context.Context) ([]*models.DerivationStatus, error)
	// GetByName retrieves a catalog row by status name.
	GetByName(ctx context.Context, name string) (*models.DerivationStatus, error)
}

// SystemStore defines operations for fleet host state and heartbeats.
type SystemStore interface {
	// Upsert registers a host or updates its current derivation pointer.
	Upsert(ctx context.Context, system *models.System) error
	// Get retrieves a host by hostname.
	Get(ctx context.Context, hostname string) (*models.System, error)
	// List retrieves all hosts.
	List(ctx context.Context) ([]*models.System, error)
	// AppendState appends a deployment event and returns its ID.
	AppendState(ctx context.Context, state *models.SystemState) (int64, error)
	// LatestState retrieves the most recent state for a host, or
	// ErrNotFound when the host has never reported.
	LatestState(ctx context.Context, hostname string) (*models.SystemState, error)
	// RecordHeartbeat appends a heartbeat tied to a system state.
	RecordHeartbeat(ctx context.Context, hb *models.AgentHeartbeat) error
}

// ReportStore defines the read-only aggregation queries consumed by
// external reporting. Implementations never mutate the store and resolve
// missing data to zero values rather than failing.
type ReportStore interface {
	// CommitProgress returns per-commit build progress over nixos
	// derivations, newest commits first.
	CommitProgress(ctx context.Context, limit int) ([]*models.CommitProgress, error)
	// SystemStatus returns the raw per-host status inputs; connectivity
	// and update classification is applied by the status aggregator.
	SystemStatus(ctx context.Context) ([]*models.SystemStatusRow, error)
	// DeploymentTimeline returns, per commit, the number of systems
	// currently deployed at that commit's nixos store path. Commits with
	// zero deployments are included.
	DeploymentTimeline(ctx context.Context, limit int) ([]*models.TimelinePoint, error)
	// RecentCommits returns recently ingested commits with attempt counts.
	RecentCommits(ctx context.Context, limit int) ([]*models.RecentCommit, error)
}
