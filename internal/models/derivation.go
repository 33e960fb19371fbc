package models

import "time"

// DerivationType distinguishes whole-system closures from their
// build-time package dependencies.
type DerivationType string

const (
	// DerivationTypeNixOS is a whole-system closure, the root of a group.
	DerivationTypeNixOS DerivationType = "nixos"
	// DerivationTypePackage is a build-time dependency of a nixos root.
	DerivationTypePackage DerivationType = "package"
)

// Derivation is one buildable unit tied to a commit, tracked through the
// status lifecycle. Path is empty while evaluation is pending or failed.
type Derivation struct {
	ID             string         `json:"id"`
	CommitID       string         `json:"commit_id"`
	Type           DerivationType `json:"derivation_type"`
	Name           string         `json:"derivation_name"`
	Path           string         `json:"derivation_path,omitempty"`
	StatusID       int            `json:"status_id"`
	Status         string         `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Pname          string         `json:"pname,omitempty"`
	Version        string         `json:"version,omitempty"`
	EvalDurationMS int64          `json:"evaluation_duration_ms,omitempty"`
}

// DerivationDependency is one edge of the per-commit DAG: a nixos root
// depends on a package derivation.
type DerivationDependency struct {
	DerivationID string `json:"derivation_id"`
	DependsOnID  string `json:"depends_on_id"`
}

// BuildCandidate is a derivation annotated with its owning nixos root and
// that root's commit timestamp, as fetched for build queue planning. For a
// nixos derivation the root is itself.
type BuildCandidate struct {
	Derivation
	RootID         string    `json:"root_id"`
	RootCommitTime time.Time `json:"root_commit_time"`
}

// QueueItem is one planned build queue entry. GroupOrder runs 0..n-1 over
// the root's package dependencies, with n being the root itself.
type QueueItem struct {
	Derivation
	GroupID        string    `json:"group_id"`
	GroupOrder     int       `json:"group_order"`
	RootCommitTime time.Time `json:"root_commit_time"`
}
