package models

import "time"

// CommitProgress summarizes build progress of the nixos derivations of one
// commit, one row per nixos derivation.
type CommitProgress struct {
	CommitID         string    `json:"commit_id"`
	GitCommitHash    string    `json:"git_commit_hash"`
	ShortHash        string    `json:"short_hash"`
	CommitTimestamp  time.Time `json:"commit_timestamp"`
	FlakeName        string    `json:"flake_name"`
	DerivationName   string    `json:"derivation_name"`
	DerivationStatus string    `json:"derivation_status"`
	StatusOrder      int       `json:"status_order"`
	Total            int       `json:"total"`
	Successful       int       `json:"successful"`
	Failed           int       `json:"failed"`
	InProgress       int       `json:"in_progress"`
	ProgressPct      float64   `json:"progress_pct"`
	CommitStatus     string    `json:"commit_status"`
}

// QueueRow is one row of the planned build queue report, in execution
// order: packages before their owning nixos root, newest root commit
// first.
type QueueRow struct {
	ID             string         `json:"id"`
	CommitID       string         `json:"commit_id"`
	DerivationType DerivationType `json:"derivation_type"`
	DerivationName string         `json:"derivation_name"`
	DerivationPath string         `json:"derivation_path,omitempty"`
	StatusID       int            `json:"status_id"`
	NixosID        string         `json:"nixos_id"`
	NixosCommitTS  time.Time      `json:"nixos_commit_ts"`
	GroupOrder     int            `json:"group_order"`
}

// SystemStatusRow is one fleet host in the system status report. The
// classification fields are derived read-time from the raw fields by the
// status aggregator.
type SystemStatusRow struct {
	Hostname           string     `json:"hostname"`
	ConnectivityStatus string     `json:"connectivity_status"`
	UpdateStatus       string     `json:"update_status"`
	OverallStatus      string     `json:"overall_status"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
	AgentVersion       string     `json:"agent_version,omitempty"`
	UptimeSeconds      int64      `json:"uptime,omitempty"`
	IPAddress          string     `json:"ip_address,omitempty"`
	CurrentPath        string     `json:"current_derivation_path,omitempty"`
	LatestPath         string     `json:"latest_derivation_path,omitempty"`
	LatestCommitHash   string     `json:"latest_commit_hash,omitempty"`

	// Raw inputs for classification, not serialized.
	HasState         bool   `json:"-"`
	LatestStatusName string `json:"-"`
	MatchesOlder     bool   `json:"-"`
}

// TimelinePoint is one commit on the deployment timeline with the number of
// systems currently deployed at exactly that commit's store path. Commits
// with zero deployments still appear.
type TimelinePoint struct {
	Time          time.Time `json:"time"`
	FlakeName     string    `json:"flake_name"`
	ShortHash     string    `json:"short_hash"`
	DeployedCount int       `json:"deployed_count"`
}

// RecentCommit is one row of the recent-commit attempt report.
type RecentCommit struct {
	FlakeName          string    `json:"flake"`
	GitCommitHash      string    `json:"commit"`
	CommitTimestamp    time.Time `json:"commit_timestamp"`
	AttemptCount       int       `json:"attempt_count"`
	AttemptStatus      string    `json:"attempt_status"`
	MinutesSinceCommit float64   `json:"minutes_since_commit"`
	AgeInterval        string    `json:"age_interval"`
}
