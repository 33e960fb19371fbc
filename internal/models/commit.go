package models

import "time"

// Commit represents one observed git commit for a flake.
// AttemptCount increments each time ingestion re-delivers the same commit.
type Commit struct {
	ID              string    `json:"id"`
	FlakeID         string    `json:"flake_id"`
	GitCommitHash   string    `json:"git_commit_hash"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
	AttemptCount    int       `json:"attempt_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// ShortHash returns the abbreviated commit hash used in reporting.
func (c *Commit) ShortHash() string {
	if len(c.GitCommitHash) <= 8 {
		return c.GitCommitHash
	}
	return c.GitCommitHash[:8]
}
