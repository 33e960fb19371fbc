package models

import "time"

// Flake represents a versioned project definition identified by its
// repository URL. One row per repo URL, created on first webhook.
type Flake struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoURL   string    `json:"repo_url"`
	CreatedAt time.Time `json:"created_at"`
}
