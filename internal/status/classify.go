// Package status derives fleet and commit views from the store at read
// time. Classification is pure so the rules are testable without a database.
package status

import (
	"fmt"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
)

// Connectivity classifications.
const (
	ConnectivityOnline    = "online"
	ConnectivityOffline   = "offline"
	ConnectivityNeverSeen = "never_seen"
)

// Update classifications.
const (
	UpdateUpToDate   = "up_to_date"
	UpdateBehind     = "behind"
	UpdateEvalFailed = "evaluation_failed"
	UpdateNeverSeen  = "never_seen"
)

// Attempt classifications.
const (
	AttemptOK       = "ok"
	AttemptRetrying = "retrying"
	AttemptStuck    = "failed_or_stuck"
)

// Commit build states.
const (
	CommitComplete   = "complete"
	CommitFailed     = "failed"
	CommitInProgress = "in_progress"
)

// Connectivity classifies a host from its heartbeat recency. A host with no
// recorded state at all has never been seen; one with state but a stale or
// missing heartbeat is offline.
func Connectivity(hasState bool, lastSeen *time.Time, now time.Time, window time.Duration) string {
	if !hasState {
		return ConnectivityNeverSeen
	}
	if lastSeen == nil || now.Sub(*lastSeen) > window {
		return ConnectivityOffline
	}
	return ConnectivityOnline
}

// Update classifies a host's deployed path against the latest built nixos
// derivation of the lineage it tracks.
func Update(row *models.SystemStatusRow) string {
	if !row.HasState {
		return UpdateNeverSeen
	}
	switch row.LatestStatusName {
	case models.StatusEvalFailed, models.StatusFailed:
		return UpdateEvalFailed
	}
	if row.LatestPath == "" {
		return UpdateNeverSeen
	}
	if row.CurrentPath == row.LatestPath {
		return UpdateUpToDate
	}
	if row.MatchesOlder {
		return UpdateBehind
	}
	return UpdateNeverSeen
}

// Overall combines connectivity and update status. A host that is offline or
// unseen reports that, regardless of how current its deployment is.
func Overall(connectivity, update string) string {
	if connectivity == ConnectivityOffline || connectivity == ConnectivityNeverSeen {
		return connectivity
	}
	return update
}

// Attempts classifies a commit's ingestion attempt count. Counts at or past
// the stuck cutoff indicate the pipeline keeps re-receiving the commit
// without it ever completing.
func Attempts(attemptCount, stuckCutoff int) string {
	switch {
	case attemptCount >= stuckCutoff:
		return AttemptStuck
	case attemptCount > 1:
		return AttemptRetrying
	default:
		return AttemptOK
	}
}

// CommitState classifies a commit's nixos build progress.
func CommitState(total, successful, failed int) string {
	switch {
	case total > 0 && successful == total:
		return CommitComplete
	case failed > 0 && successful == 0:
		return CommitFailed
	default:
		return CommitInProgress
	}
}

// FormatAge renders a duration as a coarse human age, largest unit only.
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}
