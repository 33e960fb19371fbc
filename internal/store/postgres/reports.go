package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nixfleet/orchestrator/internal/models"
)

// ReportStore implements store.ReportStore using PostgreSQL. All queries
// are read-only and resolve missing data to NULL/zero instead of failing.
type ReportStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ReportStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// CommitProgress returns per-commit build progress over nixos derivations,
// one row per nixos derivation, newest commits first.
func (s *ReportStore) CommitProgress(ctx context.Context, limit int) ([]*models.CommitProgress, error) {
	query := `
		SELECT
			c.id,
			c.git_commit_hash,
			LEFT(c.git_commit_hash, 8),
			c.commit_timestamp,
			f.name,
			d.derivation_name,
			st.name,
			st.display_order,
			COUNT(*) OVER w,
			COUNT(*) FILTER (WHERE st.is_terminal AND st.is_success) OVER w,
			COUNT(*) FILTER (WHERE st.is_terminal AND NOT st.is_success) OVER w,
			COUNT(*) FILTER (WHERE NOT st.is_terminal) OVER w
		FROM derivations d
		JOIN commits c ON c.id = d.commit_id
		JOIN flakes f ON f.id = c.flake_id
		JOIN derivation_statuses st ON st.id = d.status_id
		WHERE d.derivation_type = 'nixos'
		WINDOW w AS (PARTITION BY c.id)
		ORDER BY c.commit_timestamp DESC, d.derivation_name ASC
		LIMIT $1`

	if limit <= 0 {
		limit = 200
	}

	rows, err := s.conn().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commit progress: %w", err)
	}
	defer rows.Close()

	var progress []*models.CommitProgress
	for rows.Next() {
		p := &models.CommitProgress{}
		err := rows.Scan(
			&p.CommitID,
			&p.GitCommitHash,
			&p.ShortHash,
			&p.CommitTimestamp,
			&p.FlakeName,
			&p.DerivationName,
			&p.DerivationStatus,
			&p.StatusOrder,
			&p.Total,
			&p.Successful,
			&p.Failed,
			&p.InProgress,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning commit progress row: %w", err)
		}
		if p.Total > 0 {
			p.ProgressPct = float64(p.Successful) * 100 / float64(p.Total)
		}
		progress = append(progress, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commit progress rows: %w", err)
	}

	return progress, nil
}

// SystemStatus returns the raw per-host inputs used by the status
// aggregator. The latest nixos derivation is resolved within the flake
// lineage the host's deployed path belongs to, falling back to the newest
// lineage overall when the deployed path is unknown.
func (s *ReportStore) SystemStatus(ctx context.Context) ([]*models.SystemStatusRow, error) {
	query := `
		SELECT
			s.hostname,
			ls.derivation_path,
			ls.id IS NOT NULL,
			hb.timestamp,
			hb.agent_version,
			hb.uptime_seconds,
			hb.ip_address,
			latest.derivation_path,
			latest.git_commit_hash,
			latest.status_name,
			older.matched IS NOT NULL
		FROM systems s
		LEFT JOIN LATERAL (
			SELECT ss.id, ss.derivation_path
			FROM system_states ss
			WHERE ss.hostname = s.hostname
			ORDER BY ss.timestamp DESC, ss.id DESC
			LIMIT 1
		) ls ON TRUE
		LEFT JOIN LATERAL (
			SELECT h.timestamp, h.agent_version, h.uptime_seconds, h.ip_address
			FROM agent_heartbeats h
			WHERE h.system_state_id = ls.id
			ORDER BY h.timestamp DESC
			LIMIT 1
		) hb ON TRUE
		LEFT JOIN LATERAL (
			SELECT c.flake_id
			FROM derivations d
			JOIN commits c ON c.id = d.commit_id
			WHERE d.derivation_type = 'nixos' AND d.derivation_path = ls.derivation_path
			LIMIT 1
		) tracked ON TRUE
		LEFT JOIN LATERAL (
			SELECT d.derivation_path, c.git_commit_hash, st.name AS status_name
			FROM derivations d
			JOIN commits c ON c.id = d.commit_id
			JOIN derivation_statuses st ON st.id = d.status_id
			WHERE d.derivation_type = 'nixos'
			  AND (tracked.flake_id IS NULL OR c.flake_id = tracked.flake_id)
			ORDER BY c.commit_timestamp DESC
			LIMIT 1
		) latest ON TRUE
		LEFT JOIN LATERAL (
			SELECT TRUE AS matched
			FROM derivations d2
			JOIN derivation_statuses st2 ON st2.id = d2.status_id
			WHERE d2.derivation_type = 'nixos'
			  AND st2.is_success
			  AND d2.derivation_path = ls.derivation_path
			LIMIT 1
		) older ON TRUE
		ORDER BY s.hostname ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying system status: %w", err)
	}
	defer rows.Close()

	var statuses []*models.SystemStatusRow
	for rows.Next() {
		row := &models.SystemStatusRow{}
		var currentPath, agentVersion, ipAddress sql.NullString
		var latestPath, latestHash, latestStatus sql.NullString
		var lastSeen sql.NullTime
		var uptime sql.NullInt64

		err := rows.Scan(
			&row.Hostname,
			&currentPath,
			&row.HasState,
			&lastSeen,
			&agentVersion,
			&uptime,
			&ipAddress,
			&latestPath,
			&latestHash,
			&latestStatus,
			&row.MatchesOlder,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning system status row: %w", err)
		}

		if currentPath.Valid {
			row.CurrentPath = currentPath.String
		}
		if lastSeen.Valid {
			row.LastSeen = &lastSeen.Time
		}
		if agentVersion.Valid {
			row.AgentVersion = agentVersion.String
		}
		if uptime.Valid {
			row.UptimeSeconds = uptime.Int64
		}
		if ipAddress.Valid {
			row.IPAddress = ipAddress.String
		}
		if latestPath.Valid {
			row.LatestPath = latestPath.String
		}
		if latestHash.Valid {
			row.LatestCommitHash = latestHash.String
		}
		if latestStatus.Valid {
			row.LatestStatusName = latestStatus.String
		}

		statuses = append(statuses, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating system status rows: %w", err)
	}

	return statuses, nil
}

// DeploymentTimeline returns, per commit, the number of systems currently
// deployed at that commit's nixos store path. The LEFT JOIN keeps commits
// with zero deployments; hosts with an unknown deployment never match and
// so never increment any count.
func (s *ReportStore) DeploymentTimeline(ctx context.Context, limit int) ([]*models.TimelinePoint, error) {
	query := `
		SELECT
			c.commit_timestamp,
			f.name,
			LEFT(c.git_commit_hash, 8),
			COUNT(s.hostname)
		FROM commits c
		JOIN flakes f ON f.id = c.flake_id
		JOIN derivations d ON d.commit_id = c.id AND d.derivation_type = 'nixos'
		LEFT JOIN systems s
			ON d.derivation_path IS NOT NULL
			AND s.derivation = d.derivation_path
			AND s.derivation <> ''
			AND s.derivation <> 'unknown'
		GROUP BY c.id, c.commit_timestamp, f.name, c.git_commit_hash
		ORDER BY c.commit_timestamp DESC
		LIMIT $1`

	if limit <= 0 {
		limit = 200
	}

	rows, err := s.conn().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying deployment timeline: %w", err)
	}
	defer rows.Close()

	var points []*models.TimelinePoint
	for rows.Next() {
		point := &models.TimelinePoint{}
		err := rows.Scan(
			&point.Time,
			&point.FlakeName,
			&point.ShortHash,
			&point.DeployedCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning timeline row: %w", err)
		}
		points = append(points, point)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating timeline rows: %w", err)
	}

	return points, nil
}

// RecentCommits returns recently ingested commits with their attempt
// counts. Attempt classification and age formatting happen read-time in
// the status aggregator.
func (s *ReportStore) RecentCommits(ctx context.Context, limit int) ([]*models.RecentCommit, error) {
	query := `
		SELECT f.name, c.git_commit_hash, c.commit_timestamp, c.attempt_count
		FROM commits c
		JOIN flakes f ON f.id = c.flake_id
		ORDER BY c.commit_timestamp DESC
		LIMIT $1`

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.conn().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent commits: %w", err)
	}
	defer rows.Close()

	var commits []*models.RecentCommit
	for rows.Next() {
		rc := &models.RecentCommit{}
		err := rows.Scan(
			&rc.FlakeName,
			&rc.GitCommitHash,
			&rc.CommitTimestamp,
			&rc.AttemptCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning recent commit row: %w", err)
		}
		commits = append(commits, rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recent commit rows: %w", err)
	}

	return commits, nil
}
