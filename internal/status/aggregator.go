package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/planner"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/pkg/config"
)

// Aggregator serves the read-side fleet and commit reports. It never
// mutates the store.
type Aggregator struct {
	store  store.Store
	cfg    config.StatusConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates a status aggregator.
func NewAggregator(st store.Store, cfg config.StatusConfig, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SystemStatus returns every fleet host with connectivity, update, and
// overall classification applied.
func (a *Aggregator) SystemStatus(ctx context.Context) ([]*models.SystemStatusRow, error) {
	rows, err := a.store.Reports().SystemStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query system status: %w", err)
	}

	now := a.now()
	for _, row := range rows {
		row.ConnectivityStatus = Connectivity(row.HasState, row.LastSeen, now, a.cfg.HeartbeatWindow)
		row.UpdateStatus = Update(row)
		row.OverallStatus = Overall(row.ConnectivityStatus, row.UpdateStatus)
	}
	return rows, nil
}

// CommitProgress returns per-commit nixos build progress with the commit
// state label applied.
func (a *Aggregator) CommitProgress(ctx context.Context, limit int) ([]*models.CommitProgress, error) {
	rows, err := a.store.Reports().CommitProgress(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commit progress: %w", err)
	}

	for _, row := range rows {
		row.CommitStatus = CommitState(row.Total, row.Successful, row.Failed)
	}
	return rows, nil
}

// DeploymentTimeline returns per-commit deployed-system counts.
func (a *Aggregator) DeploymentTimeline(ctx context.Context, limit int) ([]*models.TimelinePoint, error) {
	points, err := a.store.Reports().DeploymentTimeline(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment timeline: %w", err)
	}
	return points, nil
}

// BuildQueue returns the dependency-ordered queue the build loop would
// work next. It plans over the same candidate rows as the engine, so the
// report shows exactly what the next build pass will claim.
func (a *Aggregator) BuildQueue(ctx context.Context) ([]*models.QueueRow, error) {
	candidates, err := a.store.Derivations().BuildCandidates(ctx, []string{models.StatusDryRunComplete})
	if err != nil {
		return nil, fmt.Errorf("failed to query build candidates: %w", err)
	}

	items := planner.Plan(candidates, models.BuildQualifiedStatuses, planner.Options{})
	rows := make([]*models.QueueRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, &models.QueueRow{
			ID:             item.ID,
			CommitID:       item.CommitID,
			DerivationType: item.Type,
			DerivationName: item.Name,
			DerivationPath: item.Path,
			StatusID:       item.StatusID,
			NixosID:        item.GroupID,
			NixosCommitTS:  item.RootCommitTime,
			GroupOrder:     item.GroupOrder,
		})
	}
	return rows, nil
}

// RecentCommits returns recently ingested commits with attempt
// classification and age applied.
func (a *Aggregator) RecentCommits(ctx context.Context, limit int) ([]*models.RecentCommit, error) {
	rows, err := a.store.Reports().RecentCommits(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent commits: %w", err)
	}

	now := a.now()
	for _, row := range rows {
		age := now.Sub(row.CommitTimestamp)
		row.AttemptStatus = Attempts(row.AttemptCount, a.cfg.StuckAttempts)
		row.MinutesSinceCommit = age.Minutes()
		row.AgeInterval = FormatAge(age)
	}
	return rows, nil
}
