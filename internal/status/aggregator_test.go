package status

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixfleet/orchestrator/internal/catalog"
	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/store/storetest"
	"github.com/nixfleet/orchestrator/pkg/config"
)

func testAggregator(st *storetest.MemStore) *Aggregator {
	return NewAggregator(st, config.StatusConfig{
		HeartbeatWindow: 5 * time.Minute,
		StuckAttempts:   6,
	}, nil)
}

func TestSystemStatusClassifiesRows(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	st := storetest.New()
	st.StatusRows = []*models.SystemStatusRow{
		{
			Hostname:         "web-1",
			HasState:         true,
			LastSeen:         &recent,
			CurrentPath:      "/nix/store/aaa-sys",
			LatestPath:       "/nix/store/aaa-sys",
			LatestStatusName: models.StatusComplete,
		},
		{
			Hostname:         "web-2",
			HasState:         true,
			LastSeen:         &stale,
			CurrentPath:      "/nix/store/aaa-sys",
			LatestPath:       "/nix/store/aaa-sys",
			LatestStatusName: models.StatusComplete,
		},
		{Hostname: "web-3"},
	}

	rows, err := testAggregator(st).SystemStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, ConnectivityOnline, rows[0].ConnectivityStatus)
	assert.Equal(t, UpdateUpToDate, rows[0].UpdateStatus)
	assert.Equal(t, UpdateUpToDate, rows[0].OverallStatus)

	assert.Equal(t, ConnectivityOffline, rows[1].ConnectivityStatus)
	assert.Equal(t, ConnectivityOffline, rows[1].OverallStatus, "offline wins over up_to_date")

	assert.Equal(t, ConnectivityNeverSeen, rows[2].ConnectivityStatus)
	assert.Equal(t, ConnectivityNeverSeen, rows[2].OverallStatus)
}

func TestCommitProgressState(t *testing.T) {
	st := storetest.New()
	st.ProgressRows = []*models.CommitProgress{
		{CommitID: "c1", Total: 2, Successful: 2},
		{CommitID: "c2", Total: 2, Failed: 1},
		{CommitID: "c3", Total: 2, Successful: 1},
	}

	rows, err := testAggregator(st).CommitProgress(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, CommitComplete, rows[0].CommitStatus)
	assert.Equal(t, CommitFailed, rows[1].CommitStatus)
	assert.Equal(t, CommitInProgress, rows[2].CommitStatus)
}

func TestBuildQueueReport(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()

	cat, err := catalog.Load()
	require.NoError(t, err)
	require.NoError(t, st.Statuses().Seed(ctx, cat.Statuses()))

	flake := &models.Flake{ID: "f1", Name: "infra", RepoURL: "https://git.example.com/infra.git"}
	require.NoError(t, st.Flakes().Create(ctx, flake))

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	commit := &models.Commit{ID: "c1", FlakeID: "f1", GitCommitHash: strings.Repeat("a", 40), CommitTimestamp: ts}
	_, err = st.Commits().Upsert(ctx, commit)
	require.NoError(t, err)

	for _, d := range []*models.Derivation{
		{ID: "root", CommitID: "c1", Type: models.DerivationTypeNixOS, Name: "web", Status: models.StatusDryRunComplete, Path: "/nix/store/aaa-web"},
		{ID: "pkg", CommitID: "c1", Type: models.DerivationTypePackage, Name: "zlib", Status: models.StatusDryRunComplete, Path: "/nix/store/aaa-zlib"},
		// Still evaluating, so its group must not appear in the queue.
		{ID: "root2", CommitID: "c1", Type: models.DerivationTypeNixOS, Name: "db", Status: models.StatusEvaluating},
	} {
		require.NoError(t, st.Derivations().Create(ctx, d))
	}
	require.NoError(t, st.Derivations().CreateDependency(ctx, "root", "pkg"))

	rows, err := testAggregator(st).BuildQueue(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "pkg", rows[0].ID)
	assert.Equal(t, models.DerivationTypePackage, rows[0].DerivationType)
	assert.Equal(t, "zlib", rows[0].DerivationName)
	assert.Equal(t, 0, rows[0].GroupOrder)
	assert.Equal(t, "root", rows[0].NixosID)
	assert.NotZero(t, rows[0].StatusID)

	assert.Equal(t, "root", rows[1].ID)
	assert.Equal(t, models.DerivationTypeNixOS, rows[1].DerivationType)
	assert.Equal(t, 1, rows[1].GroupOrder)
	assert.True(t, ts.Equal(rows[1].NixosCommitTS))
}

func TestRecentCommitsClassification(t *testing.T) {
	st := storetest.New()
	st.RecentRows = []*models.RecentCommit{
		{GitCommitHash: "a", AttemptCount: 1, CommitTimestamp: time.Now().Add(-10 * time.Minute)},
		{GitCommitHash: "b", AttemptCount: 6, CommitTimestamp: time.Now().Add(-3 * time.Hour)},
	}

	rows, err := testAggregator(st).RecentCommits(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, AttemptOK, rows[0].AttemptStatus)
	assert.InDelta(t, 10, rows[0].MinutesSinceCommit, 1)
	assert.Equal(t, "10 minutes", rows[0].AgeInterval)

	assert.Equal(t, AttemptStuck, rows[1].AttemptStatus)
	assert.Equal(t, "3 hours", rows[1].AgeInterval)
}
