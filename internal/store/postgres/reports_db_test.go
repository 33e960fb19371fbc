package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
)

// TestDeploymentTimelineDeployedCounts pins the timeline join behavior:
// each commit counts the hosts whose current derivation pointer equals the
// commit's nixos store path, zero-count commits still appear, and hosts
// pointing at an empty or "unknown" path never match anything.
func TestDeploymentTimelineDeployedCounts(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)
	ctx := context.Background()

	flake := createTestFlake(t, st)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Five commits, newest first in the report. Index counts from the
	// newest row down.
	paths := make([]string, 5)
	for i := 0; i < 5; i++ {
		commit := createTestCommit(t, st, flake.ID, base.Add(-time.Duration(i)*time.Hour))
		paths[i] = fmt.Sprintf("/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-web-%d", i)
		createTestDerivation(t, st, commit.ID, "web", models.DerivationTypeNixOS, models.StatusComplete, paths[i])
	}

	for host, idx := range map[string]int{"web-01": 4, "web-02": 3, "web-03": 1} {
		err := st.Systems().Upsert(ctx, &models.System{Hostname: host, Derivation: paths[idx]})
		if err != nil {
			t.Fatalf("failed to register system %s: %v", host, err)
		}
	}
	// A host that has never reported a real path must not join, even when
	// a derivation path carries the same placeholder text.
	if err := st.Systems().Upsert(ctx, &models.System{Hostname: "web-new", Derivation: "unknown"}); err != nil {
		t.Fatalf("failed to register system web-new: %v", err)
	}
	unknownCommit := createTestCommit(t, st, flake.ID, base.Add(time.Hour))
	createTestDerivation(t, st, unknownCommit.ID, "web", models.DerivationTypeNixOS, models.StatusComplete, "unknown")

	points, err := st.Reports().DeploymentTimeline(ctx, 0)
	if err != nil {
		t.Fatalf("timeline query failed: %v", err)
	}
	if len(points) != 6 {
		t.Fatalf("got %d timeline points, want 6", len(points))
	}

	// points[0] is the placeholder-path commit, points[1] is paths[0].
	wantCounts := []int{0, 0, 1, 0, 1, 1}
	for i, point := range points {
		if point.DeployedCount != wantCounts[i] {
			t.Errorf("point %d (%s) deployed_count = %d, want %d",
				i, point.ShortHash, point.DeployedCount, wantCounts[i])
		}
		if point.FlakeName != flake.Name {
			t.Errorf("point %d flake = %q, want %q", i, point.FlakeName, flake.Name)
		}
	}
	for i := 1; i < len(points); i++ {
		if points[i].Time.After(points[i-1].Time) {
			t.Errorf("timeline not ordered newest first at index %d", i)
		}
	}
}

// TestCommitProgressWindowCounts verifies the per-commit windowed counts
// over nixos derivations only.
func TestCommitProgressWindowCounts(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)
	ctx := context.Background()

	flake := createTestFlake(t, st)

	// Older commit: one nixos root still in flight. Its package
	// dependency must not show up in the counts.
	older := createTestCommit(t, st, flake.ID, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	createTestDerivation(t, st, older.ID, "web", models.DerivationTypeNixOS, models.StatusBuildPending, "")
	createTestDerivation(t, st, older.ID, "zlib", models.DerivationTypePackage, models.StatusComplete,
		"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-zlib")

	// Newer commit: one root finished, one failed.
	newer := createTestCommit(t, st, flake.ID, time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC))
	createTestDerivation(t, st, newer.ID, "web", models.DerivationTypeNixOS, models.StatusComplete,
		"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-web")
	createTestDerivation(t, st, newer.ID, "db", models.DerivationTypeNixOS, models.StatusFailed, "")

	progress, err := st.Reports().CommitProgress(ctx, 0)
	if err != nil {
		t.Fatalf("commit progress query failed: %v", err)
	}
	if len(progress) != 3 {
		t.Fatalf("got %d progress rows, want one per nixos derivation", len(progress))
	}

	// Newest commit first, derivation names ascending within it.
	newerDB, newerWeb, olderWeb := progress[0], progress[1], progress[2]

	if newerDB.DerivationName != "db" || newerWeb.DerivationName != "web" {
		t.Fatalf("unexpected row order: %s, %s", newerDB.DerivationName, newerWeb.DerivationName)
	}
	for _, row := range []*models.CommitProgress{newerDB, newerWeb} {
		if row.CommitID != newer.ID {
			t.Errorf("row %s commit = %s, want %s", row.DerivationName, row.CommitID, newer.ID)
		}
		if row.Total != 2 || row.Successful != 1 || row.Failed != 1 || row.InProgress != 0 {
			t.Errorf("row %s counts = %d/%d/%d/%d, want 2/1/1/0",
				row.DerivationName, row.Total, row.Successful, row.Failed, row.InProgress)
		}
		if row.ProgressPct != 50 {
			t.Errorf("row %s progress_pct = %v, want 50", row.DerivationName, row.ProgressPct)
		}
	}

	if olderWeb.CommitID != older.ID {
		t.Fatalf("third row commit = %s, want %s", olderWeb.CommitID, older.ID)
	}
	if olderWeb.Total != 1 || olderWeb.Successful != 0 || olderWeb.Failed != 0 || olderWeb.InProgress != 1 {
		t.Errorf("older row counts = %d/%d/%d/%d, want 1/0/0/1",
			olderWeb.Total, olderWeb.Successful, olderWeb.Failed, olderWeb.InProgress)
	}
	if olderWeb.ProgressPct != 0 {
		t.Errorf("older row progress_pct = %v, want 0", olderWeb.ProgressPct)
	}
}
