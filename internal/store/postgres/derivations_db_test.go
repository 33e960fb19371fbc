package postgres

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nixfleet/orchestrator/internal/catalog"
	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/store"
)

func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestStore connects to the database named by TEST_DATABASE_URL,
// migrates the schema, wipes all data rows, and seeds the status catalog.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewPostgresStore(DefaultConfig(dsn), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	wipeData(t, st)

	cat, err := catalog.Load()
	if err != nil {
		st.Close()
		t.Fatalf("failed to load status catalog: %v", err)
	}
	if err := st.Statuses().Seed(ctx, cat.Statuses()); err != nil {
		st.Close()
		t.Fatalf("failed to seed status catalog: %v", err)
	}

	return st
}

// wipeData deletes all data rows in dependency order. The status catalog
// table is left alone; Seed is idempotent.
func wipeData(t *testing.T, st *PostgresStore) {
	t.Helper()
	for _, table := range []string{
		"agent_heartbeats", "system_states", "systems",
		"derivation_dependencies", "derivations", "commits", "flakes",
	} {
		if _, err := st.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("failed to clear %s: %v", table, err)
		}
	}
}

func cleanupTestStore(t *testing.T, st *PostgresStore) {
	t.Helper()
	wipeData(t, st)
	st.Close()
}

func randomCommitHash() string {
	hex := strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	return hex[:40]
}

func createTestFlake(t *testing.T, st *PostgresStore) *models.Flake {
	t.Helper()
	flake := &models.Flake{
		ID:      uuid.New().String(),
		Name:    "infra",
		RepoURL: "https://git.example.com/" + uuid.New().String() + ".git",
	}
	if err := st.Flakes().Create(context.Background(), flake); err != nil {
		t.Fatalf("failed to create flake: %v", err)
	}
	return flake
}

func createTestCommit(t *testing.T, st *PostgresStore, flakeID string, ts time.Time) *models.Commit {
	t.Helper()
	// timestamptz keeps microseconds only.
	ts = ts.Truncate(time.Microsecond)
	commit := &models.Commit{
		ID:              uuid.New().String(),
		FlakeID:         flakeID,
		GitCommitHash:   randomCommitHash(),
		CommitTimestamp: ts,
	}
	if _, err := st.Commits().Upsert(context.Background(), commit); err != nil {
		t.Fatalf("failed to create commit: %v", err)
	}
	return commit
}

func createTestDerivation(t *testing.T, st *PostgresStore, commitID, name string, typ models.DerivationType, status, path string) *models.Derivation {
	t.Helper()
	d := &models.Derivation{
		ID:       uuid.New().String(),
		CommitID: commitID,
		Type:     typ,
		Name:     name,
		Status:   status,
		Path:     path,
	}
	if err := st.Derivations().Create(context.Background(), d); err != nil {
		t.Fatalf("failed to create derivation %s: %v", name, err)
	}
	return d
}

// backdateDerivation rewrites updated_at so the row looks abandoned.
func backdateDerivation(t *testing.T, st *PostgresStore, id string, age time.Duration) {
	t.Helper()
	if _, err := st.db.Exec("UPDATE derivations SET updated_at = $1 WHERE id = $2", time.Now().UTC().Add(-age), id); err != nil {
		t.Fatalf("failed to backdate derivation: %v", err)
	}
}

func TestTransitionCompareAndSwap(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)
	ctx := context.Background()

	flake := createTestFlake(t, st)
	commit := createTestCommit(t, st, flake.ID, time.Now().UTC())
	d := createTestDerivation(t, st, commit.ID, "web", models.DerivationTypeNixOS, models.StatusPending, "")

	err := st.Derivations().Transition(ctx, d.ID, models.StatusPending, models.StatusEvaluating, store.TransitionPatch{})
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	// A second worker racing on the same row must lose without touching it.
	err = st.Derivations().Transition(ctx, d.ID, models.StatusPending, models.StatusEvaluating, store.TransitionPatch{})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict for the losing claim, got %v", err)
	}

	got, err := st.Derivations().Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("failed to read derivation back: %v", err)
	}
	if got.Status != models.StatusEvaluating {
		t.Errorf("status = %q, want %q", got.Status, models.StatusEvaluating)
	}
	if got.AttemptCount != d.AttemptCount {
		t.Errorf("attempt_count changed by a conflicting claim: %d -> %d", d.AttemptCount, got.AttemptCount)
	}
}

func TestTransitionEvalFailureClearsPath(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)
	ctx := context.Background()

	flake := createTestFlake(t, st)
	commit := createTestCommit(t, st, flake.ID, time.Now().UTC())
	d := createTestDerivation(t, st, commit.ID, "web", models.DerivationTypeNixOS, models.StatusEvaluating,
		"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-web-1.0")

	msg := "attribute missing"
	err := st.Derivations().Transition(ctx, d.ID, models.StatusEvaluating, models.StatusEvalFailed, store.TransitionPatch{
		ClearPath:      true,
		ErrorMessage:   &msg,
		SetCompletedAt: true,
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	got, err := st.Derivations().Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("failed to read derivation back: %v", err)
	}
	if got.Path != "" {
		t.Errorf("path = %q, want cleared", got.Path)
	}
	if got.ErrorMessage != msg {
		t.Errorf("error_message = %q, want %q", got.ErrorMessage, msg)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped on terminal failure")
	}
}

// TestTransitionPatchRoundTrip drives a derivation pending -> evaluating ->
// dry-run-complete with generated evaluation results and verifies every
// patched column survives the trip.
func TestTransitionPatchRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)

	flake := createTestFlake(t, st)
	commit := createTestCommit(t, st, flake.ID, time.Now().UTC())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation results persist through claim and record", prop.ForAll(
		func(pname, version string, durMS int64) bool {
			ctx := context.Background()
			d := createTestDerivation(t, st, commit.ID, "web", models.DerivationTypeNixOS, models.StatusPending, "")

			claim := store.TransitionPatch{SetStartedAt: true}
			if err := st.Derivations().Transition(ctx, d.ID, models.StatusPending, models.StatusEvaluating, claim); err != nil {
				t.Logf("claim error: %v", err)
				return false
			}

			path := "/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-" + pname
			record := store.TransitionPatch{
				Path:           &path,
				Pname:          &pname,
				Version:        &version,
				EvalDurationMS: &durMS,
			}
			if err := st.Derivations().Transition(ctx, d.ID, models.StatusEvaluating, models.StatusDryRunComplete, record); err != nil {
				t.Logf("record error: %v", err)
				return false
			}

			got, err := st.Derivations().Get(ctx, d.ID)
			if err != nil {
				t.Logf("get error: %v", err)
				return false
			}
			return got.Status == models.StatusDryRunComplete &&
				got.Path == path &&
				got.Pname == pname &&
				got.Version == version &&
				got.EvalDurationMS == durMS &&
				got.StartedAt != nil &&
				got.CompletedAt == nil
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}

func TestReclaimStaleResetsOnlyAbandonedRows(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)
	ctx := context.Background()

	flake := createTestFlake(t, st)
	commit := createTestCommit(t, st, flake.ID, time.Now().UTC())

	staleEval := createTestDerivation(t, st, commit.ID, "web", models.DerivationTypeNixOS, models.StatusEvaluating, "")
	staleBuild := createTestDerivation(t, st, commit.ID, "zlib", models.DerivationTypePackage, models.StatusBuildPending, "")
	staleDone := createTestDerivation(t, st, commit.ID, "db", models.DerivationTypeNixOS, models.StatusComplete, "/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-db")
	freshEval := createTestDerivation(t, st, commit.ID, "cache", models.DerivationTypeNixOS, models.StatusEvaluating, "")

	for _, id := range []string{staleEval.ID, staleBuild.ID, staleDone.ID} {
		backdateDerivation(t, st, id, 2*time.Hour)
	}

	n, err := st.Derivations().ReclaimStale(ctx, 75*time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("reclaimed %d rows, want 2", n)
	}

	for _, id := range []string{staleEval.ID, staleBuild.ID} {
		got, err := st.Derivations().Get(ctx, id)
		if err != nil {
			t.Fatalf("failed to read derivation back: %v", err)
		}
		if got.Status != models.StatusPending {
			t.Errorf("stale row %s status = %q, want pending", id, got.Status)
		}
		if got.AttemptCount != 0 {
			t.Errorf("sweep must not touch attempt_count, got %d", got.AttemptCount)
		}
	}

	if got, _ := st.Derivations().Get(ctx, staleDone.ID); got.Status != models.StatusComplete {
		t.Errorf("terminal row was reclaimed to %q", got.Status)
	}
	if got, _ := st.Derivations().Get(ctx, freshEval.ID); got.Status != models.StatusEvaluating {
		t.Errorf("fresh row was reclaimed to %q", got.Status)
	}

	// Reset rows got a fresh updated_at, so a second sweep finds nothing.
	n, err = st.Derivations().ReclaimStale(ctx, 75*time.Minute)
	if err != nil {
		t.Fatalf("second reclaim failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep reclaimed %d rows, want 0", n)
	}
}

func TestBuildCandidatesCarryGroupMembers(t *testing.T) {
	st := setupTestStore(t)
	defer cleanupTestStore(t, st)
	ctx := context.Background()

	flake := createTestFlake(t, st)
	commit := createTestCommit(t, st, flake.ID, time.Now().UTC())

	root := createTestDerivation(t, st, commit.ID, "web", models.DerivationTypeNixOS, models.StatusDryRunComplete,
		"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-web")
	dep := createTestDerivation(t, st, commit.ID, "zlib", models.DerivationTypePackage, models.StatusBuildComplete,
		"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-zlib")
	cold := createTestDerivation(t, st, commit.ID, "db", models.DerivationTypeNixOS, models.StatusComplete,
		"/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-db")
	if err := st.Derivations().CreateDependency(ctx, root.ID, dep.ID); err != nil {
		t.Fatalf("failed to create dependency: %v", err)
	}

	candidates, err := st.Derivations().BuildCandidates(ctx, []string{models.StatusDryRunComplete})
	if err != nil {
		t.Fatalf("build candidates failed: %v", err)
	}

	byID := make(map[string]*models.BuildCandidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want the hot group's root and dependency", len(candidates))
	}
	for _, id := range []string{root.ID, dep.ID} {
		c, ok := byID[id]
		if !ok {
			t.Fatalf("candidate %s missing", id)
		}
		if c.RootID != root.ID {
			t.Errorf("candidate %s root = %s, want %s", id, c.RootID, root.ID)
		}
		if !c.RootCommitTime.Equal(commit.CommitTimestamp) {
			t.Errorf("candidate %s commit time mismatch", id)
		}
	}
	if _, ok := byID[cold.ID]; ok {
		t.Error("fully built group must not be fetched")
	}
}
