package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixfleet/orchestrator/internal/cache"
	"github.com/nixfleet/orchestrator/internal/catalog"
	"github.com/nixfleet/orchestrator/internal/metrics"
	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/scanner"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/internal/store/storetest"
	"github.com/nixfleet/orchestrator/pkg/config"
)

type fakeEvaluator struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   []string
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, flakeRef string) (*EvalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, flakeRef)
	for name, err := range f.failFor {
		if strings.Contains(flakeRef, name) {
			return nil, err
		}
	}
	return &EvalResult{
		Path:     "/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-out-1.0.drv",
		Pname:    "out",
		Version:  "1.0",
		Duration: 250 * time.Millisecond,
	}, nil
}

type fakeBuilder struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   []string
}

func (f *fakeBuilder) Build(ctx context.Context, flakeRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, flakeRef)
	for name, err := range f.failFor {
		if strings.Contains(flakeRef, name) {
			return "", err
		}
	}
	return "/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-out-1.0", nil
}

func (f *fakeBuilder) built(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ref := range f.calls {
		if strings.Contains(ref, name) {
			return true
		}
	}
	return false
}

type fakeScanner struct {
	result *scanner.Result
	err    error
}

func (f *fakeScanner) Scan(ctx context.Context, storePath string) (*scanner.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type engineFixture struct {
	store     *storetest.MemStore
	engine    *Engine
	evaluator *fakeEvaluator
	builder   *fakeBuilder
	scanner   *fakeScanner
	commitID  string
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Load()
	require.NoError(t, err)

	st := storetest.New()
	require.NoError(t, st.Statuses().Seed(ctx, cat.Statuses()))

	flake := &models.Flake{ID: "flake-1", Name: "infra", RepoURL: "https://git.example.com/infra.git"}
	require.NoError(t, st.Flakes().Create(ctx, flake))

	commit := &models.Commit{
		ID:              "commit-1",
		FlakeID:         flake.ID,
		GitCommitHash:   strings.Repeat("a", 40),
		CommitTimestamp: time.Now(),
	}
	_, err = st.Commits().Upsert(ctx, commit)
	require.NoError(t, err)

	f := &engineFixture{
		store:     st,
		evaluator: &fakeEvaluator{failFor: map[string]error{}},
		builder:   &fakeBuilder{failFor: map[string]error{}},
		scanner:   &fakeScanner{result: &scanner.Result{Clean: true}},
		commitID:  commit.ID,
	}
	f.engine = NewEngine(st, cat, f.evaluator, f.builder, f.scanner, nil, config.PipelineConfig{
		BuildInterval: time.Minute,
		ScanInterval:  time.Second,
		EvalTimeout:   time.Second,
		BuildTimeout:  time.Second,
		ScanTimeout:   time.Second,
	}, metrics.New(), nil)
	return f
}

func (f *engineFixture) addDerivation(t *testing.T, id, name string, typ models.DerivationType, status string) *models.Derivation {
	t.Helper()
	d := &models.Derivation{
		ID:       id,
		CommitID: f.commitID,
		Type:     typ,
		Name:     name,
		Status:   status,
	}
	if status != models.StatusPending && status != models.StatusEvalFailed {
		d.Path = "/nix/store/b6gvzjyb2pg0kjfwrjmg1vfhh54ad73z-" + name + "-1.0"
	}
	require.NoError(t, f.store.Derivations().Create(context.Background(), d))
	return d
}

func TestBuildTickEvaluatesAndBuilds(t *testing.T) {
	f := newFixture(t)
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusPending)

	f.engine.buildTick(context.Background())

	got := f.store.Derivation("d1")
	assert.Equal(t, models.StatusBuildComplete, got.Status)
	assert.NotEmpty(t, got.Path)
	assert.Equal(t, "out", got.Pname)
	assert.Equal(t, "1.0", got.Version)
	assert.EqualValues(t, 250, got.EvalDurationMS)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt, "completed_at only stamps on terminal states")
}

func TestEvalFailureIsTerminalWithClearedPath(t *testing.T) {
	f := newFixture(t)
	f.evaluator.failFor["web"] = errors.New("attribute missing")
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusPending)

	f.engine.buildTick(context.Background())

	got := f.store.Derivation("d1")
	assert.Equal(t, models.StatusEvalFailed, got.Status)
	assert.Empty(t, got.Path)
	assert.Contains(t, got.ErrorMessage, "attribute missing")
	assert.NotNil(t, got.CompletedAt)
	assert.False(t, f.builder.built("web"))
}

func TestReclaimedRetryCountsAnotherAttempt(t *testing.T) {
	f := newFixture(t)
	d := f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusPending)

	// First pass through the pipeline stamps started_at.
	f.engine.buildTick(context.Background())
	require.NotNil(t, f.store.Derivation(d.ID).StartedAt)
	first := f.store.Derivation(d.ID).AttemptCount

	// Simulate the reclaimer pushing the row back to pending.
	require.NoError(t, f.store.Derivations().Transition(context.Background(), d.ID, models.StatusBuildComplete, models.StatusPending, emptyPatch()))

	f.engine.buildTick(context.Background())
	assert.Equal(t, first+1, f.store.Derivation(d.ID).AttemptCount)
}

func TestGroupHeldBackWhenDependencyUnready(t *testing.T) {
	f := newFixture(t)
	f.evaluator.failFor["zlib"] = errors.New("eval boom")
	f.addDerivation(t, "root", "web", models.DerivationTypeNixOS, models.StatusPending)
	f.addDerivation(t, "pkg", "zlib", models.DerivationTypePackage, models.StatusPending)
	require.NoError(t, f.store.Derivations().CreateDependency(context.Background(), "root", "pkg"))

	f.engine.buildTick(context.Background())

	assert.Equal(t, models.StatusEvalFailed, f.store.Derivation("pkg").Status)
	assert.Equal(t, models.StatusDryRunComplete, f.store.Derivation("root").Status,
		"root must wait while a dependency is not buildable")
	assert.False(t, f.builder.built("web"))
}

func TestDependencyBuildFailureHoldsRootSameTick(t *testing.T) {
	f := newFixture(t)
	f.builder.failFor["zlib"] = errors.New("linker exploded")
	f.addDerivation(t, "root", "web", models.DerivationTypeNixOS, models.StatusPending)
	f.addDerivation(t, "pkg", "zlib", models.DerivationTypePackage, models.StatusPending)
	require.NoError(t, f.store.Derivations().CreateDependency(context.Background(), "root", "pkg"))

	f.engine.buildTick(context.Background())

	assert.Equal(t, models.StatusFailed, f.store.Derivation("pkg").Status)
	assert.Equal(t, models.StatusDryRunComplete, f.store.Derivation("root").Status,
		"a dependency failing mid-pass must hold back its root within the same pass")
	assert.False(t, f.builder.built("web"))
}

func TestPackagesBuildBeforeRoot(t *testing.T) {
	f := newFixture(t)
	f.addDerivation(t, "root", "web", models.DerivationTypeNixOS, models.StatusPending)
	f.addDerivation(t, "pkg", "zlib", models.DerivationTypePackage, models.StatusPending)
	require.NoError(t, f.store.Derivations().CreateDependency(context.Background(), "root", "pkg"))

	f.engine.buildTick(context.Background())

	assert.Equal(t, models.StatusBuildComplete, f.store.Derivation("pkg").Status)
	assert.Equal(t, models.StatusBuildComplete, f.store.Derivation("root").Status)

	f.builder.mu.Lock()
	defer f.builder.mu.Unlock()
	require.Len(t, f.builder.calls, 2)
	assert.Contains(t, f.builder.calls[0], "zlib")
	assert.Contains(t, f.builder.calls[1], "web")
}

func TestBuildFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.builder.failFor["web"] = errors.New("builder exploded")
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusPending)

	f.engine.buildTick(context.Background())

	got := f.store.Derivation("d1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "builder exploded")
	assert.NotNil(t, got.CompletedAt)
}

func TestScanCleanCompletes(t *testing.T) {
	f := newFixture(t)
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusBuildComplete)

	f.engine.scanTick(context.Background())

	got := f.store.Derivation("d1")
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestScanVulnerableRecordsFindings(t *testing.T) {
	f := newFixture(t)
	f.scanner.result = &scanner.Result{
		Findings: []scanner.Finding{
			{Pname: "openssl", Version: "3.0.1", CVE: "CVE-2026-0001"},
		},
	}
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusBuildComplete)

	f.engine.scanTick(context.Background())

	got := f.store.Derivation("d1")
	assert.Equal(t, models.StatusVulnerable, got.Status)
	assert.Contains(t, got.ErrorMessage, "openssl-3.0.1: CVE-2026-0001")
	assert.NotNil(t, got.CompletedAt)
}

func TestScanTransientErrorLeavesScanPending(t *testing.T) {
	f := newFixture(t)
	f.scanner.err = scanner.ErrUnavailable
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusBuildComplete)

	f.engine.scanTick(context.Background())

	got := f.store.Derivation("d1")
	assert.Equal(t, models.StatusCVEScanPending, got.Status,
		"transient scanner failure keeps the row claimable by the reclaimer")
	assert.Empty(t, got.ErrorMessage)
}

func TestScanDefinitiveErrorFails(t *testing.T) {
	f := newFixture(t)
	f.scanner.err = errors.New("report was garbage")
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusBuildComplete)

	f.engine.scanTick(context.Background())

	got := f.store.Derivation("d1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "report was garbage")
}

type failingCacheClient struct{}

func (failingCacheClient) Push(ctx context.Context, storePath string) error {
	return errors.New("cache down")
}

func TestCachePushFailureNeverBlocksPipeline(t *testing.T) {
	f := newFixture(t)
	f.engine.pusher = cache.NewPusher(&cache.PusherConfig{
		CacheName:  "test",
		MaxRetries: 1,
		Backoff:    time.Millisecond,
		Timeout:    time.Second,
	}, failingCacheClient{}, nil, metrics.New(), nil)
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusPending)

	f.engine.buildTick(context.Background())

	assert.Equal(t, models.StatusBuildComplete, f.store.Derivation("d1").Status,
		"a dead cache endpoint must not move the derivation backwards")
}

func TestTransitionIsCompareAndSwap(t *testing.T) {
	f := newFixture(t)
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusPending)

	ok := f.engine.transition(context.Background(), "d1", models.StatusPending, models.StatusEvaluating, emptyPatch())
	require.True(t, ok)

	// A second worker claiming the same row loses.
	ok = f.engine.transition(context.Background(), "d1", models.StatusPending, models.StatusEvaluating, emptyPatch())
	assert.False(t, ok)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	f := newFixture(t)
	f.addDerivation(t, "d1", "web", models.DerivationTypeNixOS, models.StatusComplete)

	for _, to := range []string{models.StatusPending, models.StatusEvaluating, models.StatusBuildPending} {
		ok := f.engine.transition(context.Background(), "d1", models.StatusComplete, to, emptyPatch())
		assert.False(t, ok, "complete -> %s must be rejected", to)
	}
	assert.Equal(t, models.StatusComplete, f.store.Derivation("d1").Status)
}

func emptyPatch() store.TransitionPatch { return store.TransitionPatch{} }
