// Package lifecycle drives derivations through the build pipeline: the
// evaluation/build loop and the vulnerability scan loop. All status moves go
// through the store's conditional transition, so concurrent engines never
// double-process a derivation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nixfleet/orchestrator/internal/cache"
	"github.com/nixfleet/orchestrator/internal/catalog"
	"github.com/nixfleet/orchestrator/internal/metrics"
	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/planner"
	"github.com/nixfleet/orchestrator/internal/scanner"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/internal/store/postgres"
	"github.com/nixfleet/orchestrator/pkg/config"
)

const (
	evalBatchSize = 20
	scanBatchSize = 20
)

// Engine runs the derivation lifecycle loops.
type Engine struct {
	store     store.Store
	catalog   *catalog.Catalog
	evaluator Evaluator
	builder   Builder
	scanner   scanner.Scanner
	pusher    *cache.Pusher
	cfg       config.PipelineConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a lifecycle engine. The pusher may be nil, in which case
// built paths are not pushed to the binary cache.
func NewEngine(
	st store.Store,
	cat *catalog.Catalog,
	evaluator Evaluator,
	builder Builder,
	scan scanner.Scanner,
	pusher *cache.Pusher,
	cfg config.PipelineConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		catalog:   cat,
		evaluator: evaluator,
		builder:   builder,
		scanner:   scan,
		pusher:    pusher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Start launches the build and scan loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("lifecycle engine already running")
	}

	e.running = true
	e.stopChan = make(chan struct{})

	e.wg.Add(2)
	go e.buildLoop()
	go e.scanLoop()

	e.logger.Info("lifecycle engine started",
		"build_interval", e.cfg.BuildInterval,
		"scan_interval", e.cfg.ScanInterval,
	)
	return nil
}

// Stop halts both loops and waits for in-flight ticks to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("lifecycle engine stopped")
}

func (e *Engine) buildLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.BuildInterval)
	defer ticker.Stop()

	// Run immediately on startup so restarts resume work without waiting
	// out a full interval.
	e.buildTick(context.Background())

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.buildTick(context.Background())
		}
	}
}

func (e *Engine) scanLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	e.scanTick(context.Background())

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.scanTick(context.Background())
		}
	}
}

// buildTick evaluates newly ingested derivations, then works the planned
// build queue.
func (e *Engine) buildTick(ctx context.Context) {
	e.evaluatePending(ctx)
	e.buildReady(ctx)
}

func (e *Engine) evaluatePending(ctx context.Context) {
	pending, err := e.store.Derivations().ListByStatus(ctx, []string{models.StatusPending}, evalBatchSize)
	if err != nil {
		e.logger.Error("failed to list pending derivations", "error", err)
		return
	}

	for _, d := range pending {
		select {
		case <-e.stopChan:
			return
		default:
		}

		// A pending row that was already started once is a reclaimed
		// retry; the new attempt is counted on claim.
		claim := store.TransitionPatch{
			SetStartedAt:     d.StartedAt == nil,
			IncrementAttempt: d.StartedAt != nil,
		}
		if !e.transition(ctx, d.ID, models.StatusPending, models.StatusEvaluating, claim) {
			continue
		}

		e.evaluate(ctx, d)
	}
}

func (e *Engine) evaluate(ctx context.Context, d *models.Derivation) {
	ref, err := e.flakeRef(ctx, d)
	if err == nil {
		ectx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
		var res *EvalResult
		res, err = e.evaluator.Evaluate(ectx, ref)
		cancel()

		if err == nil {
			durMS := res.Duration.Milliseconds()
			patch := store.TransitionPatch{
				Path:           &res.Path,
				Pname:          &res.Pname,
				Version:        &res.Version,
				EvalDurationMS: &durMS,
			}
			if e.transition(ctx, d.ID, models.StatusEvaluating, models.StatusDryRunComplete, patch) {
				e.metrics.EvaluationsTotal.WithLabelValues("success").Inc()
			}
			return
		}
	}

	msg := err.Error()
	e.logger.Error("evaluation failed",
		"derivation_id", d.ID,
		"derivation_name", d.Name,
		"error", err,
	)
	patch := store.TransitionPatch{
		ClearPath:      true,
		ErrorMessage:   &msg,
		SetCompletedAt: true,
	}
	if e.transition(ctx, d.ID, models.StatusEvaluating, models.StatusEvalFailed, patch) {
		e.metrics.EvaluationsTotal.WithLabelValues("failure").Inc()
	}
}

func (e *Engine) buildReady(ctx context.Context) {
	// Only groups with at least one unbuilt member are fetched; fully
	// built groups have no work left.
	candidates, err := e.store.Derivations().BuildCandidates(ctx, []string{models.StatusDryRunComplete})
	if err != nil {
		e.logger.Error("failed to fetch build candidates", "error", err)
		return
	}

	items := planner.Plan(candidates, models.BuildQualifiedStatuses, planner.Options{GroupLimit: e.cfg.GroupLimit})
	e.metrics.QueueDepth.Set(float64(len(items)))

	// The plan is a snapshot. A member failing below must hold back the
	// rest of its group within this pass, or the root would build
	// against a failed dependency set.
	failedGroups := make(map[string]struct{})

	for _, item := range items {
		select {
		case <-e.stopChan:
			return
		default:
		}

		if _, held := failedGroups[item.GroupID]; held {
			continue
		}
		if item.Status != models.StatusDryRunComplete {
			continue
		}
		if !e.transition(ctx, item.ID, models.StatusDryRunComplete, models.StatusBuildPending, store.TransitionPatch{}) {
			continue
		}

		if !e.build(ctx, &item.Derivation) {
			failedGroups[item.GroupID] = struct{}{}
		}
	}
}

// build runs the builder and records the outcome. It reports whether the
// derivation reached build-complete.
func (e *Engine) build(ctx context.Context, d *models.Derivation) bool {
	ref, err := e.flakeRef(ctx, d)
	if err == nil {
		bctx, cancel := context.WithTimeout(ctx, e.cfg.BuildTimeout)
		var outPath string
		outPath, err = e.builder.Build(bctx, ref)
		cancel()

		if err == nil {
			patch := store.TransitionPatch{Path: &outPath}
			ok := e.transition(ctx, d.ID, models.StatusBuildPending, models.StatusBuildComplete, patch)
			if ok {
				e.metrics.BuildsTotal.WithLabelValues("success").Inc()
				if e.pusher != nil {
					e.pusher.PushAsync(outPath)
				}
			}
			return ok
		}
	}

	msg := err.Error()
	e.logger.Error("build failed",
		"derivation_id", d.ID,
		"derivation_name", d.Name,
		"error", err,
	)
	patch := store.TransitionPatch{
		ErrorMessage:   &msg,
		SetCompletedAt: true,
	}
	if e.transition(ctx, d.ID, models.StatusBuildPending, models.StatusFailed, patch) {
		e.metrics.BuildsTotal.WithLabelValues("failure").Inc()
	}
	return false
}

// scanTick claims built derivations and scans their closures.
func (e *Engine) scanTick(ctx context.Context) {
	built, err := e.store.Derivations().ListByStatus(ctx, []string{models.StatusBuildComplete}, scanBatchSize)
	if err != nil {
		e.logger.Error("failed to list built derivations", "error", err)
		return
	}

	for _, d := range built {
		select {
		case <-e.stopChan:
			return
		default:
		}

		if !e.transition(ctx, d.ID, models.StatusBuildComplete, models.StatusCVEScanPending, store.TransitionPatch{}) {
			continue
		}

		e.scan(ctx, d)
	}
}

func (e *Engine) scan(ctx context.Context, d *models.Derivation) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.ScanTimeout)
	res, err := e.scanner.Scan(sctx, d.Path)
	cancel()

	switch {
	case errors.Is(err, scanner.ErrUnavailable):
		// Transient: leave the row in cve-scan-pending for the
		// reclaimer to recycle.
		e.logger.Warn("scanner unavailable, scan deferred",
			"derivation_id", d.ID,
			"error", err,
		)
		e.metrics.ScansTotal.WithLabelValues("unavailable").Inc()

	case err != nil:
		msg := err.Error()
		patch := store.TransitionPatch{
			ErrorMessage:   &msg,
			SetCompletedAt: true,
		}
		if e.transition(ctx, d.ID, models.StatusCVEScanPending, models.StatusFailed, patch) {
			e.metrics.ScansTotal.WithLabelValues("failure").Inc()
		}

	case res.Clean:
		patch := store.TransitionPatch{SetCompletedAt: true}
		if e.transition(ctx, d.ID, models.StatusCVEScanPending, models.StatusComplete, patch) {
			e.metrics.ScansTotal.WithLabelValues("clean").Inc()
		}

	default:
		msg := scanner.FormatFindings(res.Findings)
		e.logger.Warn("vulnerabilities found",
			"derivation_id", d.ID,
			"derivation_name", d.Name,
			"findings", len(res.Findings),
		)
		patch := store.TransitionPatch{
			ErrorMessage:   &msg,
			SetCompletedAt: true,
		}
		if e.transition(ctx, d.ID, models.StatusCVEScanPending, models.StatusVulnerable, patch) {
			e.metrics.ScansTotal.WithLabelValues("vulnerable").Inc()
		}
	}
}

// transition applies a status move through the store's claim primitive.
// Returns false when the row was claimed by another worker or the move is
// not in the catalog.
func (e *Engine) transition(ctx context.Context, id, from, to string, patch store.TransitionPatch) bool {
	if !e.catalog.CanTransition(from, to) {
		e.logger.Error("transition not in catalog",
			"derivation_id", id,
			"from", from,
			"to", to,
		)
		return false
	}

	err := e.store.Derivations().Transition(ctx, id, from, to, patch)
	if errors.Is(err, postgres.ErrConflict) {
		e.metrics.ClaimConflicts.Inc()
		e.logger.Debug("derivation claimed elsewhere, skipping",
			"derivation_id", id,
			"from", from,
		)
		return false
	}
	if err != nil {
		e.logger.Error("transition failed",
			"derivation_id", id,
			"from", from,
			"to", to,
			"error", err,
		)
		return false
	}
	return true
}

// flakeRef resolves the nix installable reference for a derivation from its
// commit and owning flake.
func (e *Engine) flakeRef(ctx context.Context, d *models.Derivation) (string, error) {
	commit, err := e.store.Commits().Get(ctx, d.CommitID)
	if err != nil {
		return "", fmt.Errorf("failed to load commit %s: %w", d.CommitID, err)
	}
	flake, err := e.store.Flakes().Get(ctx, commit.FlakeID)
	if err != nil {
		return "", fmt.Errorf("failed to load flake %s: %w", commit.FlakeID, err)
	}
	return FlakeRef(flake.RepoURL, commit.GitCommitHash, d), nil
}
