// Package reclaim recovers derivations abandoned mid-flight, typically after
// an orchestrator crash or a hung external tool.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nixfleet/orchestrator/internal/metrics"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/pkg/config"
)

// Reclaimer periodically resets stale in-flight derivations to pending so
// the lifecycle engine picks them up again. Attempt counts are not touched
// here; the engine counts the attempt when it re-claims the row.
type Reclaimer struct {
	store   store.Store
	cfg     config.ReclaimConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewReclaimer creates a reclaimer.
func NewReclaimer(st store.Store, cfg config.ReclaimConfig, m *metrics.Metrics, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		store:   st,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Start launches the sweep loop.
func (r *Reclaimer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reclaimer already running")
	}

	r.running = true
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.loop()

	r.logger.Info("reclaimer started",
		"interval", r.cfg.Interval,
		"stale_after", r.cfg.StaleAfter,
	)
	return nil
}

// Stop halts the sweep loop.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reclaimer stopped")
}

func (r *Reclaimer) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Sweep once at startup to recover rows orphaned by the previous run.
	r.Sweep(context.Background())

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep runs one reclaim pass and returns the number of rows reset.
func (r *Reclaimer) Sweep(ctx context.Context) int64 {
	n, err := r.store.Derivations().ReclaimStale(ctx, r.cfg.StaleAfter)
	if err != nil {
		r.logger.Error("reclaim sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		r.metrics.ReclaimedTotal.Add(float64(n))
		r.logger.Info("reclaimed stale derivations", "count", n)
	}
	return n
}
