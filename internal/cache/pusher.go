package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/nixfleet/orchestrator/internal/metrics"
)

// Client is the push contract the Pusher retries against.
type Client interface {
	Push(ctx context.Context, storePath string) error
}

// Mirror records successful pushes in a secondary store.
type Mirror interface {
	RecordPush(ctx context.Context, cacheName, storePath string) error
}

// Pusher wraps a cache client with bounded retries, backoff, and a per-push
// timeout. Exhausting the retries logs the failure and returns nil to the
// pipeline: cache availability is advisory to build success, so a push
// failure must never move a derivation backwards or block its next
// transition.
type Pusher struct {
	client    Client
	mirror    Mirror
	cacheName string

	maxRetries int
	backoff    time.Duration
	timeout    time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// PusherConfig holds retry policy for cache pushes.
type PusherConfig struct {
	CacheName  string
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

// NewPusher creates a push wrapper. The mirror may be nil.
func NewPusher(cfg *PusherConfig, client Client, mirror Mirror, m *metrics.Metrics, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pusher{
		client:     client,
		mirror:     mirror,
		cacheName:  cfg.CacheName,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		timeout:    cfg.Timeout,
		logger:     logger,
		metrics:    m,
	}
}

// Push attempts to push a store path, retrying up to the configured count
// with backoff. It never returns a push error: exhaustion is logged as a
// "failed but continuing" event.
func (p *Pusher) Push(ctx context.Context, storePath string) {
	attempts := p.maxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pushCtx := ctx
		var cancel context.CancelFunc
		if p.timeout > 0 {
			pushCtx, cancel = context.WithTimeout(ctx, p.timeout)
		}

		lastErr = p.client.Push(pushCtx, storePath)
		if cancel != nil {
			cancel()
		}

		if lastErr == nil {
			p.recordMirror(ctx, storePath)
			return
		}

		if attempt < attempts {
			if p.metrics != nil {
				p.metrics.CachePushRetries.Inc()
			}
			p.logger.Warn("cache push failed, retrying",
				"store_path", storePath,
				"attempt", attempt,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				p.logger.Warn("cache push abandoned, context cancelled",
					"store_path", storePath,
				)
				return
			case <-time.After(p.backoff):
			}
		}
	}

	if p.metrics != nil {
		p.metrics.CachePushFailures.Inc()
	}
	p.logger.Error("cache push failed after all retries, continuing",
		"store_path", storePath,
		"attempts", attempts,
		"error", lastErr,
	)
}

// PushAsync runs Push in its own goroutine so a slow or stuck cache
// endpoint never stalls the build loop. The caller's context is detached;
// only the per-push timeout bounds the work.
func (p *Pusher) PushAsync(storePath string) {
	go p.Push(context.Background(), storePath)
}

func (p *Pusher) recordMirror(ctx context.Context, storePath string) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.RecordPush(ctx, p.cacheName, storePath); err != nil {
		p.logger.Warn("cache mirror record failed, continuing",
			"store_path", storePath,
			"error", err,
		)
	}
}
