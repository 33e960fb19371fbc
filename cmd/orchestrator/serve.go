package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nixfleet/orchestrator/internal/api"
	"github.com/nixfleet/orchestrator/internal/cache"
	"github.com/nixfleet/orchestrator/internal/catalog"
	"github.com/nixfleet/orchestrator/internal/ingest"
	"github.com/nixfleet/orchestrator/internal/lifecycle"
	"github.com/nixfleet/orchestrator/internal/metrics"
	"github.com/nixfleet/orchestrator/internal/reclaim"
	"github.com/nixfleet/orchestrator/internal/scanner"
	"github.com/nixfleet/orchestrator/internal/shutdown"
	"github.com/nixfleet/orchestrator/internal/status"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}

		cat, err := catalog.Load()
		if err != nil {
			st.Close()
			return fmt.Errorf("failed to load status catalog: %w", err)
		}

		m := metrics.New()

		attic := cache.NewAtticClient(&cache.AtticConfig{
			Endpoint:   cfg.Cache.AtticEndpoint,
			CacheName:  cfg.Cache.AtticCacheName,
			SigningKey: cfg.Cache.SigningKey,
			Timeout:    cfg.Cache.PushTimeout,
		}, log.WithComponent("attic").Logger)

		var mirror cache.Mirror
		if cfg.Cache.S3Bucket != "" {
			s3Mirror, err := cache.NewS3Mirror(cmd.Context(), cfg.Cache.S3Bucket, cfg.Cache.S3Region, log.WithComponent("s3-mirror").Logger)
			if err != nil {
				log.WithError(err).Warn("S3 mirror disabled")
			} else {
				mirror = s3Mirror
			}
		}

		pusher := cache.NewPusher(&cache.PusherConfig{
			CacheName:  cfg.Cache.AtticCacheName,
			MaxRetries: cfg.Cache.MaxRetries,
			Backoff:    cfg.Cache.RetryBackoff,
			Timeout:    cfg.Cache.PushTimeout,
		}, attic, mirror, m, log.WithComponent("cache-push").Logger)

		nix := lifecycle.NewNixCLI(log.WithComponent("nix").Logger)
		vulnix := scanner.NewVulnixScanner(log.WithComponent("vulnix").Logger)

		engine := lifecycle.NewEngine(st, cat, nix, nix, vulnix, pusher, cfg.Pipeline, m, log.WithComponent("lifecycle").Logger)
		reclaimer := reclaim.NewReclaimer(st, cfg.Reclaim, m, log.WithComponent("reclaim").Logger)

		ingestSvc := ingest.NewService(st, log.WithComponent("ingest").Logger)
		aggregator := status.NewAggregator(st, cfg.Status, log.WithComponent("status").Logger)
		server := api.NewServer(cfg, st, ingestSvc, aggregator, m, log.WithComponent("api").Logger)

		coordinator := shutdown.NewCoordinator(
			shutdown.WithTimeout(cfg.ShutdownTimeout),
			shutdown.WithLogger(log.Logger),
		)
		coordinator.Register(shutdown.Func{
			ComponentName: "store",
			Stop:          func(ctx context.Context) error { return st.Close() },
		})
		coordinator.Register(shutdown.Func{
			ComponentName: "lifecycle-engine",
			Stop: func(ctx context.Context) error {
				engine.Stop()
				return nil
			},
		})
		coordinator.Register(shutdown.Func{
			ComponentName: "reclaimer",
			Stop: func(ctx context.Context) error {
				reclaimer.Stop()
				return nil
			},
		})
		coordinator.Register(shutdown.Func{
			ComponentName: "api-server",
			Stop:          server.Shutdown,
		})

		if err := engine.Start(); err != nil {
			return fmt.Errorf("failed to start lifecycle engine: %w", err)
		}
		if err := reclaimer.Start(); err != nil {
			return fmt.Errorf("failed to start reclaimer: %w", err)
		}

		serverCtx, cancelServer := context.WithCancel(context.Background())
		defer cancelServer()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(serverCtx)
		}()

		go coordinator.WaitForSignal()

		select {
		case err := <-errCh:
			if err != nil {
				log.WithError(err).Error("API server exited")
			}
			coordinator.Shutdown()
		case <-waitDone(coordinator):
		}

		coordinator.Wait()
		if code := coordinator.ExitCode(); code != 0 {
			return fmt.Errorf("shutdown did not complete cleanly")
		}
		return nil
	},
}

func waitDone(c *shutdown.Coordinator) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	return done
}
