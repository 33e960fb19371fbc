// Command orchestrator runs the nixfleet build orchestrator: schema
// migration, status catalog seeding, and the long-running service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nixfleet/orchestrator/internal/catalog"
	"github.com/nixfleet/orchestrator/internal/store/postgres"
	"github.com/nixfleet/orchestrator/pkg/config"
	"github.com/nixfleet/orchestrator/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:          "orchestrator",
	Short:        "nixfleet build and deployment orchestrator",
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and seed the status catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if err := seedCatalog(ctx, st); err != nil {
			return err
		}

		log.Info("migration complete")
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the derivation status catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := seedCatalog(cmd.Context(), st); err != nil {
			return err
		}

		log.Info("status catalog seeded")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(parseLevel(cfg.LogLevel), cfg.LogJSON)
	slog.SetDefault(log.Logger)
	return cfg, log, nil
}

func openStore(cfg *config.Config, log *logger.Logger) (*postgres.PostgresStore, error) {
	st, err := postgres.NewPostgresStore(postgres.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return st, nil
}

func seedCatalog(ctx context.Context, st *postgres.PostgresStore) error {
	cat, err := catalog.Load()
	if err != nil {
		return fmt.Errorf("failed to load status catalog: %w", err)
	}
	if err := st.Statuses().Seed(ctx, cat.Statuses()); err != nil {
		return fmt.Errorf("failed to seed status catalog: %w", err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
