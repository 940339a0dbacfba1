package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/cauldron/internal/api"
	"github.com/seantiz/cauldron/internal/config"
	"github.com/seantiz/cauldron/internal/engine"
	"github.com/seantiz/cauldron/internal/store"
)

const exporterFlushTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server backed by SQLite at CAULDRON_DB_PATH.

The server stops on SIGINT or SIGTERM and waits for admitted experiments
to finish before exiting. Experiments left running by an earlier process
are marked failed at startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("cauldron: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_concurrency", cfg.MaxConcurrency,
		"run_timeout", cfg.RunTimeout.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	for _, b := range reg.List() {
		logger.Info("backend registered", "backend", b.Name, "enabled", b.Enabled)
	}

	exp := newExporter(cmd.Context(), cfg, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), exporterFlushTimeout)
		defer cancel()
		if err := exp.Close(ctx); err != nil {
			logger.Warn("flush metrics exporter", "error", err)
		}
	}()

	eng := engine.NewEngine(db, reg, logger, engineOptions(cfg, exp)...)
	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	if _, err := eng.FailInterrupted(cmd.Context()); err != nil {
		return fmt.Errorf("recover interrupted experiments: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
