// testserver starts a Cauldron API server with in-memory storage and echo
// backends for manual and E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/cauldron/internal/api"
	"github.com/seantiz/cauldron/internal/backend"
	"github.com/seantiz/cauldron/internal/backend/echo"
	"github.com/seantiz/cauldron/internal/config"
	"github.com/seantiz/cauldron/internal/engine"
	"github.com/seantiz/cauldron/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("CAULDRON_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register("echo", echo.New(echo.Config{
		Models:  []string{"echo-1", "echo-2"},
		Latency: 500 * time.Millisecond,
	}))
	reg.Register("flaky", echo.New(echo.Config{
		Models:     []string{"steady", "broken"},
		Latency:    200 * time.Millisecond,
		FailModels: []string{"broken"},
	}))
	reg.Register("offline", echo.New(echo.Config{Unhealthy: true}))
	if err := reg.SetEnabled("offline", false); err != nil {
		log.Fatalf("disable backend: %v", err)
	}

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	eng := engine.NewEngine(db, reg, logger, engine.WithMaxConcurrency(cfg.MaxConcurrency))
	srv := api.NewServer(addr, db, reg, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
