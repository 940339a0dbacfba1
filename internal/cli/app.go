package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/cauldron/internal/backend"
	"github.com/seantiz/cauldron/internal/backend/all"
	"github.com/seantiz/cauldron/internal/config"
	"github.com/seantiz/cauldron/internal/engine"
	"github.com/seantiz/cauldron/internal/telemetry"
)

// exporter is an engine exporter that must be flushed on exit.
type exporter interface {
	engine.Exporter
	Close(ctx context.Context) error
}

// buildRegistry registers every configured backend.
func buildRegistry(cfg config.Config) (*backend.Registry, error) {
	specs, err := cfg.BackendSpecs()
	if err != nil {
		return nil, err
	}
	reg := backend.NewRegistry()
	if err := all.RegisterSpecs(reg, specs); err != nil {
		return nil, fmt.Errorf("register backends: %w", err)
	}
	return reg, nil
}

// newExporter returns an OTLP exporter when an endpoint is configured and a
// no-op exporter otherwise, or when the OTLP exporter cannot be created.
func newExporter(ctx context.Context, cfg config.Config, logger *slog.Logger) exporter {
	tcfg := telemetry.Config{Endpoint: cfg.OTLPEndpoint, Insecure: cfg.OTLPInsecure}
	if !tcfg.Enabled() {
		return telemetry.NewNoOpExporter()
	}
	exp, err := telemetry.NewExporter(ctx, tcfg)
	if err != nil {
		logger.Warn("OTLP export disabled", "endpoint", cfg.OTLPEndpoint, "error", err)
		return telemetry.NewNoOpExporter()
	}
	logger.Info("OTLP export enabled", "endpoint", cfg.OTLPEndpoint)
	return exp
}

func engineOptions(cfg config.Config, x engine.Exporter) []engine.Option {
	return []engine.Option{
		engine.WithMaxConcurrency(cfg.MaxConcurrency),
		engine.WithRunTimeout(cfg.RunTimeout),
		engine.WithExporter(x),
	}
}
