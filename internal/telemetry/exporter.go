// Package telemetry exports finished experiments as OpenTelemetry metrics
// over OTLP/gRPC.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/seantiz/cauldron/internal/model"
)

const (
	serviceName    = "cauldron"
	serviceVersion = "1.0.0"
)

// Config holds OTLP exporter settings. An empty Endpoint disables export.
type Config struct {
	Endpoint string
	Insecure bool
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Exporter records experiment outcomes on an OpenTelemetry meter provider.
type Exporter struct {
	provider         *sdkmetric.MeterProvider
	experimentsTotal metric.Int64Counter
	runsTotal        metric.Int64Counter
	tokensTotal      metric.Int64Counter
	durationHist     metric.Float64Histogram
}

// NewExporter creates an exporter that pushes to the OTLP collector at cfg.Endpoint.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("OTLP endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return newExporter(provider)
}

func newExporter(provider *sdkmetric.MeterProvider) (*Exporter, error) {
	meter := provider.Meter(serviceName)

	experimentsTotal, err := meter.Int64Counter(
		"cauldron_experiments_finished_total",
		metric.WithDescription("Experiments that reached a terminal status"),
		metric.WithUnit("{experiment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating experiments counter: %w", err)
	}

	runsTotal, err := meter.Int64Counter(
		"cauldron_experiment_runs_total",
		metric.WithDescription("Runs of finished experiments"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating runs counter: %w", err)
	}

	tokensTotal, err := meter.Int64Counter(
		"cauldron_run_tokens_total",
		metric.WithDescription("Tokens reported by backends for successful runs"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tokens counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"cauldron_experiment_duration_seconds",
		metric.WithDescription("Wall-clock experiment duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return &Exporter{
		provider:         provider,
		experimentsTotal: experimentsTotal,
		runsTotal:        runsTotal,
		tokensTotal:      tokensTotal,
		durationHist:     durationHist,
	}, nil
}

// ExportExperiment records one finished experiment and, when present, its runs.
func (e *Exporter) ExportExperiment(ctx context.Context, exp *model.Experiment) error {
	name := attribute.String("experiment_name", exp.Config.Name)
	e.experimentsTotal.Add(ctx, 1, metric.WithAttributes(name, attribute.String("status", exp.Status)))

	if exp.StartedAt != nil && exp.CompletedAt != nil {
		e.durationHist.Record(ctx, exp.CompletedAt.Sub(*exp.StartedAt).Seconds(),
			metric.WithAttributes(name, attribute.String("status", exp.Status)))
	}

	if exp.Result == nil {
		return nil
	}
	for _, r := range exp.Result.Runs {
		attrs := metric.WithAttributes(
			attribute.String("backend", r.Backend),
			attribute.String("model", r.Model),
			attribute.String("status", r.Status),
		)
		e.runsTotal.Add(ctx, 1, attrs)
		if tokens, ok := totalTokens(r.Usage); ok {
			e.tokensTotal.Add(ctx, tokens, metric.WithAttributes(
				attribute.String("backend", r.Backend),
				attribute.String("model", r.Model),
			))
		}
	}
	return nil
}

// Close shuts down the exporter and flushes any pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}

// totalTokens reads usage["total_tokens"], which may be any numeric type
// depending on where the usage map was decoded.
func totalTokens(usage map[string]any) (int64, bool) {
	switch v := usage["total_tokens"].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
