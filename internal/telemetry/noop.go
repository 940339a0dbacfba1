package telemetry

import (
	"context"

	"github.com/seantiz/cauldron/internal/model"
)

// NoOpExporter is an exporter that does nothing.
type NoOpExporter struct{}

// NewNoOpExporter creates a no-op exporter used when OTLP export is disabled.
func NewNoOpExporter() *NoOpExporter {
	return &NoOpExporter{}
}

func (e *NoOpExporter) ExportExperiment(context.Context, *model.Experiment) error {
	return nil
}

func (e *NoOpExporter) Close(context.Context) error {
	return nil
}
