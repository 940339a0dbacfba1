// Package echo provides a deterministic in-process backend that returns the
// prompt it receives. It backs local dry runs, the test server, and tests.
package echo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/cauldron/internal/backend"
)

// DefaultModel is reported when no models are configured.
const DefaultModel = "echo-1"

// Config configures an echo Backend.
type Config struct {
	Models []string

	// Latency is slept (context-aware) before every completion.
	Latency time.Duration

	// LatencyByModel overrides Latency for specific models.
	LatencyByModel map[string]time.Duration

	// FailModels lists models whose completions always fail.
	FailModels []string

	// Unhealthy makes HealthCheck fail.
	Unhealthy bool
}

// Backend echoes prompts back as completions.
type Backend struct {
	cfg  Config
	fail map[string]bool
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// New creates an echo backend.
func New(cfg Config) *Backend {
	if len(cfg.Models) == 0 {
		cfg.Models = []string{DefaultModel}
	}
	fail := make(map[string]bool, len(cfg.FailModels))
	for _, m := range cfg.FailModels {
		fail[m] = true
	}
	return &Backend{cfg: cfg, fail: fail}
}

// Complete returns the prompt, prefixed by the system prompt when present.
func (b *Backend) Complete(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
	delay := b.cfg.Latency
	if d, ok := b.cfg.LatencyByModel[req.Model]; ok {
		delay = d
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return backend.CompletionResponse{}, ctx.Err()
		}
	}

	if b.fail[req.Model] {
		return backend.CompletionResponse{}, fmt.Errorf("echo: model %q is configured to fail", req.Model)
	}

	text := req.Prompt
	if req.SystemPrompt != "" {
		text = req.SystemPrompt + "\n" + req.Prompt
	}

	promptWords := len(strings.Fields(req.Prompt)) + len(strings.Fields(req.SystemPrompt))
	completionWords := len(strings.Fields(text))

	return backend.CompletionResponse{
		Text:  text,
		Model: req.Model,
		Usage: map[string]any{
			"prompt_tokens":     promptWords,
			"completion_tokens": completionWords,
			"total_tokens":      promptWords + completionWords,
		},
		Metadata: map[string]any{
			"backend": "echo",
		},
	}, nil
}

// ListModels returns the configured models.
func (b *Backend) ListModels(_ context.Context) ([]string, error) {
	return append([]string(nil), b.cfg.Models...), nil
}

// HealthCheck reports the configured health.
func (b *Backend) HealthCheck(_ context.Context) error {
	if b.cfg.Unhealthy {
		return fmt.Errorf("echo: backend marked unhealthy")
	}
	return nil
}
