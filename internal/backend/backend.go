package backend

import "context"

// Backend is the interface that all AI completion backends must implement.
// Each backend (an OpenAI-compatible HTTP service, a local Ollama server, the
// in-process echo backend) provides its own implementation of these methods.
type Backend interface {
	// Complete generates a completion for the request. The context carries
	// deadlines and cancellation signals.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)

	// ListModels reports the model identifiers the backend can serve.
	ListModels(ctx context.Context) ([]string, error)

	// HealthCheck returns nil when the backend is reachable and usable.
	HealthCheck(ctx context.Context) error
}

// CompletionRequest describes a single text completion.
type CompletionRequest struct {
	Prompt       string   `json:"prompt"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// CompletionResponse holds the text produced by a backend along with opaque
// usage and metadata maps that are recorded verbatim on the run.
type CompletionResponse struct {
	Text     string         `json:"text"`
	Model    string         `json:"model"`
	Usage    map[string]any `json:"usage,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Spec declares a backend instance, typically loaded from a YAML file or
// derived from environment variables.
type Spec struct {
	Name              string   `yaml:"name" json:"name"`
	Type              string   `yaml:"type" json:"type"`
	BaseURL           string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey            string   `yaml:"api_key,omitempty" json:"-"`
	APIKeyEnv         string   `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Models            []string `yaml:"models,omitempty" json:"models,omitempty"`
	Enabled           *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutS          int      `yaml:"timeout_s,omitempty" json:"timeout_s,omitempty"`
	RequestsPerSecond float64  `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`

	// Options carries type-specific settings (for example the echo backend's
	// latency_ms or fail_models).
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// IsEnabled reports whether the spec should be registered as enabled.
// Absent means enabled.
func (s Spec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
