// Package all builds backend instances from declarative specs and registers
// them, so callers need not import every implementation.
package all

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/seantiz/cauldron/internal/backend"
	"github.com/seantiz/cauldron/internal/backend/echo"
	"github.com/seantiz/cauldron/internal/backend/openai"
)

// Backend type names accepted in Spec.Type.
const (
	TypeOpenAI = "openai"
	TypeOllama = "ollama"
	TypeEcho   = "echo"
)

const (
	defaultOpenAIKeyEnv  = "OPENAI_API_KEY"
	defaultOllamaBaseURL = "http://localhost:11434/v1"
)

// ErrUnsupportedType is returned for an unknown Spec.Type.
var ErrUnsupportedType = errors.New("unsupported backend type")

// Build creates a backend from spec.
func Build(spec backend.Spec) (backend.Backend, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("backend spec: name is required")
	}

	timeout := time.Duration(spec.TimeoutS) * time.Second

	switch spec.Type {
	case TypeOpenAI:
		return openai.New(openai.Config{
			BaseURL:           spec.BaseURL,
			APIKey:            apiKey(spec, defaultOpenAIKeyEnv),
			Models:            spec.Models,
			Timeout:           timeout,
			RequestsPerSecond: spec.RequestsPerSecond,
		}), nil
	case TypeOllama:
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaBaseURL
		}
		return openai.New(openai.Config{
			BaseURL:           baseURL,
			APIKey:            apiKey(spec, ""),
			Models:            spec.Models,
			Timeout:           timeout,
			RequestsPerSecond: spec.RequestsPerSecond,
		}), nil
	case TypeEcho:
		return echo.New(echoConfig(spec)), nil
	default:
		return nil, fmt.Errorf("%w: %q (backend %q)", ErrUnsupportedType, spec.Type, spec.Name)
	}
}

// RegisterSpecs builds every spec and registers it under its name, disabling
// the ones marked enabled: false. The first build error aborts registration.
func RegisterSpecs(reg *backend.Registry, specs []backend.Spec) error {
	for _, spec := range specs {
		b, err := Build(spec)
		if err != nil {
			return err
		}
		reg.Register(spec.Name, b)
		if !spec.IsEnabled() {
			if err := reg.SetEnabled(spec.Name, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func apiKey(spec backend.Spec, fallbackEnv string) string {
	if spec.APIKey != "" {
		return spec.APIKey
	}
	if spec.APIKeyEnv != "" {
		return os.Getenv(spec.APIKeyEnv)
	}
	if fallbackEnv != "" {
		return os.Getenv(fallbackEnv)
	}
	return ""
}

// echoConfig reads echo options: latency_ms, fail_models, unhealthy.
func echoConfig(spec backend.Spec) echo.Config {
	cfg := echo.Config{Models: spec.Models}
	if ms, ok := toFloat(spec.Options["latency_ms"]); ok {
		cfg.Latency = time.Duration(ms * float64(time.Millisecond))
	}
	if list, ok := spec.Options["fail_models"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				cfg.FailModels = append(cfg.FailModels, s)
			}
		}
	}
	if u, ok := spec.Options["unhealthy"].(bool); ok {
		cfg.Unhealthy = u
	}
	return cfg
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
