package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/cauldron/internal/backend"
)

const (
	envOpenAIKey     = "OPENAI_API_KEY"
	envOpenAIBaseURL = "OPENAI_BASE_URL"
	envOllamaBaseURL = "OLLAMA_BASE_URL"
)

// backendsFile is the on-disk layout of CAULDRON_BACKENDS_FILE.
type backendsFile struct {
	Backends []backend.Spec `yaml:"backends"`
}

// LoadBackends parses a YAML backends file.
func LoadBackends(path string) ([]backend.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	return ParseBackends(data)
}

// ParseBackends decodes YAML backend specs and checks names are present and unique.
func ParseBackends(data []byte) ([]backend.Spec, error) {
	var f backendsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse backends: %w", err)
	}

	seen := make(map[string]bool, len(f.Backends))
	for i, s := range f.Backends {
		if s.Name == "" {
			return nil, fmt.Errorf("backends[%d]: name is required", i)
		}
		if s.Type == "" {
			return nil, fmt.Errorf("backend %q: type is required", s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("backend %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}
	return f.Backends, nil
}

// DefaultBackendSpecs derives backends from the environment: echo is always
// present, openai when OPENAI_API_KEY is set, ollama when OLLAMA_BASE_URL is set.
func DefaultBackendSpecs() []backend.Spec {
	specs := []backend.Spec{{Name: "echo", Type: "echo"}}

	if os.Getenv(envOpenAIKey) != "" {
		specs = append(specs, backend.Spec{
			Name:      "openai",
			Type:      "openai",
			BaseURL:   os.Getenv(envOpenAIBaseURL),
			APIKeyEnv: envOpenAIKey,
		})
	}
	if v := os.Getenv(envOllamaBaseURL); v != "" {
		specs = append(specs, backend.Spec{
			Name:    "ollama",
			Type:    "ollama",
			BaseURL: v,
		})
	}
	return specs
}

// BackendSpecs returns the specs from cfg.BackendsFile when set, otherwise
// DefaultBackendSpecs.
func (c Config) BackendSpecs() ([]backend.Spec, error) {
	if c.BackendsFile == "" {
		return DefaultBackendSpecs(), nil
	}
	return LoadBackends(c.BackendsFile)
}
