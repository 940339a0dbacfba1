package model

import (
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestStatusConstants(t *testing.T) {
	statuses := []struct {
		constant string
		expected string
	}{
		{StatusPending, "pending"},
		{StatusRunning, "running"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
	}
	for _, s := range statuses {
		if s.constant != s.expected {
			t.Errorf("status constant = %q, want %q", s.constant, s.expected)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{"bogus", StatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(StatusPending) || IsTerminal(StatusRunning) {
		t.Error("pending/running reported as terminal")
	}
	if !IsTerminal(StatusCompleted) || !IsTerminal(StatusFailed) {
		t.Error("completed/failed not reported as terminal")
	}
}

func ptr[T any](v T) *T { return &v }

func TestConfigDefaults(t *testing.T) {
	var cfg ExperimentConfig
	if !cfg.IsParallel() {
		t.Error("IsParallel() = false for absent flag, want true")
	}
	if cfg.Retries() != DefaultMaxRetries {
		t.Errorf("Retries() = %d, want %d", cfg.Retries(), DefaultMaxRetries)
	}

	cfg.Parallel = ptr(false)
	cfg.MaxRetries = ptr(0)
	if cfg.IsParallel() {
		t.Error("IsParallel() = true, want false")
	}
	if cfg.Retries() != 0 {
		t.Errorf("Retries() = %d, want 0", cfg.Retries())
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() ExperimentConfig {
		return ExperimentConfig{Name: "exp", PromptTemplate: "Say {word}"}
	}

	tests := []struct {
		name    string
		mutate  func(*ExperimentConfig)
		wantErr bool
	}{
		{"minimal", func(*ExperimentConfig) {}, false},
		{"missing name", func(c *ExperimentConfig) { c.Name = "" }, true},
		{"missing template", func(c *ExperimentConfig) { c.PromptTemplate = "" }, true},
		{"temperature low", func(c *ExperimentConfig) { c.Temperature = ptr(-0.1) }, true},
		{"temperature high", func(c *ExperimentConfig) { c.Temperature = ptr(2.5) }, true},
		{"temperature edge", func(c *ExperimentConfig) { c.Temperature = ptr(2.0) }, false},
		{"max tokens zero", func(c *ExperimentConfig) { c.MaxTokens = ptr(0) }, true},
		{"negative retries", func(c *ExperimentConfig) { c.MaxRetries = ptr(-1) }, true},
		{"empty matrix", func(c *ExperimentConfig) {
			c.Backends = []string{"a"}
			c.Models = map[string][]string{"a": {}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestRunCount(t *testing.T) {
	cfg := ExperimentConfig{
		Backends: []string{"a", "b", "c"},
		Models: map[string][]string{
			"a": {"a1", "a2"},
			"b": {"b1"},
		},
		TestCases: []map[string]any{{}, {}, {}},
	}
	if got := cfg.RunCount(); got != 9 {
		t.Errorf("RunCount() = %d, want 9", got)
	}
}
