package model

import (
	"errors"
	"fmt"
	"time"
)

// Status constants shared by experiments and runs.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Defaults applied when an optional config field is absent.
const (
	DefaultMaxRetries = 3
	MaxTemperature    = 2.0
)

// ErrInvalidConfig is returned when an experiment configuration fails validation.
var ErrInvalidConfig = errors.New("invalid experiment config")

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ExperimentConfig is the caller-supplied, immutable definition of an experiment.
type ExperimentConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// PromptTemplate holds {variable} placeholders filled from each test case.
	PromptTemplate string `json:"prompt_template" yaml:"prompt_template"`
	SystemPrompt   string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	Backends []string            `json:"backends" yaml:"backends"`
	Models   map[string][]string `json:"models" yaml:"models"`

	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	TestCases []map[string]any `json:"test_cases" yaml:"test_cases"`

	// Parallel defaults to true when absent.
	Parallel *bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`

	// MaxRetries is recorded with the experiment but the engine does not retry.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// IsParallel reports whether runs should execute concurrently.
func (c ExperimentConfig) IsParallel() bool {
	return c.Parallel == nil || *c.Parallel
}

// Retries returns the configured retry count or DefaultMaxRetries. The engine
// records it but makes a single call per run.
func (c ExperimentConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// Validate checks required fields and parameter ranges. Empty test cases,
// backends, or model lists are valid and simply expand to zero runs.
func (c ExperimentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.PromptTemplate == "" {
		return fmt.Errorf("%w: prompt_template is required", ErrInvalidConfig)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > MaxTemperature) {
		return fmt.Errorf("%w: temperature must be between 0 and %g", ErrInvalidConfig, MaxTemperature)
	}
	if c.MaxTokens != nil && *c.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be at least 1", ErrInvalidConfig)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// RunCount returns the number of runs the config expands to.
func (c ExperimentConfig) RunCount() int {
	perCase := 0
	for _, b := range c.Backends {
		perCase += len(c.Models[b])
	}
	return len(c.TestCases) * perCase
}

// Run is one (test case, backend, model) cell of an experiment's run matrix.
// On completion either the response fields or Error is populated, never both.
type Run struct {
	ID            string         `json:"run_id"`
	ExperimentID  string         `json:"experiment_id"`
	Backend       string         `json:"backend"`
	Model         string         `json:"model"`
	TestCaseIndex int            `json:"test_case_index"`
	TestCase      map[string]any `json:"test_case_data"`
	Status        string         `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMS    *int64         `json:"duration_ms,omitempty"`
	ResponseText  string         `json:"response_text,omitempty"`
	Usage         map[string]any `json:"usage,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// BackendStats summarises the runs of a single backend within one experiment.
type BackendStats struct {
	TotalRuns      int      `json:"total_runs"`
	SuccessfulRuns int      `json:"successful_runs"`
	FailedRuns     int      `json:"failed_runs"`
	AvgDurationMS  *float64 `json:"avg_duration_ms,omitempty"`
}

// ExperimentResult is the aggregated outcome of an experiment execution.
// Duration fields are nil when no successful run recorded a duration.
type ExperimentResult struct {
	ExperimentID    string                  `json:"experiment_id"`
	TotalRuns       int                     `json:"total_runs"`
	SuccessfulRuns  int                     `json:"successful_runs"`
	FailedRuns      int                     `json:"failed_runs"`
	AvgDurationMS   *float64                `json:"avg_duration_ms"`
	TotalDurationMS *int64                  `json:"total_duration_ms"`
	BackendStats    map[string]BackendStats `json:"backend_stats"`
	Runs            []Run                   `json:"runs"`
}

// Experiment is a configuration plus its execution lifecycle and result.
type Experiment struct {
	ID          string            `json:"experiment_id"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	Config      ExperimentConfig  `json:"config"`
	Status      string            `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Result      *ExperimentResult `json:"result,omitempty"`
}
