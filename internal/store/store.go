package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/cauldron/internal/model"
)

// ErrInvalidTransition is returned when an experiment status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Stats holds aggregate statistics across all experiments.
type Stats struct {
	TotalExperiments    int                       `json:"total_experiments"`
	ExperimentsByStatus map[string]int            `json:"experiments_by_status"`
	TotalRuns           int                       `json:"total_runs"`
	RunsByBackend       map[string]map[string]int `json:"runs_by_backend"`
	AvgRunDurationMS    float64                   `json:"avg_run_duration_ms"`
}

// Store defines the persistence operations for experiments and their runs.
type Store interface {
	CreateExperiment(ctx context.Context, e *model.Experiment) error
	// GetExperiment returns the experiment and, once completed, its result
	// with runs in matrix order.
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	ListExperiments(ctx context.Context, limit, offset int) ([]*model.Experiment, int, error)
	// TransitionExperiment moves id from status from to status to only if it
	// is currently in from. Moving to running records at as the start time.
	TransitionExperiment(ctx context.Context, id, from, to string, at time.Time) error
	// CompleteExperiment stores the result and its runs and marks a running
	// experiment completed in a single transaction.
	CompleteExperiment(ctx context.Context, id string, result *model.ExperimentResult, at time.Time) error
	FailExperiment(ctx context.Context, id, errMsg string, at time.Time) error
	// FailRunning marks every running experiment failed and reports how many
	// were changed. Used at startup for experiments a previous process abandoned.
	FailRunning(ctx context.Context, errMsg string, at time.Time) (int, error)
	GetRuns(ctx context.Context, experimentID string) ([]model.Run, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
