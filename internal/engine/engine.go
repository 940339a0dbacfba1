package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/cauldron/internal/model"
	"github.com/seantiz/cauldron/internal/store"
)

var (
	// ErrExperimentNotFound is returned for an unknown experiment ID.
	ErrExperimentNotFound = errors.New("experiment not found")
	// ErrNotPending is returned when running an experiment that has already started.
	ErrNotPending = errors.New("experiment is not pending")
	// ErrDraining is returned for new executions once Drain has been called.
	ErrDraining = errors.New("engine is shutting down")
)

const interruptedMessage = "interrupted: the server stopped before the experiment finished"

// Exporter receives each experiment once it reaches a terminal status.
type Exporter interface {
	ExportExperiment(ctx context.Context, e *model.Experiment) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency caps in-flight runs per parallel experiment. Zero or
// less means no cap.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithRunTimeout bounds each backend call. Zero means no per-run timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) { e.runTimeout = d }
}

// WithExporter sends finished experiments to x.
func WithExporter(x Exporter) Option {
	return func(e *Engine) { e.exporter = x }
}

// Engine owns experiment lifecycle: creation, execution and lookup.
type Engine struct {
	store          store.Store
	resolver       Resolver
	logger         *slog.Logger
	broker         *EventBroker
	exporter       Exporter
	maxConcurrency int
	runTimeout     time.Duration

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// NewEngine creates an engine over the given store and backend resolver.
func NewEngine(s store.Store, r Resolver, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		resolver: r,
		logger:   logger,
		broker:   NewEventBroker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's run event broker.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Create validates cfg and stores it as a new pending experiment.
func (e *Engine) Create(ctx context.Context, cfg model.ExperimentConfig, createdBy string) (*model.Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp := &model.Experiment{
		ID:        model.NewID(),
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Config:    cfg,
		Status:    model.StatusPending,
	}
	if err := e.store.CreateExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}

	e.logger.Info("experiment created",
		"experiment_id", exp.ID,
		"name", cfg.Name,
		"runs", cfg.RunCount(),
		"created_by", createdBy,
	)
	return exp, nil
}

// Run executes a pending experiment to completion and returns its result.
// Individual run failures are part of the result. An error is returned only
// when the experiment cannot start or its outcome cannot be recorded, in
// which case the experiment is marked failed where possible.
func (e *Engine) Run(ctx context.Context, id string) (*model.ExperimentResult, error) {
	if err := e.track(); err != nil {
		return nil, err
	}
	defer e.wg.Done()

	exp, err := e.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, exp)
}

// Start moves a pending experiment to running and executes it in the
// background. The returned experiment reflects the running state.
func (e *Engine) Start(ctx context.Context, id string) (*model.Experiment, error) {
	if err := e.track(); err != nil {
		return nil, err
	}

	exp, err := e.begin(ctx, id)
	if err != nil {
		e.wg.Done()
		return nil, err
	}

	expCopy := *exp
	bg := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		e.execute(bg, &expCopy)
	}()
	return exp, nil
}

// track registers an execution with the drain group unless draining.
func (e *Engine) track() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return ErrDraining
	}
	e.wg.Add(1)
	return nil
}

// Drain rejects new executions with ErrDraining and blocks until the ones
// already admitted have recorded their outcome.
func (e *Engine) Drain() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.wg.Wait()
}

// Wait blocks until every experiment executing through Run or Start has
// finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// FailInterrupted marks experiments left running by a previous process as
// failed. Call it before serving, while no experiment of this engine runs.
func (e *Engine) FailInterrupted(ctx context.Context) (int, error) {
	n, err := e.store.FailRunning(ctx, interruptedMessage, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		experimentsTotal.WithLabelValues(model.StatusFailed).Add(float64(n))
		e.logger.Warn("marked interrupted experiments failed", "count", n)
	}
	return n, nil
}

// Get returns the experiment with the given ID.
func (e *Engine) Get(ctx context.Context, id string) (*model.Experiment, error) {
	exp, err := e.store.GetExperiment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	return exp, err
}

// List returns experiments newest first, along with the total count.
func (e *Engine) List(ctx context.Context, limit, offset int) ([]*model.Experiment, int, error) {
	return e.store.ListExperiments(ctx, limit, offset)
}

// begin checks that id is pending and atomically moves it to running.
func (e *Engine) begin(ctx context.Context, id string) (*model.Experiment, error) {
	exp, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, exp.Status)
	}

	now := time.Now().UTC()
	err = e.store.TransitionExperiment(ctx, id, model.StatusPending, model.StatusRunning, now)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		// Another caller started it between the read and the update.
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("start experiment: %w", err)
	}

	exp.Status = model.StatusRunning
	exp.StartedAt = &now
	e.logger.Info("experiment started",
		"experiment_id", id,
		"runs", exp.Config.RunCount(),
		"parallel", exp.Config.IsParallel(),
		"max_retries", exp.Config.Retries(),
	)
	return exp, nil
}

// execute runs the matrix for a running experiment and records the outcome.
func (e *Engine) execute(ctx context.Context, exp *model.Experiment) (result *model.ExperimentResult, err error) {
	defer e.broker.Close(exp.ID)

	// Terminal writes must land even if the caller's context is gone.
	writeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = e.fail(writeCtx, exp, fmt.Errorf("orchestration panic: %v", r))
		}
	}()

	x := &executor{
		resolver: e.resolver,
		timeout:  e.runTimeout,
		logger:   e.logger,
		finished: func(r *model.Run) { e.broker.Publish(newRunEvent(r)) },
	}

	start := time.Now()
	runs := Expand(exp.ID, exp.Config)
	x.runAll(ctx, runs, &exp.Config, exp.Config.IsParallel(), e.maxConcurrency)
	result = Aggregate(exp.ID, runs)

	now := time.Now().UTC()
	if err := e.store.CompleteExperiment(writeCtx, exp.ID, result, now); err != nil {
		return nil, e.fail(writeCtx, exp, fmt.Errorf("record result: %w", err))
	}

	exp.Status = model.StatusCompleted
	exp.CompletedAt = &now
	exp.Result = result
	experimentsTotal.WithLabelValues(model.StatusCompleted).Inc()

	e.logger.Info("experiment completed",
		"experiment_id", exp.ID,
		"total_runs", result.TotalRuns,
		"successful_runs", result.SuccessfulRuns,
		"failed_runs", result.FailedRuns,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	e.export(writeCtx, exp)
	return result, nil
}

// fail marks exp failed with cause and returns cause.
func (e *Engine) fail(ctx context.Context, exp *model.Experiment, cause error) error {
	now := time.Now().UTC()
	if err := e.store.FailExperiment(ctx, exp.ID, cause.Error(), now); err != nil {
		e.logger.Error("failed to mark experiment failed", "experiment_id", exp.ID, "error", err)
	}

	exp.Status = model.StatusFailed
	exp.CompletedAt = &now
	exp.Error = cause.Error()
	experimentsTotal.WithLabelValues(model.StatusFailed).Inc()

	e.logger.Error("experiment failed", "experiment_id", exp.ID, "error", cause)
	e.export(ctx, exp)
	return cause
}

func (e *Engine) export(ctx context.Context, exp *model.Experiment) {
	if e.exporter == nil {
		return
	}
	if err := e.exporter.ExportExperiment(ctx, exp); err != nil {
		e.logger.Warn("export experiment metrics", "experiment_id", exp.ID, "error", err)
	}
}
