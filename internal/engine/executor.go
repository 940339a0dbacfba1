package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/cauldron/internal/backend"
	"github.com/seantiz/cauldron/internal/model"
)

var (
	// ErrRunCanceled marks a run that ended because its experiment's context was cancelled.
	ErrRunCanceled = errors.New("run cancelled")
	// ErrRunTimeout marks a run whose backend call exceeded the per-run timeout.
	ErrRunTimeout = errors.New("run timed out")
)

// Resolver looks up an enabled backend by name. *backend.Registry satisfies it.
type Resolver interface {
	Resolve(name string) (backend.Backend, error)
}

// executor runs single runs against resolved backends. It never returns an
// error: every outcome is recorded on the run itself.
type executor struct {
	resolver Resolver
	timeout  time.Duration
	logger   *slog.Logger

	// finished is called once per run after its terminal state is recorded.
	finished func(*model.Run)
}

// execute drives run from pending to completed or failed.
func (x *executor) execute(ctx context.Context, run *model.Run, cfg *model.ExperimentConfig) {
	start := time.Now().UTC()
	run.Status = model.StatusRunning
	run.StartedAt = &start
	runsInFlight.Inc()

	defer func() {
		if r := recover(); r != nil {
			x.fail(run, fmt.Sprintf("backend panic: %v", r))
		}
		end := time.Now().UTC()
		d := end.Sub(start).Milliseconds()
		run.CompletedAt = &end
		run.DurationMS = &d
		runsInFlight.Dec()
		x.finish(run)
	}()

	b, err := x.resolver.Resolve(run.Backend)
	if err != nil {
		x.fail(run, fmt.Sprintf("resolve backend: %v", err))
		return
	}

	callCtx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	resp, err := b.Complete(callCtx, backend.CompletionRequest{
		Prompt:       RenderPrompt(cfg.PromptTemplate, run.TestCase),
		Model:        run.Model,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		x.fail(run, x.classify(ctx, callCtx, err).Error())
		return
	}

	run.Status = model.StatusCompleted
	run.ResponseText = resp.Text
	run.Usage = resp.Usage
	run.Metadata = resp.Metadata
}

// cancel marks a run that never started because ctx ended first.
func (x *executor) cancel(ctx context.Context, run *model.Run) {
	end := time.Now().UTC()
	run.CompletedAt = &end
	x.fail(run, fmt.Errorf("%w before start: %v", ErrRunCanceled, context.Cause(ctx)).Error())
	x.finish(run)
}

func (x *executor) fail(run *model.Run, msg string) {
	run.Status = model.StatusFailed
	run.Error = msg
	run.ResponseText = ""
	run.Usage = nil
	run.Metadata = nil
}

func (x *executor) finish(run *model.Run) {
	observeRun(run)
	if run.Status == model.StatusFailed {
		x.logger.Error("run failed",
			"experiment_id", run.ExperimentID,
			"run_id", run.ID,
			"backend", run.Backend,
			"model", run.Model,
			"error", run.Error,
		)
	}
	if x.finished != nil {
		x.finished(run)
	}
}

// classify wraps err with the reason the call context ended, if it did.
func (x *executor) classify(parent, call context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %v", ErrRunCanceled, err)
	case errors.Is(call.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrRunTimeout, x.timeout, err)
	default:
		return err
	}
}
