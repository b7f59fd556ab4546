package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/security"
)

// Runner executes exactly one stage for one job.
type Runner struct {
	store   core.Store
	invoker Invoker
	timeout time.Duration
	retry   RetryConfig
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout bounds a single stage invocation attempt.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithRetry sets the per-stage retry policy.
func WithRetry(cfg RetryConfig) RunnerOption {
	return func(r *Runner) {
		cfg.MaxAttempts = security.ClampAttempts(cfg.MaxAttempts)
		r.retry = cfg
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner backed by the given store and external
// computation.
func NewRunner(store core.Store, invoker Invoker, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:   store,
		invoker: invoker,
		timeout: 2 * time.Minute,
		retry:   DefaultRetryConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes stageName for the given job and performs the resulting
// record transition. On success the returned record reflects the
// advanced state (running, or completed after the final stage). A fatal
// stage failure marks the job failed and returns the FatalError. If a
// concurrent actor drove the job to a terminal status first, Run stops
// with core.ErrJobTerminal.
//
// Re-invocation for an already-completed stage is a no-op, so
// at-least-once delivery of stage work is safe.
func (r *Runner) Run(ctx context.Context, job *core.JobRecord, seq core.Sequence, stageName string) (*core.JobRecord, error) {
	if !seq.Contains(stageName) {
		return job, fmt.Errorf("%w: %q", core.ErrUnknownStage, stageName)
	}
	if job.Status.Terminal() {
		return job, core.ErrJobTerminal
	}
	if job.HasCompleted(stageName) {
		return job, nil
	}

	input, err := r.buildInput(ctx, job)
	if err != nil {
		return job, fmt.Errorf("stage %s: gather prior artifacts: %w", stageName, err)
	}

	var payload json.RawMessage
	invokeErr := retryTransient(ctx, r.retry, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		var err error
		payload, err = r.invoker.Invoke(attemptCtx, stageName, input)
		if err != nil {
			r.logger.Warn("stage attempt failed",
				"job_id", job.ID, "stage", stageName, "error", err)
		}
		return err
	})

	if invokeErr != nil {
		if errors.Is(invokeErr, context.Canceled) {
			return job, invokeErr
		}
		if !core.IsFatal(invokeErr) {
			// Retry bound exhausted: the transient failure becomes terminal.
			invokeErr = core.Fatal(fmt.Errorf("stage %s: retries exhausted: %w", stageName, invokeErr))
		}
		return r.fail(ctx, job, stageName, invokeErr)
	}

	err = r.store.PutArtifact(ctx, &core.StageArtifact{
		JobID:   job.ID,
		Stage:   stageName,
		Payload: payload,
	})
	if err != nil {
		return job, fmt.Errorf("stage %s: persist artifact: %w", stageName, err)
	}

	return r.advance(ctx, job, seq, stageName)
}

// buildInput assembles the stage input from the job and every artifact
// written by prior stages.
func (r *Runner) buildInput(ctx context.Context, job *core.JobRecord) (Input, error) {
	artifacts, err := r.store.ListArtifacts(ctx, job.ID)
	if err != nil {
		return Input{}, err
	}

	input := Input{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		SubjectRef: job.SubjectRef,
	}
	if len(artifacts) > 0 {
		input.Artifacts = make(map[string]json.RawMessage, len(artifacts))
		for _, a := range artifacts {
			input.Artifacts[a.Stage] = a.Payload
		}
	}
	return input, nil
}

// advance appends the completed stage to the record via conditional
// write, re-reading and retrying on conflict until it wins or observes a
// terminal status decided by someone else.
func (r *Runner) advance(ctx context.Context, job *core.JobRecord, seq core.Sequence, stageName string) (*core.JobRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return job, err
		}
		if job.Status.Terminal() {
			return job, core.ErrJobTerminal
		}
		if job.HasCompleted(stageName) {
			// Another runner advanced the record for us.
			return job, nil
		}

		updated := *job
		updated.CompletedStages = append(append(core.StageList{}, job.CompletedStages...), stageName)
		updated.CurrentStage = stageName
		if len(updated.CompletedStages) == len(seq) {
			updated.Status = core.StatusCompleted
		} else {
			updated.Status = core.StatusRunning
		}

		err := r.store.UpdateJob(ctx, &updated)
		if err == nil {
			r.logger.Info("stage completed",
				"job_id", job.ID, "stage", stageName, "status", updated.Status)
			return &updated, nil
		}
		if !errors.Is(err, core.ErrConflict) {
			return job, fmt.Errorf("stage %s: advance record: %w", stageName, err)
		}

		fresh, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("stage %s: re-read after conflict: %w", stageName, err)
		}
		job = fresh
	}
}

// fail conditionally transitions the job to failed, preserving any
// terminal decision a concurrent actor made first.
func (r *Runner) fail(ctx context.Context, job *core.JobRecord, stageName string, cause error) (*core.JobRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return job, err
		}
		if job.Status.Terminal() {
			return job, core.ErrJobTerminal
		}

		err := r.store.MarkFailed(ctx, job.ID, job.Version, cause.Error())
		if err == nil {
			r.logger.Error("stage failed terminally",
				"job_id", job.ID, "stage", stageName, "error", cause)
			fresh, readErr := r.store.GetJob(ctx, job.ID)
			if readErr != nil {
				return job, cause
			}
			return fresh, cause
		}
		if !errors.Is(err, core.ErrConflict) {
			return job, fmt.Errorf("stage %s: mark failed: %w", stageName, err)
		}

		fresh, readErr := r.store.GetJob(ctx, job.ID)
		if readErr != nil {
			return job, fmt.Errorf("stage %s: re-read after conflict: %w", stageName, readErr)
		}
		job = fresh
	}
}
