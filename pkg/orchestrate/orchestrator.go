package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/security"
	"github.com/devinsight/analysis-jobs/pkg/stage"
)

// Orchestrator sequences stages for analysis jobs. Submission is
// asynchronous: Submit persists the record and returns; the claim loop
// started by Start picks it up and drives it to a terminal status.
type Orchestrator struct {
	store  core.Store
	runner *stage.Runner
	config Config
	logger *slog.Logger
	wg     sync.WaitGroup

	mu         sync.RWMutex
	onComplete []func(context.Context, *core.JobRecord)
	onFail     []func(context.Context, *core.JobRecord, error)
	eventSubs  []chan core.Event
}

// New creates an Orchestrator driving the given invoker over the store.
func New(s core.Store, invoker stage.Invoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store: s,
		config: Config{
			Sequence:     core.DefaultSequence(),
			PollInterval: 500 * time.Millisecond,
			Concurrency:  4,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runner == nil {
		o.runner = stage.NewRunner(s, invoker, stage.WithLogger(o.logger))
	}
	return o
}

// Sequence returns the declared stage order.
func (o *Orchestrator) Sequence() core.Sequence {
	return o.config.Sequence
}

// Store returns the underlying state store.
func (o *Orchestrator) Store() core.Store {
	return o.store
}

// Submit validates and persists a new job. It fails with
// core.ErrDuplicateJob when a non-terminal job already exists for the
// same (owner, subject) pair.
func (o *Orchestrator) Submit(ctx context.Context, ownerID, subjectRef string) (string, error) {
	if err := security.ValidateOwnerID(ownerID); err != nil {
		return "", err
	}
	if err := security.ValidateSubjectRef(subjectRef); err != nil {
		return "", err
	}

	job := &core.JobRecord{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		SubjectRef: subjectRef,
		Status:     core.StatusPending,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrDuplicateJob) {
			return "", err
		}
		return "", fmt.Errorf("orchestrate: submit: %w", err)
	}

	o.logger.Info("job submitted", "job_id", job.ID, "owner_id", ownerID, "subject_ref", subjectRef)
	o.emit(&core.JobSubmitted{Job: job, Timestamp: time.Now()})
	return job.ID, nil
}

// Start runs the claim loop until the context is cancelled. Claimed jobs
// execute on their own goroutines, bounded by the configured concurrency.
func (o *Orchestrator) Start(ctx context.Context) error {
	sem := make(chan struct{}, o.config.Concurrency)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			pending, err := o.store.ListPending(ctx, o.config.Concurrency)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					o.logger.Error("failed to list pending jobs", "error", err)
				}
				continue
			}
			for _, job := range pending {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					o.wg.Wait()
					return ctx.Err()
				}

				claimed, err := o.claim(ctx, job)
				if err != nil {
					<-sem
					if errors.Is(err, core.ErrConflict) {
						continue // someone else got there first
					}
					o.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
					continue
				}

				o.wg.Add(1)
				go func(j *core.JobRecord) {
					defer o.wg.Done()
					defer func() { <-sem }()
					o.drive(ctx, j)
				}(claimed)
			}
		}
	}
}

// RunJob drives a single job synchronously to a terminal status. It is
// the building block of the claim loop and usable directly where inline
// execution is wanted.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == core.StatusPending {
		job, err = o.claim(ctx, job)
		if err != nil {
			return err
		}
	}
	o.drive(ctx, job)
	return nil
}

// claim conditionally transitions a pending job to running with the
// first outstanding stage in flight.
func (o *Orchestrator) claim(ctx context.Context, job *core.JobRecord) (*core.JobRecord, error) {
	next, ok, err := o.config.Sequence.Next(job.CompletedStages)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrJobTerminal
	}

	claimed := *job
	claimed.Status = core.StatusRunning
	claimed.CurrentStage = next
	if err := o.store.UpdateJob(ctx, &claimed); err != nil {
		return nil, err
	}
	return &claimed, nil
}

// drive runs outstanding stages strictly in declared order until the job
// completes, fails, or the context ends.
func (o *Orchestrator) drive(ctx context.Context, job *core.JobRecord) {
	seq := o.config.Sequence
	if job.Status.Terminal() {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if job.Status.Terminal() {
			break
		}

		next, ok, err := seq.Next(job.CompletedStages)
		if err != nil {
			o.logger.Error("job record violates declared order", "job_id", job.ID, "error", err)
			return
		}
		if !ok {
			break
		}

		started := time.Now()
		o.emit(&core.StageStarted{Job: job, Stage: next, Timestamp: started})

		updated, err := o.runner.Run(ctx, job, seq, next)
		switch {
		case err == nil:
			o.emit(&core.StageCompleted{
				Job: updated, Stage: next,
				Duration: time.Since(started), Timestamp: time.Now(),
			})
			job = updated
		case errors.Is(err, core.ErrJobTerminal):
			// Another actor decided; read the decision and stop.
			fresh, readErr := o.store.GetJob(ctx, job.ID)
			if readErr == nil {
				job = fresh
			}
			o.finish(ctx, job, nil)
			return
		case core.IsFatal(err):
			job = updated
			o.finish(ctx, job, err)
			return
		default:
			if !errors.Is(err, context.Canceled) {
				o.logger.Error("stage execution aborted", "job_id", job.ID, "stage", next, "error", err)
			}
			return
		}
	}

	o.finish(ctx, job, nil)
}

// finish emits the terminal event and hooks for the job's final status.
func (o *Orchestrator) finish(ctx context.Context, job *core.JobRecord, cause error) {
	switch job.Status {
	case core.StatusCompleted:
		o.logger.Info("job completed", "job_id", job.ID)
		o.emit(&core.JobCompleted{Job: job, Timestamp: time.Now()})
		for _, fn := range o.completeHooks() {
			fn(ctx, job)
		}
	case core.StatusFailed:
		if cause == nil {
			cause = errors.New(job.ErrorMessage)
		}
		o.logger.Warn("job failed", "job_id", job.ID, "error", job.ErrorMessage)
		o.emit(&core.JobFailed{Job: job, Error: cause, Timestamp: time.Now()})
		for _, fn := range o.failHooks() {
			fn(ctx, job, cause)
		}
	}
}

// OnJobComplete registers a callback for when a job completes.
func (o *Orchestrator) OnJobComplete(fn func(context.Context, *core.JobRecord)) {
	o.mu.Lock()
	o.onComplete = append(o.onComplete, fn)
	o.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (o *Orchestrator) OnJobFail(fn func(context.Context, *core.JobRecord, error)) {
	o.mu.Lock()
	o.onFail = append(o.onFail, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) completeHooks() []func(context.Context, *core.JobRecord) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	hooks := make([]func(context.Context, *core.JobRecord), len(o.onComplete))
	copy(hooks, o.onComplete)
	return hooks
}

func (o *Orchestrator) failHooks() []func(context.Context, *core.JobRecord, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	hooks := make([]func(context.Context, *core.JobRecord, error), len(o.onFail))
	copy(hooks, o.onFail)
	return hooks
}

// Events returns a channel for receiving orchestration events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (o *Orchestrator) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	o.mu.Lock()
	o.eventSubs = append(o.eventSubs, ch)
	o.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
func (o *Orchestrator) Unsubscribe(ch <-chan core.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, sub := range o.eventSubs {
		if sub == ch {
			o.eventSubs = append(o.eventSubs[:i], o.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit broadcasts an event to all subscribers. Exported so cooperating
// components (the recovery sweeper) can share the orchestrator's bus.
func (o *Orchestrator) Emit(e core.Event) {
	o.emit(e)
}

func (o *Orchestrator) emit(e core.Event) {
	o.mu.RLock()
	subs := make([]chan core.Event, len(o.eventSubs))
	copy(subs, o.eventSubs)
	o.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full - this prevents blocking on slow consumers
		}
	}
}
