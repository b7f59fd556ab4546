package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/schedule"
)

// ErrNotStale reports that a reclaim target is non-terminal but still
// within the staleness threshold.
var ErrNotStale = errors.New("sweeper: job is not stale yet")

// DefaultThreshold is how long a non-terminal job may go without an
// update before it is treated as abandoned.
const DefaultThreshold = 4 * time.Hour

// Sweeper periodically scans for stalled jobs and reclaims them.
type Sweeper struct {
	store     core.Store
	threshold time.Duration
	cadence   schedule.Schedule
	logger    *slog.Logger
	notify    func(core.Event)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithThreshold sets the staleness threshold.
func WithThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		s.threshold = d
	}
}

// WithSchedule sets the sweep cadence.
func WithSchedule(sched schedule.Schedule) Option {
	return func(s *Sweeper) {
		s.cadence = sched
	}
}

// WithLogger sets the sweeper's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithNotify wires an event sink (typically the orchestrator's bus) for
// JobReclaimed events.
func WithNotify(fn func(core.Event)) Option {
	return func(s *Sweeper) {
		s.notify = fn
	}
}

// New creates a Sweeper over the given store. By default it sweeps every
// five minutes with a four hour threshold.
func New(store core.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		threshold: DefaultThreshold,
		cadence:   schedule.Every(5 * time.Minute),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs sweeps on the configured cadence until the context is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	next := s.cadence.Next(time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sweep failed", "error", err)
			}
			next = s.cadence.Next(time.Now())
		}
	}
}

// Sweep scans all non-terminal jobs and reclaims the stale ones.
// It returns how many jobs it transitioned to failed. Losing a reclaim
// race is not an error; the concurrent decision stands.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	jobs, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeper: scan: %w", err)
	}

	reclaimed := 0
	now := time.Now()
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		age := now.Sub(job.UpdatedAt)
		if age < s.threshold {
			continue
		}
		if err := s.reclaim(ctx, job, age); err != nil {
			if errors.Is(err, core.ErrConflict) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// SweepJob reclaims a single job by ID, for administrative use. It
// reports ErrNotStale for a live job and core.ErrJobTerminal for one
// that already finished.
func (s *Sweeper) SweepJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return core.ErrJobTerminal
	}
	age := time.Since(job.UpdatedAt)
	if age < s.threshold {
		return ErrNotStale
	}
	return s.reclaim(ctx, job, age)
}

func (s *Sweeper) reclaim(ctx context.Context, job *core.JobRecord, age time.Duration) error {
	msg := fmt.Sprintf("reclaimed by recovery sweeper: no progress for %s (stage %q)",
		age.Round(time.Second), job.CurrentStage)

	if err := s.store.MarkFailed(ctx, job.ID, job.Version, msg); err != nil {
		return err
	}

	s.logger.Warn("reclaimed stale job",
		"job_id", job.ID, "stage", job.CurrentStage, "stale_for", age)
	if s.notify != nil {
		reclaimed := *job
		reclaimed.Status = core.StatusFailed
		reclaimed.ErrorMessage = msg
		s.notify(&core.JobReclaimed{Job: &reclaimed, StaleFor: age, Timestamp: time.Now()})
	}
	return nil
}
