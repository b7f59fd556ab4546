package orchestrate

import (
	"log/slog"
	"time"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/security"
	"github.com/devinsight/analysis-jobs/pkg/stage"
)

// Config holds orchestrator configuration.
type Config struct {
	// Sequence is the declared stage order driven for every job.
	Sequence core.Sequence

	// PollInterval is how often the claim loop looks for pending jobs.
	PollInterval time.Duration

	// Concurrency bounds how many jobs run stages at the same time.
	Concurrency int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSequence sets the declared stage sequence.
func WithSequence(seq core.Sequence) Option {
	return func(o *Orchestrator) {
		o.config.Sequence = seq
	}
}

// WithPollInterval sets the claim loop's poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.config.PollInterval = d
	}
}

// WithConcurrency bounds concurrent job execution.
// Values are clamped to [1, MaxConcurrency].
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.config.Concurrency = security.ClampConcurrency(n)
	}
}

// WithRunner replaces the default stage runner.
func WithRunner(r *stage.Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}
