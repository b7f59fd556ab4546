// Package analysis provides durable orchestration for multi-stage
// repository analysis jobs.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and orchestrator
//	db, _ := gorm.Open(sqlite.Open("analysis.db"), &gorm.Config{})
//	store := analysis.NewGormStore(db)
//	store.Migrate(context.Background())
//	orch := analysis.NewOrchestrator(store, invoker)
//
//	// Submit a job and drive it
//	jobID, _ := orch.Submit(ctx, "owner-1", "https://github.com/acme/widget")
//	go orch.Start(ctx)
//
//	// Poll status
//	reader := analysis.NewReader(store)
//	view, _ := reader.Get(ctx, jobID)
//
//	// Reclaim stalled jobs in the background
//	sw := analysis.NewSweeper(store)
//	go sw.Start(ctx)
package analysis

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/orchestrate"
	"github.com/devinsight/analysis-jobs/pkg/schedule"
	"github.com/devinsight/analysis-jobs/pkg/security"
	"github.com/devinsight/analysis-jobs/pkg/stage"
	"github.com/devinsight/analysis-jobs/pkg/status"
	"github.com/devinsight/analysis-jobs/pkg/store"
	"github.com/devinsight/analysis-jobs/pkg/sweeper"
)

// Type aliases re-exporting the public API
type (
	// JobRecord is the durable state of one analysis job.
	JobRecord = core.JobRecord

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// StageArtifact is the write-once output of a completed stage.
	StageArtifact = core.StageArtifact

	// Sequence is the declared, fixed order of stages.
	Sequence = core.Sequence

	// Store defines the persistence layer for jobs and artifacts.
	Store = core.Store

	// Event is the interface for all orchestration events.
	Event = core.Event

	// JobSubmitted is emitted when a job record is created.
	JobSubmitted = core.JobSubmitted

	// StageCompleted is emitted when a stage's artifact is written.
	StageCompleted = core.StageCompleted

	// JobCompleted is emitted when the final stage succeeds.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job transitions to failed.
	JobFailed = core.JobFailed

	// JobReclaimed is emitted when the sweeper reclaims a stale job.
	JobReclaimed = core.JobReclaimed

	// TransientError marks a stage failure as retryable.
	TransientError = core.TransientError

	// FatalError marks a stage failure as non-retryable.
	FatalError = core.FatalError

	// Invoker is the external stage computation collaborator.
	Invoker = stage.Invoker

	// InvokerFunc adapts a function to the Invoker interface.
	InvokerFunc = stage.InvokerFunc

	// Input is the stage input handed to the external computation.
	Input = stage.Input

	// Runner executes exactly one stage for one job.
	Runner = stage.Runner

	// RetryConfig holds the per-stage attempt bound and backoff shape.
	RetryConfig = stage.RetryConfig

	// Orchestrator sequences stages for analysis jobs.
	Orchestrator = orchestrate.Orchestrator

	// Sweeper reclaims stalled jobs.
	Sweeper = sweeper.Sweeper

	// Reader answers status queries.
	Reader = status.Reader

	// View is the normalized client-facing status of a job.
	View = status.View

	// Schedule defines when the next sweep should happen.
	Schedule = schedule.Schedule

	// GormStore implements Store using GORM.
	GormStore = store.GormStore
)

// Status constants
const (
	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
)

// Built-in stage names
const (
	StageReview       = core.StageReview
	StageIntelligence = core.StageIntelligence
	StageQuestions    = core.StageQuestions
	StageEvaluation   = core.StageEvaluation
)

// Limits
const (
	MaxOwnerIDLength      = security.MaxOwnerIDLength
	MaxSubjectRefLength   = security.MaxSubjectRefLength
	MaxStageAttempts      = security.MaxStageAttempts
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables
var (
	ErrNotFound          = core.ErrNotFound
	ErrConflict          = core.ErrConflict
	ErrDuplicateJob      = core.ErrDuplicateJob
	ErrJobTerminal       = core.ErrJobTerminal
	ErrStageOrder        = core.ErrStageOrder
	ErrUnknownStage      = core.ErrUnknownStage
	ErrInvalidOwnerID    = core.ErrInvalidOwnerID
	ErrInvalidSubjectRef = core.ErrInvalidSubjectRef
	ErrNotStale          = sweeper.ErrNotStale
)

// DefaultSequence returns the standard analysis pipeline.
func DefaultSequence() Sequence {
	return core.DefaultSequence()
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return store.NewGormStore(db)
}

// NewOrchestrator creates an orchestrator driving the given invoker.
func NewOrchestrator(s Store, invoker Invoker, opts ...orchestrate.Option) *Orchestrator {
	return orchestrate.New(s, invoker, opts...)
}

// NewRunner creates a stage runner.
func NewRunner(s Store, invoker Invoker, opts ...stage.RunnerOption) *Runner {
	return stage.NewRunner(s, invoker, opts...)
}

// NewHTTPInvoker creates an invoker that calls an analysis backend over HTTP.
func NewHTTPInvoker(base string, opts ...stage.HTTPInvokerOption) *stage.HTTPInvoker {
	return stage.NewHTTPInvoker(base, opts...)
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(s Store, opts ...sweeper.Option) *Sweeper {
	return sweeper.New(s, opts...)
}

// NewReader creates a status reader.
func NewReader(s Store) *Reader {
	return status.NewReader(s)
}

// Transient wraps an error to mark it retryable.
func Transient(err error) error {
	return core.Transient(err)
}

// Fatal wraps an error to mark it non-retryable.
func Fatal(err error) error {
	return core.Fatal(err)
}

// IsFatal reports whether an error terminates the job.
func IsFatal(err error) bool {
	return core.IsFatal(err)
}

// Orchestrator option functions

// WithSequence sets the declared stage sequence.
func WithSequence(seq Sequence) orchestrate.Option {
	return orchestrate.WithSequence(seq)
}

// WithPollInterval sets the claim loop's poll interval.
func WithPollInterval(d time.Duration) orchestrate.Option {
	return orchestrate.WithPollInterval(d)
}

// WithConcurrency bounds concurrent job execution.
func WithConcurrency(n int) orchestrate.Option {
	return orchestrate.WithConcurrency(n)
}

// Sweeper option functions

// WithThreshold sets the staleness threshold.
func WithThreshold(d time.Duration) sweeper.Option {
	return sweeper.WithThreshold(d)
}

// WithSchedule sets the sweep cadence.
func WithSchedule(sched Schedule) sweeper.Option {
	return sweeper.WithSchedule(sched)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// ValidateOwnerID validates an owner identifier.
func ValidateOwnerID(id string) error {
	return security.ValidateOwnerID(id)
}

// ValidateSubjectRef validates a subject reference.
func ValidateSubjectRef(ref string) error {
	return security.ValidateSubjectRef(ref)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// Migrate creates the schema on a fresh database.
func Migrate(ctx context.Context, s Store) error {
	return s.Migrate(ctx)
}
