package core

import (
	"context"
)

// Store defines the persistence layer for job records and stage
// artifacts. It is the single shared mutable resource: every actor
// mutates a record only through the conditional methods below, keyed on
// the Version observed at read time. A failed precondition surfaces as
// ErrConflict and the caller must re-read before deciding to retry.
type Store interface {
	// Migrate creates the necessary tables.
	Migrate(ctx context.Context) error

	// CreateJob persists a new record. It fails with ErrDuplicateJob when
	// a non-terminal job already exists for the same (owner, subject).
	CreateJob(ctx context.Context, job *JobRecord) error

	// GetJob retrieves a record by ID, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// UpdateJob writes the record's mutable fields conditionally on
	// job.Version matching the stored row. On success the stored version
	// is incremented and job reflects the new version and UpdatedAt.
	// A lost race returns ErrConflict.
	UpdateJob(ctx context.Context, job *JobRecord) error

	// MarkFailed conditionally transitions a non-terminal job to failed,
	// setting the sanitized error message. Keyed on version like
	// UpdateJob; additionally refuses (with ErrConflict) to touch a row
	// that already reached a terminal status.
	MarkFailed(ctx context.Context, jobID string, version int64, errMsg string) error

	// PutArtifact persists a stage artifact. Writes are once-only: a
	// duplicate for the same (job, stage) is a no-op that preserves the
	// original payload and CompletedAt.
	PutArtifact(ctx context.Context, artifact *StageArtifact) error

	// GetArtifact retrieves one artifact, or ErrNotFound.
	GetArtifact(ctx context.Context, jobID, stage string) (*StageArtifact, error)

	// ListArtifacts returns a job's artifacts in completion order.
	ListArtifacts(ctx context.Context, jobID string) ([]*StageArtifact, error)

	// ListByOwner returns all records for an owner, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*JobRecord, error)

	// ListNonTerminal returns all records in pending or running status.
	ListNonTerminal(ctx context.Context) ([]*JobRecord, error)

	// ListPending returns up to limit claimable records, oldest first.
	ListPending(ctx context.Context, limit int) ([]*JobRecord, error)
}
