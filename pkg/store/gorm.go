package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/security"
)

var nonTerminal = []core.JobStatus{core.StatusPending, core.StatusRunning}

// GormStore implements core.Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.JobRecord{}, &core.StageArtifact{})
}

// CreateJob persists a new job record. A non-terminal job for the same
// (owner, subject) pair makes the submission a duplicate.
func (s *GormStore) CreateJob(ctx context.Context, job *core.JobRecord) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now()
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("owner_id = ? AND subject_ref = ?", job.OwnerID, job.SubjectRef).
		Where("status IN ?", nonTerminal).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return core.ErrDuplicateJob
	}

	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job record by ID.
func (s *GormStore) GetJob(ctx context.Context, jobID string) (*core.JobRecord, error) {
	var job core.JobRecord
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob writes the record's mutable fields, conditional on the
// version observed at read time. The stored version is bumped so any
// concurrent writer holding the old version loses with ErrConflict.
func (s *GormStore) UpdateJob(ctx context.Context, job *core.JobRecord) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(map[string]any{
			"status":           job.Status,
			"current_stage":    job.CurrentStage,
			"completed_stages": job.CompletedStages,
			"error_message":    security.SanitizeErrorMessage(job.ErrorMessage),
			"version":          job.Version + 1,
			"updated_at":       now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrConflict
	}

	job.Version++
	job.UpdatedAt = now
	return nil
}

// MarkFailed conditionally transitions a non-terminal job to failed.
// The status precondition means a job that concurrently completed or was
// already reclaimed is never overwritten.
func (s *GormStore) MarkFailed(ctx context.Context, jobID string, version int64, errMsg string) error {
	result := s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("id = ? AND version = ?", jobID, version).
		Where("status IN ?", nonTerminal).
		Updates(map[string]any{
			"status":        core.StatusFailed,
			"error_message": security.SanitizeErrorMessage(errMsg),
			"version":       version + 1,
			"updated_at":    time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrConflict
	}
	return nil
}

// PutArtifact persists a stage artifact. Duplicate writes for the same
// (job, stage) are no-ops so at-least-once stage re-invocation is safe.
func (s *GormStore) PutArtifact(ctx context.Context, artifact *core.StageArtifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.StageArtifact{}).
		Where("job_id = ? AND stage = ?", artifact.JobID, artifact.Stage).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	err = s.db.WithContext(ctx).Create(artifact).Error
	if err == nil {
		return nil
	}

	// A concurrent writer may have won the unique (job, stage) index
	// between the check and the insert. Re-read to tell the benign race
	// apart from a real failure.
	var existing int64
	checkErr := s.db.WithContext(ctx).
		Model(&core.StageArtifact{}).
		Where("job_id = ? AND stage = ?", artifact.JobID, artifact.Stage).
		Count(&existing).Error
	if checkErr == nil && existing > 0 {
		return nil
	}
	return err
}

// GetArtifact retrieves one artifact by (job, stage).
func (s *GormStore) GetArtifact(ctx context.Context, jobID, stage string) (*core.StageArtifact, error) {
	var artifact core.StageArtifact
	err := s.db.WithContext(ctx).
		First(&artifact, "job_id = ? AND stage = ?", jobID, stage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// ListArtifacts returns a job's artifacts in completion order.
func (s *GormStore) ListArtifacts(ctx context.Context, jobID string) ([]*core.StageArtifact, error) {
	var artifacts []*core.StageArtifact
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("completed_at ASC, id ASC").
		Find(&artifacts).Error
	return artifacts, err
}

// ListByOwner returns all job records for an owner, newest first.
func (s *GormStore) ListByOwner(ctx context.Context, ownerID string) ([]*core.JobRecord, error) {
	var jobList []*core.JobRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Find(&jobList).Error
	return jobList, err
}

// ListNonTerminal returns all records still in pending or running status.
func (s *GormStore) ListNonTerminal(ctx context.Context) ([]*core.JobRecord, error) {
	var jobList []*core.JobRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", nonTerminal).
		Order("updated_at ASC").
		Find(&jobList).Error
	return jobList, err
}

// ListPending returns up to limit claimable records, oldest first.
func (s *GormStore) ListPending(ctx context.Context, limit int) ([]*core.JobRecord, error) {
	var jobList []*core.JobRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}
