package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/devinsight/analysis-jobs/pkg/core"
)

// View is the normalized answer to "what is the status of job X".
// Artifacts carries the payload of every completed stage; artifacts whose
// stage never made it into CompletedStages are not exposed.
type View struct {
	JobID           string                     `json:"job_id"`
	OwnerID         string                     `json:"owner_id"`
	SubjectRef      string                     `json:"subject_ref"`
	Status          core.JobStatus             `json:"status"`
	CurrentStage    string                     `json:"current_stage,omitempty"`
	CompletedStages []string                   `json:"completed_stages"`
	ErrorMessage    string                     `json:"error_message,omitempty"`
	Artifacts       map[string]json.RawMessage `json:"artifacts,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Reader answers status queries from the state store.
type Reader struct {
	store core.Store
}

// NewReader creates a Reader over the given store.
func NewReader(s core.Store) *Reader {
	return &Reader{store: s}
}

// Get returns the full-detail view of one job, artifacts included.
func (r *Reader) Get(ctx context.Context, jobID string) (*View, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	artifacts, err := r.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := newView(job)
	for _, a := range artifacts {
		if !job.HasCompleted(a.Stage) {
			continue
		}
		if view.Artifacts == nil {
			view.Artifacts = make(map[string]json.RawMessage, len(artifacts))
		}
		view.Artifacts[a.Stage] = a.Payload
	}
	return view, nil
}

// GetForOwner is Get with owner isolation: a job belonging to someone
// else reports core.ErrNotFound rather than revealing its existence.
func (r *Reader) GetForOwner(ctx context.Context, jobID, ownerID string) (*View, error) {
	view, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if view.OwnerID != ownerID {
		return nil, core.ErrNotFound
	}
	return view, nil
}

// ListByOwner returns summary views of all the owner's jobs, newest
// first. Artifacts are omitted from summaries; use Get for full detail.
func (r *Reader) ListByOwner(ctx context.Context, ownerID string) ([]*View, error) {
	jobs, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	views := make([]*View, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newView(job))
	}
	return views, nil
}

func newView(job *core.JobRecord) *View {
	completed := make([]string, len(job.CompletedStages))
	copy(completed, job.CompletedStages)

	return &View{
		JobID:           job.ID,
		OwnerID:         job.OwnerID,
		SubjectRef:      job.SubjectRef,
		Status:          job.Status,
		CurrentStage:    job.CurrentStage,
		CompletedStages: completed,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}
