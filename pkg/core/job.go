package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Built-in stage names, in declared order.
const (
	StageReview       = "review"
	StageIntelligence = "intelligence"
	StageQuestions    = "questions"
	StageEvaluation   = "evaluation"
)

// JobRecord is the durable state of one analysis job. Status transitions
// and field mutations go through the Store's conditional writes only;
// Version carries the optimistic precondition.
type JobRecord struct {
	ID              string    `gorm:"primaryKey;size:36"`
	OwnerID         string    `gorm:"index:idx_owner_subject;index:idx_owner_created;size:255;not null"`
	SubjectRef      string    `gorm:"index:idx_owner_subject;size:2048;not null"`
	Status          JobStatus `gorm:"index;size:20;default:'pending'"`
	CurrentStage    string    `gorm:"size:255"`
	CompletedStages StageList `gorm:"type:text"`
	ErrorMessage    string    `gorm:"type:text"`
	Version         int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index:idx_owner_created"`
	UpdatedAt       time.Time `gorm:"index"`
}

// HasCompleted reports whether the named stage already finished for this job.
func (j *JobRecord) HasCompleted(stage string) bool {
	for _, s := range j.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// StageList is an ordered, append-only list of completed stage names,
// stored as a JSON array in a single column.
type StageList []string

// Value implements driver.Valuer.
func (l StageList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StageList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("core: cannot scan %T into StageList", src)
	}
}

// StageArtifact is the write-once output of a successfully completed stage.
// The (JobID, Stage) pair is unique; a duplicate write is a no-op.
type StageArtifact struct {
	ID          string          `gorm:"primaryKey;size:36"`
	JobID       string          `gorm:"uniqueIndex:idx_job_stage;size:36;not null"`
	Stage       string          `gorm:"uniqueIndex:idx_job_stage;size:255;not null"`
	Payload     json.RawMessage `gorm:"type:text"`
	CompletedAt time.Time       `gorm:"autoCreateTime"`
}

// Sequence is the declared, fixed order of stages for a pipeline.
type Sequence []string

// DefaultSequence returns the standard analysis pipeline: project review,
// code intelligence extraction, interview-question generation, answer
// evaluation.
func DefaultSequence() Sequence {
	return Sequence{StageReview, StageIntelligence, StageQuestions, StageEvaluation}
}

// Contains reports whether the sequence declares the named stage.
func (s Sequence) Contains(stage string) bool {
	for _, name := range s {
		if name == stage {
			return true
		}
	}
	return false
}

// IsPrefix reports whether completed is a strict in-order prefix of the
// sequence. An empty completed list is a valid prefix.
func (s Sequence) IsPrefix(completed []string) bool {
	if len(completed) > len(s) {
		return false
	}
	for i, name := range completed {
		if s[i] != name {
			return false
		}
	}
	return true
}

// Next returns the stage that should run after the given completed prefix.
// ok is false when every stage has completed. Next returns an error when
// completed is not a prefix of the sequence.
func (s Sequence) Next(completed []string) (stage string, ok bool, err error) {
	if !s.IsPrefix(completed) {
		return "", false, ErrStageOrder
	}
	if len(completed) == len(s) {
		return "", false, nil
	}
	return s[len(completed)], true, nil
}

// Final reports whether the named stage is the last in the sequence.
func (s Sequence) Final(stage string) bool {
	return len(s) > 0 && s[len(s)-1] == stage
}
