package core

import "time"

// Event is the interface for all orchestration events.
type Event interface {
	eventMarker()
}

// JobSubmitted is emitted when a job record is created.
type JobSubmitted struct {
	Job       *JobRecord
	Timestamp time.Time
}

func (*JobSubmitted) eventMarker() {}

// StageStarted is emitted when a stage attempt sequence begins.
type StageStarted struct {
	Job       *JobRecord
	Stage     string
	Timestamp time.Time
}

func (*StageStarted) eventMarker() {}

// StageCompleted is emitted when a stage's artifact is durably written.
type StageCompleted struct {
	Job       *JobRecord
	Stage     string
	Duration  time.Duration
	Timestamp time.Time
}

func (*StageCompleted) eventMarker() {}

// JobCompleted is emitted when the final stage succeeds.
type JobCompleted struct {
	Job       *JobRecord
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job transitions to failed.
type JobFailed struct {
	Job       *JobRecord
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobReclaimed is emitted when the recovery sweeper forces a stale job
// to failed.
type JobReclaimed struct {
	Job       *JobRecord
	StaleFor  time.Duration
	Timestamp time.Time
}

func (*JobReclaimed) eventMarker() {}
