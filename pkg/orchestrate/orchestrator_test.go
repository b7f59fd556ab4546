package orchestrate_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/orchestrate"
	"github.com/devinsight/analysis-jobs/pkg/stage"
	"github.com/devinsight/analysis-jobs/pkg/store"
)

var testSequence = core.Sequence{core.StageReview, core.StageQuestions}

func openTestStore(t *testing.T) core.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "orchestrate_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := store.NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func okInvoker() stage.InvokerFunc {
	return func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		return json.RawMessage(`{"stage":"` + name + `"}`), nil
	}
}

func TestOrchestrator_Submit(t *testing.T) {
	s := openTestStore(t)
	o := orchestrate.New(s, okInvoker(), orchestrate.WithSequence(testSequence))

	jobID, err := o.Submit(context.Background(), "owner-1", "https://github.com/acme/widget")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, "owner-1", job.OwnerID)
	assert.Empty(t, job.CompletedStages)
}

func TestOrchestrator_Submit_Validation(t *testing.T) {
	s := openTestStore(t)
	o := orchestrate.New(s, okInvoker())
	ctx := context.Background()

	_, err := o.Submit(ctx, "", "repo-A")
	assert.ErrorIs(t, err, core.ErrInvalidOwnerID)

	_, err = o.Submit(ctx, "owner-1", "  ")
	assert.ErrorIs(t, err, core.ErrInvalidSubjectRef)
}

func TestOrchestrator_Submit_DuplicateInFlight(t *testing.T) {
	s := openTestStore(t)
	o := orchestrate.New(s, okInvoker(), orchestrate.WithSequence(testSequence))
	ctx := context.Background()

	_, err := o.Submit(ctx, "owner-1", "repo-A")
	require.NoError(t, err)

	_, err = o.Submit(ctx, "owner-1", "repo-A")
	assert.ErrorIs(t, err, core.ErrDuplicateJob)
}

func TestOrchestrator_Submit_AllowedAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	o := orchestrate.New(s, okInvoker(), orchestrate.WithSequence(testSequence))
	ctx := context.Background()

	first, err := o.Submit(ctx, "owner-1", "repo-A")
	require.NoError(t, err)
	require.NoError(t, o.RunJob(ctx, first))

	_, err = o.Submit(ctx, "owner-1", "repo-A")
	assert.NoError(t, err, "terminal jobs do not block resubmission")
}

func TestOrchestrator_RunJob_DrivesAllStages(t *testing.T) {
	s := openTestStore(t)

	// Snapshot the record state as each stage begins, to verify the
	// intermediate states a polling client would observe.
	type snapshot struct {
		status    core.JobStatus
		completed core.StageList
	}
	snapshots := map[string]snapshot{}
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		rec, err := s.GetJob(ctx, in.JobID)
		if err != nil {
			return nil, err
		}
		snapshots[name] = snapshot{status: rec.Status, completed: rec.CompletedStages}
		return json.RawMessage(`{}`), nil
	})

	o := orchestrate.New(s, inv, orchestrate.WithSequence(testSequence))
	ctx := context.Background()

	jobID, err := o.Submit(ctx, "owner-1", "repo-A")
	require.NoError(t, err)
	require.NoError(t, o.RunJob(ctx, jobID))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, core.StageList(testSequence), job.CompletedStages)

	require.Contains(t, snapshots, core.StageReview)
	assert.Equal(t, core.StatusRunning, snapshots[core.StageReview].status)
	assert.Empty(t, snapshots[core.StageReview].completed)

	require.Contains(t, snapshots, core.StageQuestions)
	assert.Equal(t, core.StatusRunning, snapshots[core.StageQuestions].status)
	assert.Equal(t, core.StageList{core.StageReview}, snapshots[core.StageQuestions].completed)
}

func TestOrchestrator_RunJob_FailureStopsPipeline(t *testing.T) {
	s := openTestStore(t)

	invocations := []string{}
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		invocations = append(invocations, name)
		if name == core.StageReview {
			return nil, core.Fatal(errors.New("cannot clone subject"))
		}
		return json.RawMessage(`{}`), nil
	})
	o := orchestrate.New(s, inv, orchestrate.WithSequence(testSequence))
	ctx := context.Background()

	jobID, err := o.Submit(ctx, "owner-1", "repo-A")
	require.NoError(t, err)
	require.NoError(t, o.RunJob(ctx, jobID))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)
	assert.Equal(t, []string{core.StageReview}, invocations, "later stages must never be invoked")

	// Re-running a terminal job is a no-op.
	require.NoError(t, o.RunJob(ctx, jobID))
	assert.Equal(t, []string{core.StageReview}, invocations)
}

func TestOrchestrator_RunJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	o := orchestrate.New(s, okInvoker())

	err := o.RunJob(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestOrchestrator_HooksAndEvents(t *testing.T) {
	s := openTestStore(t)
	o := orchestrate.New(s, okInvoker(), orchestrate.WithSequence(testSequence))
	ctx := context.Background()

	var completed []string
	o.OnJobComplete(func(_ context.Context, job *core.JobRecord) {
		completed = append(completed, job.ID)
	})

	events := o.Events()
	defer o.Unsubscribe(events)

	jobID, err := o.Submit(ctx, "owner-1", "repo-A")
	require.NoError(t, err)
	require.NoError(t, o.RunJob(ctx, jobID))

	assert.Equal(t, []string{jobID}, completed)

	var kinds []string
	for {
		select {
		case e := <-events:
			switch e.(type) {
			case *core.JobSubmitted:
				kinds = append(kinds, "submitted")
			case *core.StageCompleted:
				kinds = append(kinds, "stage")
			case *core.JobCompleted:
				kinds = append(kinds, "completed")
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []string{"submitted", "stage", "stage", "completed"}, kinds)
}

func TestOrchestrator_FailHook(t *testing.T) {
	s := openTestStore(t)
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		return nil, core.Fatal(errors.New("no access"))
	})
	o := orchestrate.New(s, inv, orchestrate.WithSequence(testSequence))
	ctx := context.Background()

	var failedJob *core.JobRecord
	o.OnJobFail(func(_ context.Context, job *core.JobRecord, err error) {
		failedJob = job
	})

	jobID, err := o.Submit(ctx, "owner-1", "repo-A")
	require.NoError(t, err)
	require.NoError(t, o.RunJob(ctx, jobID))

	require.NotNil(t, failedJob)
	assert.Equal(t, jobID, failedJob.ID)
	assert.Equal(t, core.StatusFailed, failedJob.Status)
}

func TestOrchestrator_Start_ClaimsPendingJobs(t *testing.T) {
	s := openTestStore(t)
	o := orchestrate.New(s, okInvoker(),
		orchestrate.WithSequence(testSequence),
		orchestrate.WithPollInterval(10*time.Millisecond),
		orchestrate.WithConcurrency(2),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobA, err := o.Submit(ctx, "owner-1", "repo-A")
	require.NoError(t, err)
	jobB, err := o.Submit(ctx, "owner-2", "repo-B")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- o.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		a, errA := s.GetJob(context.Background(), jobA)
		b, errB := s.GetJob(context.Background(), jobB)
		return errA == nil && errB == nil &&
			a.Status == core.StatusCompleted && b.Status == core.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
