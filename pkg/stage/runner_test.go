package stage_test

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
	"github.com/devinsight/analysis-jobs/pkg/stage"
	"github.com/devinsight/analysis-jobs/pkg/store"
)

var testSequence = core.Sequence{core.StageReview, core.StageQuestions}

func setupRunnerTest(t *testing.T) (core.Store, *core.JobRecord) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "runner_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := store.NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))

	job := &core.JobRecord{OwnerID: "owner-1", SubjectRef: "repo-A"}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return s, job
}

func fixedInvoker(payload string) stage.InvokerFunc {
	return func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	}
}

func quickRetry() stage.RunnerOption {
	return stage.WithRetry(stage.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})
}

func TestRunner_Run_AdvancesRecord(t *testing.T) {
	s, job := setupRunnerTest(t)
	r := stage.NewRunner(s, fixedInvoker(`{"score":91}`))

	updated, err := r.Run(context.Background(), job, testSequence, core.StageReview)
	require.NoError(t, err)

	assert.Equal(t, core.StatusRunning, updated.Status)
	assert.Equal(t, core.StageReview, updated.CurrentStage)
	assert.Equal(t, core.StageList{core.StageReview}, updated.CompletedStages)

	artifact, err := s.GetArtifact(context.Background(), job.ID, core.StageReview)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":91}`, string(artifact.Payload))
}

func TestRunner_Run_FinalStageCompletesJob(t *testing.T) {
	s, job := setupRunnerTest(t)
	r := stage.NewRunner(s, fixedInvoker(`{"ok":true}`))
	ctx := context.Background()

	first, err := r.Run(ctx, job, testSequence, core.StageReview)
	require.NoError(t, err)
	require.Equal(t, core.StatusRunning, first.Status)

	final, err := r.Run(ctx, first, testSequence, core.StageQuestions)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, final.Status)
	assert.Equal(t, core.StageList(testSequence), final.CompletedStages)
}

func TestRunner_Run_PriorArtifactsInInput(t *testing.T) {
	s, job := setupRunnerTest(t)
	ctx := context.Background()

	var questionsInput stage.Input
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		if name == core.StageQuestions {
			questionsInput = in
		}
		return json.RawMessage(`{}`), nil
	})
	r := stage.NewRunner(s, inv)

	job, err := r.Run(ctx, job, testSequence, core.StageReview)
	require.NoError(t, err)
	_, err = r.Run(ctx, job, testSequence, core.StageQuestions)
	require.NoError(t, err)

	assert.Equal(t, job.ID, questionsInput.JobID)
	assert.Equal(t, "repo-A", questionsInput.SubjectRef)
	require.Contains(t, questionsInput.Artifacts, core.StageReview)
}

func TestRunner_Run_CompletedStageIsNoop(t *testing.T) {
	s, job := setupRunnerTest(t)
	ctx := context.Background()

	calls := 0
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	})
	r := stage.NewRunner(s, inv)

	job, err := r.Run(ctx, job, testSequence, core.StageReview)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	again, err := r.Run(ctx, job, testSequence, core.StageReview)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "completed stage must not be re-invoked")
	assert.Equal(t, job.CompletedStages, again.CompletedStages)
}

func TestRunner_Run_FatalErrorFailsJob(t *testing.T) {
	s, job := setupRunnerTest(t)

	calls := 0
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		calls++
		return nil, core.Fatal(errors.New("repository does not exist"))
	})
	r := stage.NewRunner(s, inv, quickRetry())

	updated, err := r.Run(context.Background(), job, testSequence, core.StageReview)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.Equal(t, 1, calls, "fatal errors must not be retried")

	assert.Equal(t, core.StatusFailed, updated.Status)
	assert.Contains(t, updated.ErrorMessage, "repository does not exist")

	_, artErr := s.GetArtifact(context.Background(), job.ID, core.StageReview)
	assert.ErrorIs(t, artErr, core.ErrNotFound)
}

func TestRunner_Run_TransientExhaustionFailsJob(t *testing.T) {
	s, job := setupRunnerTest(t)

	calls := 0
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		calls++
		return nil, core.Transient(errors.New("backend unavailable"))
	})
	r := stage.NewRunner(s, inv, quickRetry())

	updated, err := r.Run(context.Background(), job, testSequence, core.StageReview)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.Equal(t, 2, calls)

	assert.Equal(t, core.StatusFailed, updated.Status)
	assert.Contains(t, updated.ErrorMessage, "retries exhausted")
}

func TestRunner_Run_TimeoutRetriedAsTransient(t *testing.T) {
	s, job := setupRunnerTest(t)

	calls := 0
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := stage.NewRunner(s, inv, quickRetry(), stage.WithTimeout(5*time.Millisecond))

	updated, err := r.Run(context.Background(), job, testSequence, core.StageReview)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "timeouts are retryable until the bound")
	assert.Equal(t, core.StatusFailed, updated.Status)
}

func TestRunner_Run_TerminalJobRejected(t *testing.T) {
	s, job := setupRunnerTest(t)
	ctx := context.Background()

	require.NoError(t, s.MarkFailed(ctx, job.ID, job.Version, "already failed"))
	failed, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)

	calls := 0
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	})
	r := stage.NewRunner(s, inv)

	_, err = r.Run(ctx, failed, testSequence, core.StageQuestions)
	assert.ErrorIs(t, err, core.ErrJobTerminal)
	assert.Zero(t, calls, "no stage may run for a terminal job")
}

func TestRunner_Run_UnknownStageRejected(t *testing.T) {
	s, job := setupRunnerTest(t)
	r := stage.NewRunner(s, fixedInvoker(`{}`))

	_, err := r.Run(context.Background(), job, testSequence, "mystery")
	assert.ErrorIs(t, err, core.ErrUnknownStage)
}

func TestRunner_Run_StaleRecordRereadsOnConflict(t *testing.T) {
	s, job := setupRunnerTest(t)
	ctx := context.Background()

	// Another actor bumped the record after our read.
	stale := *job
	job.Status = core.StatusRunning
	job.CurrentStage = core.StageReview
	require.NoError(t, s.UpdateJob(ctx, job))

	r := stage.NewRunner(s, fixedInvoker(`{"score":70}`))
	updated, err := r.Run(ctx, &stale, testSequence, core.StageReview)
	require.NoError(t, err)

	assert.Equal(t, core.StageList{core.StageReview}, updated.CompletedStages)
	assert.Equal(t, int64(2), updated.Version)
}

func TestRunner_Run_ConcurrentTerminalWins(t *testing.T) {
	s, job := setupRunnerTest(t)
	ctx := context.Background()

	// The invoker simulates a sweeper reclaiming the job mid-invocation.
	inv := stage.InvokerFunc(func(ctx context.Context, name string, in stage.Input) (json.RawMessage, error) {
		fresh, err := s.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if err := s.MarkFailed(ctx, fresh.ID, fresh.Version, "reclaimed by sweeper"); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil
	})
	r := stage.NewRunner(s, inv)

	_, err := r.Run(ctx, job, testSequence, core.StageReview)
	assert.ErrorIs(t, err, core.ErrJobTerminal)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	assert.Equal(t, "reclaimed by sweeper", stored.ErrorMessage)
}
