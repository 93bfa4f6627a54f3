package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

type fakeRunner struct {
	err   error
	tasks []models.AugmentationTask
}

func (r *fakeRunner) RunJob(_ context.Context, task models.AugmentationTask) (models.JobProgress, error) {
	r.tasks = append(r.tasks, task)
	return models.JobProgress{JobID: task.JobID, Status: models.JobCompleted}, r.err
}

func newTask(t *testing.T, v any) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return asynq.NewTask("augment:run", payload)
}

func TestHandleAugment(t *testing.T) {
	runner := &fakeRunner{}
	w := &AugmentWorker{runner: runner, logger: logger.NewTestLogger()}
	task := models.AugmentationTask{JobID: "j1", SourceID: "s1", Job: models.AugmentationJob{Model: "llama3"}}

	require.NoError(t, w.HandleAugment(context.Background(), newTask(t, task)))
	require.Len(t, runner.tasks, 1)
	assert.Equal(t, task, runner.tasks[0])
}

func TestHandleAugmentBadPayload(t *testing.T) {
	runner := &fakeRunner{}
	w := &AugmentWorker{runner: runner, logger: logger.NewTestLogger()}

	err := w.HandleAugment(context.Background(), asynq.NewTask("augment:run", []byte("nope")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, runner.tasks)
}

func TestOutcome(t *testing.T) {
	upstream := models.Upstream(models.CodeLanguageModel, errors.New("timeout"), "model call failed")
	tests := []struct {
		name  string
		err   error
		ok    bool
		retry bool
	}{
		{"success", nil, true, false},
		{"partial", models.PartialFailure("2 of 10 cells failed"), true, false},
		{"validation", models.Validation(models.CodeInvalidParameter, "bad"), false, false},
		{"not found", models.NotFound("gone"), false, false},
		{"consistency", models.Consistency(models.CodeStageRegression, "no"), false, false},
		{"cancelled", context.Canceled, false, false},
		{"upstream", upstream, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Outcome(tt.err)
			if tt.ok {
				assert.NoError(t, got)
				return
			}
			require.Error(t, got)
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, !tt.retry, errors.Is(got, asynq.SkipRetry))
		})
	}
}
