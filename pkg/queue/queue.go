// Package queue dispatches augmentation jobs to asynq workers and keeps their
// status snapshots in Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

const TaskTypeAugment = "augment:run"

// Queues and their priorities on the worker side. Jobs go to QueueDefault.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var Priorities = map[string]int{QueueCritical: 6, QueueDefault: 3, QueueLow: 1}

// completedRetention keeps finished tasks visible to the inspector so a
// redelivered job id can be told apart from a new one.
const completedRetention = time.Hour

// StatusKey is the Redis key holding a job's last snapshot.
func StatusKey(jobID string) string {
	return "task_status:" + jobID
}

// RedisOpt builds the asynq connection options.
func RedisOpt(c cfg.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, DB: c.RedisDB}
}

// AsynqQueue implements the engine's dispatcher and status store.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
	cfg       cfg.QueueConfig
	logger    logger.Logger
}

func NewAsynqQueue(c cfg.QueueConfig, log logger.Logger) *AsynqQueue {
	opt := RedisOpt(c)
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		redis:     redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB}),
		cfg:       c,
		logger:    log.Named("queue"),
	}
}

// Ping checks that Redis is reachable.
func (q *AsynqQueue) Ping(ctx context.Context) error {
	if err := q.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", q.cfg.RedisAddr, err)
	}
	return nil
}

// NewTask wraps an augmentation task. The job id doubles as the asynq task id
// so a job is queued at most once.
func NewTask(task models.AugmentationTask, c cfg.QueueConfig) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(task.JobID),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(c.MaxRetry),
		asynq.Retention(completedRetention),
	}
	if c.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(c.TaskTimeout.D()))
	}
	return asynq.NewTask(TaskTypeAugment, payload, opts...), nil
}

// ParseTask decodes the payload written by NewTask.
func ParseTask(payload []byte) (models.AugmentationTask, error) {
	var task models.AugmentationTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return task, models.Validation(models.CodeInvalidParameter, "invalid task payload: %v", err)
	}
	if task.JobID == "" || task.SourceID == "" {
		return task, models.Validation(models.CodeInvalidParameter, "task payload is missing jobId or sourceId")
	}
	return task, nil
}

// Dispatch enqueues task. A task id that is still queued or running is left
// alone; one that finished or was archived is replaced.
func (q *AsynqQueue) Dispatch(ctx context.Context, task models.AugmentationTask) error {
	t, err := NewTask(task, q.cfg)
	if err != nil {
		return err
	}
	log := q.logger.With(logger.String("jobId", task.JobID))

	info, err := q.client.EnqueueContext(ctx, t)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		prev, ierr := q.inspector.GetTaskInfo(QueueDefault, task.JobID)
		if ierr != nil || !finished(prev.State) {
			log.Info("Task already queued")
			return nil
		}
		if err := q.inspector.DeleteTask(QueueDefault, task.JobID); err != nil {
			return fmt.Errorf("failed to replace finished task: %w", err)
		}
		info, err = q.client.EnqueueContext(ctx, t)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	log.Info("Task enqueued", logger.String("queue", info.Queue))
	return nil
}

func finished(s asynq.TaskState) bool {
	return s == asynq.TaskStateCompleted || s == asynq.TaskStateArchived
}

// Cancel signals a running task and removes a waiting one.
func (q *AsynqQueue) Cancel(ctx context.Context, jobID string) error {
	info, err := q.inspector.GetTaskInfo(QueueDefault, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("failed to inspect task: %w", err)
	}
	switch info.State {
	case asynq.TaskStateActive:
		if err := q.inspector.CancelProcessing(jobID); err != nil {
			return fmt.Errorf("failed to cancel running task: %w", err)
		}
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
	default:
		if err := q.inspector.DeleteTask(QueueDefault, jobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}
	q.logger.Info("Task cancelled", logger.String("jobId", jobID), logger.String("state", info.State.String()))
	return nil
}

// SaveStatus stores the snapshot for StatusTTL.
func (q *AsynqQueue) SaveStatus(ctx context.Context, p models.JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := q.redis.Set(ctx, StatusKey(p.JobID), data, q.cfg.StatusTTL.D()).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

// Status returns the stored snapshot, or one derived from the task state when
// no worker has written a snapshot yet.
func (q *AsynqQueue) Status(ctx context.Context, jobID string) (models.JobProgress, error) {
	data, err := q.redis.Get(ctx, StatusKey(jobID)).Bytes()
	if err == nil {
		var p models.JobProgress
		if err := json.Unmarshal(data, &p); err != nil {
			return models.JobProgress{}, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		return p, nil
	}
	if !errors.Is(err, redis.Nil) {
		return models.JobProgress{}, fmt.Errorf("failed to get status from redis: %w", err)
	}

	info, err := q.inspector.GetTaskInfo(QueueDefault, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return models.JobProgress{}, models.NotFound("job %s not found", jobID)
		}
		return models.JobProgress{}, fmt.Errorf("failed to inspect task: %w", err)
	}
	return ProgressFromTask(info), nil
}

// ProgressFromTask maps an asynq task state to a job snapshot.
func ProgressFromTask(info *asynq.TaskInfo) models.JobProgress {
	p := models.JobProgress{JobID: info.ID, ColumnStats: map[string]models.ColumnStats{}}
	switch info.State {
	case asynq.TaskStateActive:
		p.Status = models.JobRunning
	case asynq.TaskStateCompleted:
		p.Status = models.JobCompleted
		p.OverallProgress = 100
		p.FinishedAt = info.CompletedAt
	case asynq.TaskStateArchived:
		p.Status = models.JobFailed
		p.Error = info.LastErr
		p.FinishedAt = info.LastFailedAt
	default:
		p.Status = models.JobPending
		if info.LastErr != "" {
			p.Warnings = []string{"retrying after: " + info.LastErr}
		}
	}
	return p
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.redis.Close())
}
