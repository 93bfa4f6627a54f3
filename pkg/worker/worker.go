// Package worker runs queued augmentation jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/queue"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop()
}

// Runner executes one augmentation task to completion.
type Runner interface {
	RunJob(ctx context.Context, task models.AugmentationTask) (models.JobProgress, error)
}

type AugmentWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger logger.Logger
}

func NewAugmentWorker(c cfg.QueueConfig, runner Runner, log logger.Logger) *AugmentWorker {
	server := asynq.NewServer(
		queue.RedisOpt(c),
		asynq.Config{
			Concurrency: c.Concurrency,
			Queues:      queue.Priorities,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)
	w := &AugmentWorker{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: runner,
		logger: log.Named("worker"),
	}
	w.mux.HandleFunc(queue.TaskTypeAugment, w.HandleAugment)
	return w
}

// HandleAugment runs the task and records the final snapshot as the task
// result.
func (w *AugmentWorker) HandleAugment(ctx context.Context, t *asynq.Task) error {
	task, err := queue.ParseTask(t.Payload())
	if err != nil {
		w.logger.Error("Failed to decode task", logger.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := w.logger.With(logger.String("jobId", task.JobID))
	log.Info("Processing augmentation task", logger.String("source", task.Job.Source.String()))

	p, err := w.runner.RunJob(ctx, task)
	if rw := t.ResultWriter(); rw != nil {
		if data, merr := json.Marshal(p); merr == nil {
			if _, werr := rw.Write(data); werr != nil {
				log.Warn("Failed to write task result", logger.Error(werr))
			}
		}
	}
	err = Outcome(err)
	if err != nil {
		log.Error("Augmentation task failed", logger.Error(err), logger.String("status", string(p.Status)))
		return err
	}
	log.Info("Augmentation task done", logger.String("status", string(p.Status)))
	return nil
}

// Outcome maps a job error onto asynq's retry semantics: partial failures
// count as success, errors no retry can fix skip retries.
func Outcome(err error) error {
	switch {
	case err == nil, models.IsPartialFailure(err):
		return nil
	case models.IsValidation(err), models.IsNotFound(err), models.IsConsistency(err),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (w *AugmentWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop waits for in-flight tasks up to the server's shutdown timeout.
func (w *AugmentWorker) Stop() {
	w.server.Shutdown()
}
