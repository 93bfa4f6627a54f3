// Package app wires the engine from configuration. The server, the queue
// worker and the CLI all build their engine here.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	cfg "github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/internal/agent"
	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/lifecycle"
	"github.com/feichai0017/dataset-kitchen/internal/pipeline"
	"github.com/feichai0017/dataset-kitchen/internal/planner"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/queue"
	"github.com/feichai0017/dataset-kitchen/pkg/storage"
)

// Role selects how jobs are run by the built engine.
type Role int

const (
	// Local runs jobs in process.
	Local Role = iota
	// Producer dispatches jobs to the queue and reads their status from Redis.
	Producer
	// Consumer runs queued jobs and publishes their status to Redis.
	Consumer
)

// App owns the engine and everything it needs to be closed.
type App struct {
	Engine *kitchen.Engine
	Queue  *queue.AsynqQueue

	closers []func() error
}

// LoggerFrom builds the process logger from c.Log. Every entry carries the
// process name.
func LoggerFrom(c *cfg.Config, process string) (logger.Logger, error) {
	return logger.NewLogger(logger.WithConfig(c.Log), logger.WithInitialField("process", process))
}

// Build opens the catalog and wires the engine for role. The server's mode
// setting turns Local into Producer.
func Build(ctx context.Context, c *cfg.Config, role Role, log logger.Logger) (*App, error) {
	if role == Local && c.Server.Mode == "queue" {
		role = Producer
	}
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	for _, dir := range []string{c.Data.Dir, c.Data.OvenDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := storage.NewStorage(ctx, c, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	cat, err := catalog.Open(ctx, c.Data.CatalogPath, store, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cat.Close)

	client := llm.NewOllamaClient(c.LLM, log)
	a.closers = append(a.closers, client.Close)

	processors := agent.NewProcessorFactory(ctx, c.OCR, c.Textract, log)
	a.closers = append(a.closers, processors.Close)

	deps := kitchen.Deps{
		Catalog: cat,
		LLM:     client,
		Planner: planner.New(planner.NewClassifier(c.Classifier.StaticHints, c.Classifier.ReferenceHints)),
		Pipeline: pipeline.New(client, pipeline.Options{
			Workers:           c.Pipeline.Workers,
			VerifyRounds:      c.Pipeline.VerifyRounds,
			ModelVerification: c.Pipeline.ModelVerification,
		}, log),
		Lifecycle: lifecycle.NewController(cat, lifecycle.NewExecToolchain(c.Toolchain, log), lifecycle.Options{
			OvenDir: c.Data.OvenDir,
			Retry: llm.RetryPolicy{
				MaxAttempts:     c.Toolchain.Attempts,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
			},
		}, log),
		Processors: processors,
	}

	if role != Local {
		q := queue.NewAsynqQueue(c.Queue, log)
		a.closers = append(a.closers, q.Close)
		if err := q.Ping(ctx); err != nil {
			return nil, err
		}
		a.Queue = q
		deps.Status = q
		if role == Producer {
			deps.Dispatcher = q
		} else {
			deps.Sources = q
		}
	}

	a.Engine = kitchen.NewEngine(deps, kitchen.Options{
		OutputFormat: c.Pipeline.OutputFormat,
		ModelsDir:    c.Data.ModelsDir,
	}, log)
	a.closers = append(a.closers, a.Engine.Close)

	if _, err := a.Engine.ScanModels(ctx); err != nil {
		log.Warn("Failed to scan models directory", logger.Error(err))
	}
	ok = true
	return a, nil
}

// Close releases resources in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
