// Package kitchen is the engine facade: it owns the catalog, the augmentation
// pipeline and the model lifecycle controller and exposes the operations the
// HTTP API, the queue worker and the CLI call.
package kitchen

import (
	"context"
	"sync"

	"github.com/feichai0017/dataset-kitchen/internal/agent"
	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/lifecycle"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/pipeline"
	"github.com/feichai0017/dataset-kitchen/internal/planner"
	"github.com/feichai0017/dataset-kitchen/pkg/keylock"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// Dispatcher hands augmentation tasks to a worker pool outside this process.
type Dispatcher interface {
	Dispatch(ctx context.Context, task models.AugmentationTask) error
	Cancel(ctx context.Context, jobID string) error
}

// StatusStore keeps job snapshots visible to processes that did not run the job.
type StatusStore interface {
	SaveStatus(ctx context.Context, p models.JobProgress) error
	// Status returns a ResourceNotFound error for unknown jobs.
	Status(ctx context.Context, jobID string) (models.JobProgress, error)
}

// SourceLocker serializes jobs that read the same source artifact. The returned
// func releases the lock.
type SourceLocker interface {
	LockSource(ctx context.Context, source string) (func(), error)
}

// localSources serializes jobs within one process.
type localSources struct {
	locks *keylock.KeyLock
}

func (l localSources) LockSource(ctx context.Context, source string) (func(), error) {
	return l.locks.Lock(ctx, source)
}

type Options struct {
	// OutputFormat is the dish suffix when a job does not name one.
	OutputFormat string
	// ModelsDir is scanned for Hugging Face folders and GGUF files.
	ModelsDir string
}

// Deps are the collaborators of an Engine. Dispatcher, Status, Lifecycle and
// Processors are optional.
type Deps struct {
	Catalog    *catalog.Catalog
	LLM        llm.Client
	Planner    *planner.Planner
	Pipeline   *pipeline.Pipeline
	Lifecycle  *lifecycle.Controller
	Processors *agent.ProcessorFactory
	Dispatcher Dispatcher
	Status     StatusStore
	// Sources defaults to a per-process lock. Queue workers share one in Redis.
	Sources SourceLocker
}

type Engine struct {
	catalog    *catalog.Catalog
	llm        llm.Client
	planner    *planner.Planner
	pipeline   *pipeline.Pipeline
	lifecycle  *lifecycle.Controller
	processors *agent.ProcessorFactory
	dispatcher Dispatcher
	status     StatusStore
	opts       Options
	logger     logger.Logger

	// sources serializes jobs reading the same source artifact
	sources SourceLocker

	mu   sync.Mutex
	jobs map[string]*jobState

	// background jobs run under runCtx so Close can stop them
	runCtx  context.Context
	stop    context.CancelFunc
	running sync.WaitGroup
}

func NewEngine(d Deps, opts Options, log logger.Logger) *Engine {
	if opts.OutputFormat == "" {
		opts.OutputFormat = ".parquet"
	}
	if d.Planner == nil {
		d.Planner = planner.New(nil)
	}
	if d.Sources == nil {
		d.Sources = localSources{keylock.New()}
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		catalog:    d.Catalog,
		llm:        d.LLM,
		planner:    d.Planner,
		pipeline:   d.Pipeline,
		lifecycle:  d.Lifecycle,
		processors: d.Processors,
		dispatcher: d.Dispatcher,
		status:     d.Status,
		opts:       opts,
		logger:     log.Named("kitchen"),
		sources:    d.Sources,
		jobs:       make(map[string]*jobState),
		runCtx:     runCtx,
		stop:       stop,
	}
}

// Catalog exposes the underlying catalog for read-only listings.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Close cancels in-process jobs and waits for them to finish.
func (e *Engine) Close() error {
	e.stop()
	e.running.Wait()
	return nil
}
