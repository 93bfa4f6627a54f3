package kitchen

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/pipeline"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/metrics"
)

// statusInterval is how often a running job's snapshot is mirrored to the
// status store.
const statusInterval = 2 * time.Second

type jobState struct {
	task     models.AugmentationTask
	progress *pipeline.Progress
	// remote jobs run in a worker process; the local progress only records
	// the dispatch.
	remote bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func newJobState(task models.AugmentationTask, remote bool) *jobState {
	return &jobState{task: task, progress: pipeline.NewProgress(task.JobID), remote: remote}
}

// start installs the cancel func. It returns false when the job was cancelled
// before it started.
func (s *jobState) start(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.cancel = cancel
	return true
}

func (s *jobState) requestCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// rerunnable reports whether a job with this status may be dispatched again
// under the same id.
func rerunnable(s models.JobStatus) bool {
	return s == models.JobFailed || s == models.JobCancelled
}

// Submit validates job, pins its source version and dispatches it. The job id
// is derived from the job and the source version, so submitting the same job
// again returns the existing id instead of cooking a second dish. Only failed
// or cancelled jobs are run again.
func (e *Engine) Submit(ctx context.Context, job models.AugmentationJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	src, err := e.catalog.ResolveRef(ctx, job.Source)
	if err != nil {
		return "", err
	}
	if src.Kind != models.KindTable {
		return "", models.Consistency(models.CodeTypeMismatch, "%s is not a structured table", src)
	}
	if !models.CanDerive(src.Stage, models.StageDish) {
		return "", models.Consistency(models.CodeStageRegression, "a dish cannot be cooked from %s; convert it to a seed first", src)
	}
	if _, err := e.prompts(ctx, job); err != nil {
		return "", err
	}
	if _, err := pipeline.ParseRecordTemplate(job.RecordTemplate); err != nil {
		return "", err
	}
	job.Source = src.Ref()
	id := job.Identity(src.ID)[:32]
	log := e.logger.With(logger.String("jobId", id), logger.String("source", src.String()))

	if e.activeJob(id) {
		log.Info("Augmentation job already submitted")
		return id, nil
	}
	if dish, ok, err := e.dishFor(ctx, id); err != nil {
		return "", err
	} else if ok {
		st := newJobState(models.AugmentationTask{JobID: id, SourceID: src.ID, Job: job}, false)
		st.progress.Finish(models.JobCompleted, dish.Name, nil, nil)
		e.mu.Lock()
		if _, exists := e.jobs[id]; !exists {
			e.jobs[id] = st
		}
		e.mu.Unlock()
		log.Info("Augmentation job already cooked", logger.String("dish", dish.Name))
		return id, nil
	}
	if e.status != nil {
		p, err := e.status.Status(ctx, id)
		if err == nil && !rerunnable(p.Status) {
			log.Info("Augmentation job already dispatched", logger.String("status", string(p.Status)))
			return id, nil
		}
		if err != nil && !models.IsNotFound(err) {
			log.Warn("Failed to read job status", logger.Error(err))
		}
	}

	task := models.AugmentationTask{JobID: id, SourceID: src.ID, Job: job}
	st := newJobState(task, e.dispatcher != nil)
	e.mu.Lock()
	if cur, ok := e.jobs[id]; ok && !cur.remote && !rerunnable(cur.progress.Status()) {
		e.mu.Unlock()
		return id, nil
	}
	e.jobs[id] = st
	e.mu.Unlock()
	e.saveStatus(ctx, st)

	if e.dispatcher == nil {
		e.running.Add(1)
		go func() {
			defer e.running.Done()
			e.run(e.runCtx, st)
		}()
	} else if err := e.dispatcher.Dispatch(ctx, task); err != nil {
		e.mu.Lock()
		delete(e.jobs, id)
		e.mu.Unlock()
		log.Error("Failed to dispatch augmentation job", logger.Error(err))
		return "", models.Upstream(models.CodeDispatch, err, "failed to dispatch job %s", id)
	}

	log.Info("Augmentation job submitted",
		logger.String("model", job.Model),
		logger.Bool("queued", e.dispatcher != nil),
	)
	return id, nil
}

// activeJob reports whether id runs or ran in this process. Remote jobs are
// judged by the status store.
func (e *Engine) activeJob(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.jobs[id]
	return ok && !st.remote && !rerunnable(st.progress.Status())
}

// dishFor finds a dish committed by job id.
func (e *Engine) dishFor(ctx context.Context, id string) (models.Artifact, bool, error) {
	dishes, err := e.catalog.List(ctx, models.StageDish)
	if err != nil {
		return models.Artifact{}, false, err
	}
	for _, d := range dishes {
		if d.Metadata["jobId"] == id {
			return d, true, nil
		}
	}
	return models.Artifact{}, false, nil
}

// RunJob executes a dispatched task in this process. A task whose job already
// completed here is not run again.
func (e *Engine) RunJob(ctx context.Context, task models.AugmentationTask) (models.JobProgress, error) {
	e.mu.Lock()
	st, ok := e.jobs[task.JobID]
	if ok && st.progress.Status().Terminal() && !rerunnable(st.progress.Status()) {
		e.mu.Unlock()
		return st.progress.Snapshot(), nil
	}
	if !ok || st.remote || rerunnable(st.progress.Status()) {
		st = newJobState(task, false)
		e.jobs[task.JobID] = st
	}
	e.mu.Unlock()

	err := e.run(ctx, st)
	return st.progress.Snapshot(), err
}

func (e *Engine) run(ctx context.Context, st *jobState) error {
	ctx = logger.WithJobID(ctx, st.task.JobID)
	log := logger.FromContext(ctx, e.logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !st.start(cancel) {
		return e.finish(ctx, st, models.JobCancelled, "", nil, nil)
	}
	stopMirror := e.mirror(ctx, st)
	status, result, failures, err := e.cook(ctx, st)
	stopMirror()

	switch status {
	case models.JobCancelled:
		log.Info("Augmentation job cancelled")
		err = nil
	case models.JobFailed:
		log.Error("Augmentation job failed", logger.Error(err))
	}
	return e.finish(ctx, st, status, result, failures, err)
}

// cook plans and runs the job and commits the dish. It never registers
// anything for a cancelled or totally failed job.
func (e *Engine) cook(ctx context.Context, st *jobState) (models.JobStatus, string, []models.FailedCell, error) {
	task := st.task
	unlock, err := e.sources.LockSource(ctx, task.Job.Source.String())
	if err != nil {
		return models.JobCancelled, "", nil, err
	}
	defer unlock()

	src, err := e.catalog.ByID(ctx, task.SourceID)
	if err != nil {
		return models.JobFailed, "", nil, err
	}
	table, err := e.catalog.ReadTable(ctx, src)
	if err != nil {
		return models.JobFailed, "", nil, err
	}
	prompts, err := e.prompts(ctx, task.Job)
	if err != nil {
		return models.JobFailed, "", nil, err
	}
	record, err := pipeline.ParseRecordTemplate(task.Job.RecordTemplate)
	if err != nil {
		return models.JobFailed, "", nil, err
	}
	plan, err := e.planner.Plan(task.Job, table)
	if err != nil {
		return models.JobFailed, "", nil, err
	}

	res, err := e.pipeline.Run(ctx, pipeline.Job{
		ID:      task.JobID,
		Model:   task.Job.Model,
		Plan:    plan,
		Source:  table,
		Prompts: prompts,
		Record:  record,
	}, st.progress)
	if ctx.Err() != nil {
		return models.JobCancelled, "", nil, ctx.Err()
	}
	if err != nil {
		return models.JobFailed, "", nil, err
	}
	if res.TotalFailure() {
		return models.JobFailed, "", res.Failures,
			models.Upstream(models.CodeGenerationFailed, nil, "all %d scheduled cells failed", res.Cells)
	}

	dish, err := e.commitDish(ctx, task, src, res.Table)
	if err != nil {
		if ctx.Err() != nil {
			return models.JobCancelled, "", nil, ctx.Err()
		}
		return models.JobFailed, "", nil, err
	}
	if len(res.Failures) > 0 {
		return models.JobPartialFailure, dish.Name, res.Failures,
			models.PartialFailure("%d of %d cells failed generation", len(res.Failures), res.Cells)
	}
	return models.JobCompleted, dish.Name, nil, nil
}

// DishName is the name a job's dish is registered under.
func DishName(source, jobID, format string) string {
	key := jobID
	if len(key) > 10 {
		key = key[:10]
	}
	return fmt.Sprintf("%s_synthetic_%s%s", models.BaseName(source), key, format)
}

func (e *Engine) commitDish(ctx context.Context, task models.AugmentationTask, src models.Artifact, t *converters.Table) (models.Artifact, error) {
	format := task.Job.OutputFormat
	if format == "" {
		format = e.opts.OutputFormat
	}
	data, err := converters.EncodeBytes(format, t)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to encode dish: %w", err)
	}
	return e.catalog.Register(ctx, models.Artifact{
		Name:    DishName(src.Name, task.JobID, format),
		Stage:   models.StageDish,
		Kind:    models.KindTable,
		Format:  format,
		Rows:    t.Len(),
		Columns: t.Columns,
		Parents: []string{src.ID},
		Metadata: map[string]string{
			"jobId":  task.JobID,
			"model":  task.Job.Model,
			"source": src.String(),
		},
	}, bytes.NewReader(data), catalog.RegisterOptions{Overwrite: true})
}

func (e *Engine) finish(ctx context.Context, st *jobState, status models.JobStatus, result string, failures []models.FailedCell, err error) error {
	st.progress.Finish(status, result, failures, err)
	metrics.JobFinished(string(status))
	e.saveStatus(context.WithoutCancel(ctx), st)
	if status == models.JobCompleted || status == models.JobPartialFailure {
		logger.FromContext(ctx, e.logger).Info("Augmentation job finished",
			logger.String("status", string(status)),
			logger.String("dish", result),
			logger.Int("failures", len(failures)),
		)
	}
	return err
}

// mirror periodically copies the job snapshot to the status store until the
// returned func is called.
func (e *Engine) mirror(ctx context.Context, st *jobState) func() {
	if e.status == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.saveStatus(ctx, st)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine) saveStatus(ctx context.Context, st *jobState) {
	if e.status == nil {
		return
	}
	if err := e.status.SaveStatus(ctx, st.progress.Snapshot()); err != nil {
		e.logger.Warn("Failed to save job status",
			logger.String("jobId", st.task.JobID),
			logger.Error(err),
		)
	}
}

// Progress returns the job's snapshot, from this process when it runs the
// job, else from the status store.
func (e *Engine) Progress(ctx context.Context, jobID string) (models.JobProgress, error) {
	e.mu.Lock()
	st, ok := e.jobs[jobID]
	e.mu.Unlock()
	if ok && !st.remote {
		return st.progress.Snapshot(), nil
	}
	if e.status != nil {
		p, err := e.status.Status(ctx, jobID)
		if err == nil {
			return p, nil
		}
		if !models.IsNotFound(err) {
			return models.JobProgress{}, models.Upstream(models.CodeDispatch, err, "failed to read status of job %s", jobID)
		}
	}
	if ok {
		return st.progress.Snapshot(), nil
	}
	return models.JobProgress{}, models.NotFound("job %s not found", jobID)
}

// Cancel stops a job. In-flight cells are aborted and no dish is committed.
// Cancelling a finished job changes nothing.
func (e *Engine) Cancel(ctx context.Context, jobID string) (models.JobProgress, error) {
	e.mu.Lock()
	st, ok := e.jobs[jobID]
	e.mu.Unlock()
	if ok && !st.remote {
		if !st.progress.Status().Terminal() {
			st.requestCancel()
			e.logger.Info("Cancel requested", logger.String("jobId", jobID))
		}
		return st.progress.Snapshot(), nil
	}

	p, err := e.Progress(ctx, jobID)
	if err != nil {
		return models.JobProgress{}, err
	}
	if p.Status.Terminal() || e.dispatcher == nil {
		return p, nil
	}
	if err := e.dispatcher.Cancel(ctx, jobID); err != nil {
		return models.JobProgress{}, models.Upstream(models.CodeDispatch, err, "failed to cancel job %s", jobID)
	}
	if p.Status == models.JobPending && e.status != nil {
		// never picked up by a worker, so nobody else will record the outcome
		p.Status = models.JobCancelled
		p.FinishedAt = time.Now().UTC()
		if err := e.status.SaveStatus(ctx, p); err != nil {
			e.logger.Warn("Failed to save job status", logger.String("jobId", jobID), logger.Error(err))
		}
	}
	return p, nil
}

func (e *Engine) prompts(ctx context.Context, job models.AugmentationJob) (models.PromptSet, error) {
	set := models.DefaultPromptSet()
	if job.PromptSetName != "" {
		saved, err := e.catalog.LoadPromptSet(ctx, job.PromptSetName)
		if err != nil {
			return models.PromptSet{}, err
		}
		set = set.Merge(saved)
	}
	if job.Prompts != nil {
		set = set.Merge(*job.Prompts)
	}
	return set, nil
}
