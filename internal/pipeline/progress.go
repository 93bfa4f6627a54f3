package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/feichai0017/dataset-kitchen/internal/models"
)

type columnCounters struct {
	scheduled int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Progress is the live state of one job. Workers only touch atomics; Snapshot
// takes a read lock on the rarely written fields.
type Progress struct {
	jobID     string
	scheduled atomic.Int64
	processed atomic.Int64

	mu       sync.RWMutex
	status   models.JobStatus
	columns  map[string]*columnCounters
	warnings []string
	failures []models.FailedCell
	result   string
	err      string
	started  time.Time
	finished time.Time
}

func NewProgress(jobID string) *Progress {
	return &Progress{jobID: jobID, status: models.JobPending, columns: map[string]*columnCounters{}}
}

func (p *Progress) JobID() string { return p.jobID }

// Start records the schedule. perColumn holds the cell count of each dynamic
// column.
func (p *Progress) Start(perColumn map[string]int64, warnings []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	p.columns = make(map[string]*columnCounters, len(perColumn))
	for col, n := range perColumn {
		p.columns[col] = &columnCounters{scheduled: n}
		total += n
	}
	p.scheduled.Store(total)
	p.processed.Store(0)
	p.warnings = append([]string(nil), warnings...)
	p.status = models.JobRunning
	p.started = time.Now().UTC()
}

// cellDone is called by workers. The columns map is fixed after Start.
func (p *Progress) cellDone(column string, ok bool) {
	p.mu.RLock()
	c := p.columns[column]
	p.mu.RUnlock()
	if c != nil {
		if ok {
			c.succeeded.Add(1)
		} else {
			c.failed.Add(1)
		}
	}
	p.processed.Add(1)
}

// Finish moves the job to a terminal status.
func (p *Progress) Finish(status models.JobStatus, result string, failures []models.FailedCell, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.result = result
	p.failures = failures
	if err != nil {
		p.err = err.Error()
	}
	p.finished = time.Now().UTC()
}

func (p *Progress) Warn(msg string) {
	p.mu.Lock()
	p.warnings = append(p.warnings, msg)
	p.mu.Unlock()
}

func (p *Progress) Status() models.JobStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Snapshot copies the current state.
func (p *Progress) Snapshot() models.JobProgress {
	p.mu.RLock()
	defer p.mu.RUnlock()

	scheduled, processed := p.scheduled.Load(), p.processed.Load()
	out := models.JobProgress{
		JobID:          p.jobID,
		Status:         p.status,
		CellsScheduled: scheduled,
		CellsProcessed: processed,
		ColumnStats:    make(map[string]models.ColumnStats, len(p.columns)),
		ResultArtifact: p.result,
		Warnings:       append([]string(nil), p.warnings...),
		Failures:       append([]models.FailedCell(nil), p.failures...),
		Error:          p.err,
		StartedAt:      p.started,
		FinishedAt:     p.finished,
	}
	switch {
	case scheduled > 0:
		out.OverallProgress = float64(processed) / float64(scheduled) * 100
	case p.status.Terminal():
		out.OverallProgress = 100
	}
	for col, c := range p.columns {
		out.ColumnStats[col] = models.ColumnStats{
			Scheduled: c.scheduled,
			Succeeded: c.succeeded.Load(),
			Failed:    c.failed.Load(),
		}
	}
	return out
}
