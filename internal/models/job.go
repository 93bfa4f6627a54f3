package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ColumnRole decides how the planner treats a column.
type ColumnRole string

const (
	RoleStatic    ColumnRole = "static"
	RoleReference ColumnRole = "reference"
	RoleDynamic   ColumnRole = "dynamic"
)

func (r ColumnRole) Valid() bool {
	return r == RoleStatic || r == RoleReference || r == RoleDynamic
}

// FailureColumn flags output rows whose cells exhausted generation. It lists
// the failed columns, comma separated.
const FailureColumn = "_generation_failed"

// ColumnClassification maps column name to role.
type ColumnClassification map[string]ColumnRole

// Columns returns the columns holding role, in the order given by order.
func (c ColumnClassification) Columns(order []string, role ColumnRole) []string {
	var out []string
	for _, col := range order {
		if c[col] == role {
			out = append(out, col)
		}
	}
	return out
}

// AugmentationJob describes one synthetic generation run over a source dataset.
type AugmentationJob struct {
	Source               ArtifactRef          `json:"source"`
	Model                string               `json:"model"`
	UseAllSamples        bool                 `json:"useAllSamples"`
	SampleRate           float64              `json:"sampleRate"`
	ParaphrasesPerSample int                  `json:"paraphrasesPerSample"`
	ColumnTypes          ColumnClassification `json:"columnTypes,omitempty"`
	Prompts              *PromptSet           `json:"customPrompts,omitempty"`
	PromptSetName        string               `json:"promptSet,omitempty"`
	RecordTemplate       string               `json:"customChatTemplate,omitempty"`
	OutputFormat         string               `json:"outputFormat,omitempty"`
	Seed                 uint64               `json:"seed,omitempty"`
	FailedRowsOnly       bool                 `json:"failedRowsOnly,omitempty"`
	IdempotencyKey       string               `json:"idempotencyKey,omitempty"`
}

// Validate checks the job before anything is dispatched.
func (j AugmentationJob) Validate() error {
	if strings.TrimSpace(j.Model) == "" {
		return Validation(CodeInvalidParameter, "no language model selected")
	}
	if err := ValidateName(j.Source.Name); err != nil {
		return err
	}
	if j.Source.Stage != "" && !j.Source.Stage.IsData() {
		return Validation(CodeInvalidParameter, "source stage %q does not hold datasets", j.Source.Stage)
	}
	for col, role := range j.ColumnTypes {
		if !role.Valid() {
			return Validation(CodeInvalidParameter, "column %q has unknown role %q", col, role)
		}
	}
	if j.OutputFormat != "" && !TableFormats[j.OutputFormat] {
		return Validation(CodeInvalidParameter, "unsupported output format %q", j.OutputFormat)
	}
	return nil
}

// Identity hashes the job together with the resolved source artifact id.
// An explicit IdempotencyKey replaces the job body in the hash.
func (j AugmentationJob) Identity(sourceID string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	if j.IdempotencyKey != "" {
		h.Write([]byte(j.IdempotencyKey))
	} else {
		body, _ := json.Marshal(j)
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// JobStatus is the externally visible state of an augmentation job.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobRunning        JobStatus = "running"
	JobCompleted      JobStatus = "completed"
	JobPartialFailure JobStatus = "partial-failure"
	JobFailed         JobStatus = "failed"
	JobCancelled      JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartialFailure, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ColumnStats counts cell outcomes for one dynamic column.
type ColumnStats struct {
	Scheduled int64 `json:"scheduled"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// FailedCell identifies a cell that exhausted its retries or verification rounds.
type FailedCell struct {
	Row       int    `json:"row"`
	SourceRow int    `json:"sourceRow"`
	Variant   int    `json:"variant"`
	Column    string `json:"column"`
	Reason    string `json:"reason"`
}

// JobProgress is a point-in-time snapshot of a job.
type JobProgress struct {
	JobID           string                 `json:"jobId"`
	Status          JobStatus              `json:"status"`
	OverallProgress float64                `json:"overallProgress"`
	CellsScheduled  int64                  `json:"cellsScheduled"`
	CellsProcessed  int64                  `json:"cellsProcessed"`
	ColumnStats     map[string]ColumnStats `json:"columnStats"`
	ResultArtifact  string                 `json:"resultArtifact,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
	Failures        []FailedCell           `json:"failures,omitempty"`
	Error           string                 `json:"error,omitempty"`
	StartedAt       time.Time              `json:"startedAt,omitempty"`
	FinishedAt      time.Time              `json:"finishedAt,omitempty"`
}

// AugmentationTask is a dispatched job. SourceID pins the source version the
// job identity was computed against.
type AugmentationTask struct {
	JobID    string          `json:"jobId"`
	SourceID string          `json:"sourceId"`
	Job      AugmentationJob `json:"job"`
}
