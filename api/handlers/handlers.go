// Package handlers exposes the kitchen engine over HTTP+JSON.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/dataset-kitchen/internal/lifecycle"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/internal/utils/validator"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// Kitchen is the engine surface the handlers call.
type Kitchen interface {
	Submit(ctx context.Context, job models.AugmentationJob) (string, error)
	Progress(ctx context.Context, jobID string) (models.JobProgress, error)
	Cancel(ctx context.Context, jobID string) (models.JobProgress, error)
	Paraphrase(ctx context.Context, req kitchen.PreviewRequest) (kitchen.Preview, error)

	Artifacts(ctx context.Context, stage models.Stage) ([]models.Artifact, error)
	Artifact(ctx context.Context, ref models.ArtifactRef) (models.Artifact, error)
	Versions(ctx context.Context, ref models.ArtifactRef) ([]models.Artifact, error)
	Rename(ctx context.Context, ref models.ArtifactRef, newName string) (models.Artifact, error)
	Combine(ctx context.Context, refs []models.ArtifactRef, requireSameType bool) (models.Artifact, error)
	Slice(ctx context.Context, ref models.ArtifactRef, columns []string) (models.Artifact, []string, error)
	ReadRows(ctx context.Context, ref models.ArtifactRef, page, rowsPerPage int) (kitchen.RowPage, error)
	ApplyEdits(ctx context.Context, ref models.ArtifactRef, edits kitchen.Edits) (models.Artifact, error)
	SaveAsNew(ctx context.Context, ref models.ArtifactRef, edits kitchen.Edits) (models.Artifact, error)

	Ingest(ctx context.Context, name string, r io.Reader, opts kitchen.IngestOptions) (models.Artifact, error)
	ConvertToSeed(ctx context.Context, ref models.ArtifactRef, format string) (models.Artifact, error)
	ParseToSeed(ctx context.Context, ref models.ArtifactRef, templateName, model, format string) (models.Artifact, error)

	DefineTemplate(ctx context.Context, name string, fields []string) (models.Template, error)
	Template(ctx context.Context, name string) (models.Template, error)
	Templates(ctx context.Context) ([]models.Template, error)
	SavePromptSet(ctx context.Context, name string, set models.PromptSet) error
	LoadPromptSet(ctx context.Context, name string) (models.PromptSet, error)
	PromptSets(ctx context.Context) ([]string, error)

	ImportModel(ctx context.Context, path, name string) (models.Artifact, error)
	LLMModels(ctx context.Context) ([]string, error)
	Lifecycle(ctx context.Context, req models.ModelLifecycleRequest) (models.Artifact, error)
	Generate(ctx context.Context, req lifecycle.GenerateRequest) (string, error)
}

var _ Kitchen = (*kitchen.Engine)(nil)

type Options struct {
	// MaxUploadBytes caps ingredient uploads; zero means no limit.
	MaxUploadBytes int64
	// DefaultModel is used by parse-to-seed when the request names none.
	DefaultModel string
}

type Handlers struct {
	Jobs      *JobHandler
	Artifacts *ArtifactHandler
	Catalog   *CatalogHandler
	Models    *ModelHandler
}

func NewHandlers(k Kitchen, opts Options, log logger.Logger) *Handlers {
	log = log.Named("api")
	uploads := validator.NewUploadValidator(log, validator.Config{MaxFileSize: opts.MaxUploadBytes})
	return &Handlers{
		Jobs:      &JobHandler{kitchen: k, logger: log},
		Artifacts: &ArtifactHandler{kitchen: k, opts: opts, validator: uploads, logger: log},
		Catalog:   &CatalogHandler{kitchen: k, logger: log},
		Models:    &ModelHandler{kitchen: k, logger: log},
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// StatusOf maps an engine error onto an HTTP status.
func StatusOf(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConsistency:
		return http.StatusConflict
	case models.KindUpstream:
		return http.StatusBadGateway
	case models.KindPartialFailure:
		return http.StatusOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleError writes err with the status its kind maps to.
func handleError(c *gin.Context, log logger.Logger, message string, err error) {
	status := StatusOf(err)
	log = logger.FromContext(c.Request.Context(), log)
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Warn(message, fields...)
	}

	resp := ErrorResponse{Message: message}
	var me *models.Error
	if errors.As(err, &me) {
		resp.Kind = string(me.Kind)
		resp.Code = string(me.Code)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(status, resp)
}

// badRequest reports a malformed request body or query.
func badRequest(c *gin.Context, log logger.Logger, err error) {
	handleError(c, log, "Invalid request", models.Validation(models.CodeInvalidParameter, "%v", err))
}

// ref builds an artifact reference from a name and an optional stage.
func ref(name, stage string) (models.ArtifactRef, error) {
	st, err := models.ParseStage(stage)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	if err := models.ValidateName(name); err != nil {
		return models.ArtifactRef{}, err
	}
	return models.ArtifactRef{Name: name, Stage: st}, nil
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
