package kitchen

import (
	"context"
	"sort"
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/pipeline"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// maxPreviewParaphrases keeps a preview interactive.
const maxPreviewParaphrases = 20

// PreviewRequest paraphrases a single sample with the job settings it would
// run under.
type PreviewRequest struct {
	Model         string                      `json:"model"`
	Sample        map[string]any              `json:"sample"`
	Paraphrases   int                         `json:"numParaphrases"`
	ColumnTypes   models.ColumnClassification `json:"columnTypes,omitempty"`
	Prompts       *models.PromptSet           `json:"customPrompts,omitempty"`
	PromptSetName string                      `json:"promptSet,omitempty"`
}

type Preview struct {
	Columns     []string            `json:"columns"`
	Paraphrases []converters.Record `json:"paraphrases"`
	Failures    []models.FailedCell `json:"failures,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

// Paraphrase runs the generate and verify loop on one sample and returns the
// variants without registering anything.
func (e *Engine) Paraphrase(ctx context.Context, req PreviewRequest) (Preview, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Preview{}, models.Validation(models.CodeInvalidParameter, "no language model selected")
	}
	if len(req.Sample) == 0 {
		return Preview{}, models.Validation(models.CodeInsufficientInput, "sample has no fields")
	}
	if req.Paraphrases < 1 || req.Paraphrases > maxPreviewParaphrases {
		return Preview{}, models.Validation(models.CodeInvalidParameter, "numParaphrases must be in [1,%d], got %d", maxPreviewParaphrases, req.Paraphrases)
	}

	cols := make([]string, 0, len(req.Sample))
	for c := range req.Sample {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	table := converters.NewTable(cols)
	table.Append(converters.Record(req.Sample))

	// planned like a one-row seed
	job := models.AugmentationJob{
		Source:               models.ArtifactRef{Name: "sample.json"},
		Model:                req.Model,
		UseAllSamples:        true,
		ParaphrasesPerSample: req.Paraphrases,
		ColumnTypes:          req.ColumnTypes,
		Prompts:              req.Prompts,
		PromptSetName:        req.PromptSetName,
	}
	prompts, err := e.prompts(ctx, job)
	if err != nil {
		return Preview{}, err
	}
	plan, err := e.planner.Plan(job, table)
	if err != nil {
		return Preview{}, err
	}
	if len(plan.Dynamic) == 0 {
		return Preview{}, models.Validation(models.CodeInsufficientInput, "sample has no dynamic column to paraphrase")
	}

	res, err := e.pipeline.Run(ctx, pipeline.Job{
		ID:      "preview",
		Model:   req.Model,
		Plan:    plan,
		Source:  table,
		Prompts: prompts,
	}, pipeline.NewProgress("preview"))
	if err != nil {
		return Preview{}, err
	}
	if res.TotalFailure() {
		return Preview{}, models.Upstream(models.CodeGenerationFailed, nil, "no paraphrase of the sample passed verification")
	}
	e.logger.Info("Previewed paraphrases",
		logger.String("model", req.Model),
		logger.Int("variants", res.Table.Len()),
		logger.Int("failed", len(res.Failures)),
	)
	return Preview{
		Columns:     res.Table.Columns,
		Paraphrases: res.Table.Rows,
		Failures:    res.Failures,
		Warnings:    plan.Warnings,
	}, nil
}
