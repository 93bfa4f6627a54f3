// Package pipeline runs the generate and verify loop of an augmentation job
// over every scheduled cell and assembles the output rows.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/planner"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/metrics"
)

// TextColumn receives the rendered record-assembly template.
const TextColumn = "text"

type Options struct {
	// Workers bounds the cells of one job in flight at once.
	Workers int
	// VerifyRounds bounds generate/verify cycles per cell.
	VerifyRounds int
	// ModelVerification enables the second model call when the prompt set
	// carries a verify prompt.
	ModelVerification bool
}

func DefaultOptions() Options {
	return Options{Workers: 4, VerifyRounds: 2, ModelVerification: true}
}

// Job is everything the pipeline needs to run one augmentation.
type Job struct {
	ID      string
	Model   string
	Plan    *planner.Plan
	Source  *converters.Table
	Prompts models.PromptSet
	// Record, when set, is rendered per output row into TextColumn.
	Record *template.Template
}

// Result is the assembled output of a finished run.
type Result struct {
	Table     *converters.Table
	Cells     int
	Succeeded int
	Failures  []models.FailedCell
}

// TotalFailure reports whether cells were scheduled and none succeeded.
func (r *Result) TotalFailure() bool {
	return r.Cells > 0 && r.Succeeded == 0
}

type Pipeline struct {
	client llm.Client
	opts   Options
	logger logger.Logger
}

func New(client llm.Client, opts Options, log logger.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.VerifyRounds < 1 {
		opts.VerifyRounds = 1
	}
	return &Pipeline{client: client, opts: opts, logger: log.Named("pipeline")}
}

type cell struct {
	row       int // output row
	sourceRow int
	variant   int
	column    string
	original  string
	refs      map[string]string
	refText   string
}

type cellResult struct {
	text   string
	ok     bool
	reason string
}

// Run executes job. Output rows are only assembled after every cell is done;
// a cancelled ctx returns ctx.Err() and no result.
func (p *Pipeline) Run(ctx context.Context, job Job, progress *Progress) (*Result, error) {
	log := logger.FromContext(ctx, p.logger)
	plan := job.Plan

	rows := make([]converters.Record, 0, plan.OutputRows())
	var cells []*cell
	for _, src := range plan.Rows {
		source := job.Source.Rows[src]
		refs := make(map[string]string, len(plan.Reference))
		for _, col := range plan.Reference {
			refs[col] = converters.CellString(source[col])
		}
		refText := formatReferences(plan.Reference, refs)
		for v := 0; v < plan.Variants; v++ {
			out := make(converters.Record, len(plan.Columns))
			for _, col := range plan.Columns {
				out[col] = source[col]
			}
			rowIdx := len(rows)
			rows = append(rows, out)
			for _, col := range plan.Dynamic {
				cells = append(cells, &cell{
					row:       rowIdx,
					sourceRow: src,
					variant:   v,
					column:    col,
					original:  converters.CellString(source[col]),
					refs:      refs,
					refText:   refText,
				})
			}
		}
	}

	perColumn := make(map[string]int64, len(plan.Dynamic))
	for _, col := range plan.Dynamic {
		perColumn[col] = int64(len(plan.Rows) * plan.Variants)
	}
	progress.Start(perColumn, plan.Warnings)
	log.Info("Running augmentation",
		logger.String("model", job.Model),
		logger.Int("rows", len(rows)),
		logger.Int("cells", len(cells)),
	)

	results := make([]cellResult, len(cells))
	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for i, c := range cells {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := p.runCell(ctx, job, c)
			results[i] = res
			if ctx.Err() == nil {
				progress.cellDone(c.column, res.ok)
				metrics.CellDone(res.ok)
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		log.Info("Augmentation cancelled", logger.Int64("processed", progress.processed.Load()))
		return nil, err
	}

	res := &Result{Cells: len(cells)}
	failedCols := make(map[int][]string)
	for i, c := range cells {
		r := results[i]
		if r.ok {
			res.Succeeded++
			rows[c.row][c.column] = r.text
			continue
		}
		if r.text != "" {
			rows[c.row][c.column] = r.text
		}
		failedCols[c.row] = append(failedCols[c.row], c.column)
		res.Failures = append(res.Failures, models.FailedCell{
			Row:       c.row,
			SourceRow: c.sourceRow,
			Variant:   c.variant,
			Column:    c.column,
			Reason:    r.reason,
		})
	}

	out := converters.NewTable(plan.Columns)
	if job.Record != nil {
		out.AddColumn(TextColumn)
	}
	if len(res.Failures) > 0 {
		out.AddColumn(models.FailureColumn)
	}
	for i, r := range rows {
		if job.Record != nil {
			text, err := renderRecord(job.Record, r)
			if err != nil {
				return nil, models.Validation(models.CodeInvalidParameter, "record template failed on row %d: %v", i, err)
			}
			r[TextColumn] = text
		}
		if len(res.Failures) > 0 {
			if cols := failedCols[i]; len(cols) > 0 {
				sort.Strings(cols)
				r[models.FailureColumn] = strings.Join(cols, ",")
			} else {
				r[models.FailureColumn] = nil
			}
		}
		out.Append(r)
	}
	res.Table = out

	log.Info("Augmentation finished",
		logger.Int("cells", res.Cells),
		logger.Int("succeeded", res.Succeeded),
		logger.Int("failed", len(res.Failures)),
	)
	return res, nil
}

type cellState int

const (
	stateGenerate cellState = iota
	stateVerify
	stateCorrect
	stateSucceeded
	stateFailed
)

// runCell drives one cell through generate, verify and correct until it
// succeeds, runs out of rounds or a call fails for good.
func (p *Pipeline) runCell(ctx context.Context, job Job, c *cell) cellResult {
	prompt := job.Prompts.ForColumn(c.column)
	state := stateGenerate
	var (
		round                         int
		candidate, correction, reason string
	)
	for {
		switch state {
		case stateGenerate:
			out, err := p.client.Chat(ctx, llm.ChatRequest{Model: job.Model, Messages: generationMessages(prompt, c)})
			if err != nil {
				reason = err.Error()
				state = stateFailed
				continue
			}
			candidate = clean(out)
			state = stateVerify

		case stateVerify:
			round++
			var err error
			reason, correction, err = p.verify(ctx, job, c, candidate)
			switch {
			case err != nil:
				reason = err.Error()
				state = stateFailed
			case reason == "":
				state = stateSucceeded
			case round >= p.opts.VerifyRounds:
				state = stateFailed
			default:
				state = stateCorrect
			}

		case stateCorrect:
			if correction != "" {
				candidate = correction
				state = stateVerify
				continue
			}
			out, err := p.client.Chat(ctx, llm.ChatRequest{
				Model:    job.Model,
				Messages: correctionMessages(prompt, c, candidate, reason),
			})
			if err != nil {
				reason = err.Error()
				state = stateFailed
				continue
			}
			candidate = clean(out)
			state = stateVerify

		case stateSucceeded:
			return cellResult{text: candidate, ok: true}

		case stateFailed:
			return cellResult{text: candidate, reason: reason}
		}
	}
}

// verify returns a rejection reason ("" when accepted) and, when the model
// proposed one, a corrected candidate.
func (p *Pipeline) verify(ctx context.Context, job Job, c *cell, candidate string) (reason, correction string, err error) {
	if reason := checkStructure(c.original, candidate, c.refs); reason != "" {
		return reason, "", nil
	}
	if !p.opts.ModelVerification || job.Prompts.Verify == nil || job.Prompts.Verify.IsZero() {
		return "", "", nil
	}
	answer, err := p.client.Chat(ctx, llm.ChatRequest{
		Model:    job.Model,
		Messages: verifyMessages(*job.Prompts.Verify, c, candidate),
	})
	if err != nil {
		return "", "", err
	}
	if answer = clean(answer); answer == "" || sameText(answer, candidate) {
		return "", "", nil
	}
	return "verifier proposed a correction", answer, nil
}

func renderRecord(t *template.Template, r converters.Record) (string, error) {
	data := make(map[string]string, len(r))
	for k, v := range r {
		data[k] = converters.CellString(v)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ParseRecordTemplate compiles a record-assembly template. Fields are the
// row's columns: {{.input}}.
func ParseRecordTemplate(src string) (*template.Template, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	t, err := template.New("record").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, models.Validation(models.CodeInvalidParameter, "invalid record template: %v", err)
	}
	return t, nil
}
