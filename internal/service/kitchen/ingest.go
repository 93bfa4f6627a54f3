package kitchen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/agent/document"
	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// IngestOptions tune Ingest.
type IngestOptions struct {
	Overwrite bool
	// Metadata is recorded on the ingredient, e.g. the upload's hash.
	Metadata map[string]string
}

// Ingest registers an uploaded file as an ingredient. Tables and text are
// stored as they are; PDFs and scans are run through the document processors
// and stored as <base>.txt.
func (e *Engine) Ingest(ctx context.Context, name string, r io.Reader, opts IngestOptions) (models.Artifact, error) {
	if err := models.ValidateName(name); err != nil {
		return models.Artifact{}, err
	}
	format := models.FormatOf(name)
	log := e.logger.With(logger.String("file", name))

	a := models.Artifact{Name: name, Stage: models.StageIngredient, Format: format}
	var content io.Reader
	switch {
	case models.TableFormats[format]:
		data, err := io.ReadAll(r)
		if err != nil {
			return models.Artifact{}, fmt.Errorf("failed to read upload: %w", err)
		}
		t, err := converters.Decode(format, bytes.NewReader(data))
		if err != nil {
			return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "failed to decode %s: %v", name, err)
		}
		a.Kind, a.Rows, a.Columns = models.KindTable, t.Len(), t.Columns
		content = bytes.NewReader(data)
	case models.TextFormats[format]:
		a.Kind = models.KindText
		content = r
	case e.processors != nil && e.processors.Supports(format):
		proc, err := e.processors.GetProcessor(format)
		if err != nil {
			return models.Artifact{}, err
		}
		pages, err := proc.Process(ctx, r)
		if err != nil {
			log.Error("Failed to extract document text", logger.Error(err))
			return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "failed to extract text from %s: %v", name, err)
		}
		text := document.JoinPages(pages)
		if text == "" {
			return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "no text could be extracted from %s", name)
		}
		a.Name = models.BaseName(name) + ".txt"
		a.Format = ".txt"
		a.Kind = models.KindText
		a.Metadata = map[string]string{
			"extractedFrom": name,
			"pages":         fmt.Sprint(len(pages)),
			"extractor":     pages[0].Source,
		}
		content = strings.NewReader(text)
	default:
		return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "unsupported ingredient type %q", format)
	}

	for k, v := range opts.Metadata {
		if a.Metadata == nil {
			a.Metadata = make(map[string]string, len(opts.Metadata))
		}
		a.Metadata[k] = v
	}
	out, err := e.catalog.Register(ctx, a, content, catalog.RegisterOptions{Overwrite: opts.Overwrite})
	if err != nil {
		return models.Artifact{}, err
	}
	log.Info("Ingested ingredient", logger.String("artifact", out.String()), logger.String("kind", string(out.Kind)))
	return out, nil
}

// ConvertToSeed copies a structured artifact into the seed stage, re-encoded
// in format (parquet when empty).
func (e *Engine) ConvertToSeed(ctx context.Context, ref models.ArtifactRef, format string) (models.Artifact, error) {
	format, err := seedFormat(format)
	if err != nil {
		return models.Artifact{}, err
	}
	src, t, err := e.readTable(ctx, ref)
	if err != nil {
		return models.Artifact{}, err
	}
	return e.registerTable(ctx, models.Artifact{
		Name:    models.BaseName(src.Name) + format,
		Stage:   models.StageSeed,
		Parents: []string{src.ID},
	}, format, t)
}

// ParseToSeed shapes a text ingredient into template rows. The language model
// is asked for a columnar JSON document; when it is unavailable or its answer
// is unusable, non-empty lines are dealt to the template fields in turn.
func (e *Engine) ParseToSeed(ctx context.Context, ref models.ArtifactRef, templateName, model, format string) (models.Artifact, error) {
	format, err := seedFormat(format)
	if err != nil {
		return models.Artifact{}, err
	}
	tmpl, err := e.catalog.Template(ctx, templateName)
	if err != nil {
		return models.Artifact{}, err
	}
	src, err := e.catalog.ResolveRef(ctx, ref)
	if err != nil {
		return models.Artifact{}, err
	}
	if src.Kind != models.KindText {
		return models.Artifact{}, models.Consistency(models.CodeTypeMismatch, "%s is not a text artifact", src)
	}
	text, err := e.catalog.ReadText(ctx, src)
	if err != nil {
		return models.Artifact{}, err
	}

	log := e.logger.With(logger.String("source", src.String()), logger.String("template", tmpl.Name))
	method := "model"
	var t *converters.Table
	if e.llm != nil && strings.TrimSpace(model) != "" {
		t, err = e.parseWithModel(ctx, model, tmpl, text)
		if err != nil {
			if ctx.Err() != nil {
				return models.Artifact{}, ctx.Err()
			}
			log.Warn("Model parse failed, falling back to line assignment", logger.Error(err))
		}
	}
	if t == nil || t.Len() == 0 {
		method = "lines"
		t = RoundRobin(text, tmpl)
	}

	out := converters.NewTable(tmpl.Fields)
	for _, r := range t.Rows {
		out.Append(tmpl.Normalize(r))
	}
	a, err := e.registerTable(ctx, models.Artifact{
		Name:     models.BaseName(src.Name) + format,
		Stage:    models.StageSeed,
		Parents:  []string{src.ID},
		Metadata: map[string]string{"template": tmpl.Name, "parsedBy": method},
	}, format, out)
	if err != nil {
		return models.Artifact{}, err
	}
	log.Info("Parsed ingredient to seed", logger.String("seed", a.String()), logger.Int("rows", a.Rows), logger.String("method", method))
	return a, nil
}

func (e *Engine) parseWithModel(ctx context.Context, model string, tmpl models.Template, text string) (*converters.Table, error) {
	answer, err := e.llm.Chat(ctx, llm.ChatRequest{
		Model: model,
		JSON:  true,
		Messages: []llm.Message{
			{Role: "system", Content: "You are a data parsing assistant. Parse the given text into the specified JSON structure."},
			{Role: "user", Content: fmt.Sprintf(
				"Parse the following text into JSON with these keys: %s. Each key should contain a list of relevant parsed data.\n\nText to parse:\n%s",
				strings.Join(tmpl.Fields, ", "), text)},
		},
	})
	if err != nil {
		return nil, err
	}
	return ParseColumnar(answer, tmpl.Fields)
}

// ParseColumnar decodes {"field": [values...]} into a table over fields.
// Scalar values count as one-element lists; unknown keys are ignored.
func ParseColumnar(answer string, fields []string) (*converters.Table, error) {
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(answer))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, models.Upstream(models.CodeLanguageModel, err, "model answer is not a JSON object")
	}
	data := make(map[string][]any, len(fields))
	found := false
	for _, f := range fields {
		switch v := raw[f].(type) {
		case nil:
			continue
		case []any:
			data[f] = v
		default:
			data[f] = []any{v}
		}
		found = true
	}
	if !found {
		return nil, models.Upstream(models.CodeLanguageModel, nil, "model answer has none of the fields %v", fields)
	}
	return converters.FromColumnar(fields, data), nil
}

// RoundRobin deals the non-empty lines of text to the template fields in turn,
// starting a new row every len(fields) lines.
func RoundRobin(text string, tmpl models.Template) *converters.Table {
	data := make(map[string][]any, len(tmpl.Fields))
	i := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f := tmpl.Fields[i%len(tmpl.Fields)]
		data[f] = append(data[f], line)
		i++
	}
	return converters.FromColumnar(tmpl.Fields, data)
}

func seedFormat(format string) (string, error) {
	if format == "" {
		return ".parquet", nil
	}
	if !models.TableFormats[format] {
		return "", models.Validation(models.CodeInvalidParameter, "unsupported seed format %q", format)
	}
	return format, nil
}

func (e *Engine) DefineTemplate(ctx context.Context, name string, fields []string) (models.Template, error) {
	return e.catalog.Define(ctx, name, fields)
}

func (e *Engine) Template(ctx context.Context, name string) (models.Template, error) {
	return e.catalog.Template(ctx, name)
}

func (e *Engine) Templates(ctx context.Context) ([]models.Template, error) {
	return e.catalog.Templates(ctx)
}

func (e *Engine) SavePromptSet(ctx context.Context, name string, set models.PromptSet) error {
	if strings.TrimSpace(name) == "" {
		return models.Validation(models.CodeInvalidParameter, "prompt set name is required")
	}
	return e.catalog.SavePromptSet(ctx, name, set)
}

func (e *Engine) LoadPromptSet(ctx context.Context, name string) (models.PromptSet, error) {
	return e.catalog.LoadPromptSet(ctx, name)
}

func (e *Engine) PromptSets(ctx context.Context) ([]string, error) {
	return e.catalog.PromptSets(ctx)
}
