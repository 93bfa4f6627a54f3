package kitchen

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// RowPage is one page of a structured artifact.
type RowPage struct {
	Artifact    string              `json:"artifact"`
	Version     int                 `json:"version"`
	Columns     []string            `json:"columns"`
	Rows        []converters.Record `json:"rows"`
	TotalRows   int                 `json:"totalRows"`
	Page        int                 `json:"page"`
	RowsPerPage int                 `json:"rowsPerPage"`
}

// Edits are cell values keyed by zero-based row index then column.
type Edits map[int]map[string]any

// Combine stacks two or more data artifacts into a salad. Tables are
// concatenated over the union of their columns; text is joined with a blank
// line. With requireSameType every input must share the first one's suffix.
func (e *Engine) Combine(ctx context.Context, refs []models.ArtifactRef, requireSameType bool) (models.Artifact, error) {
	if len(refs) < 2 {
		return models.Artifact{}, models.Validation(models.CodeInsufficientInput, "combine needs at least two artifacts, got %d", len(refs))
	}
	inputs := make([]models.Artifact, 0, len(refs))
	for _, ref := range refs {
		a, err := e.catalog.ResolveRef(ctx, ref)
		if err != nil {
			return models.Artifact{}, err
		}
		inputs = append(inputs, a)
	}

	first := inputs[0]
	bases := make([]string, 0, len(inputs))
	parents := make([]string, 0, len(inputs))
	for _, a := range inputs {
		if a.Kind != first.Kind {
			return models.Artifact{}, models.Consistency(models.CodeTypeMismatch, "cannot combine %s (%s) with %s (%s)", first.Name, first.Kind, a.Name, a.Kind)
		}
		if requireSameType && a.Format != first.Format {
			return models.Artifact{}, models.Consistency(models.CodeTypeMismatch, "cannot combine %q files with %q files", first.Format, a.Format)
		}
		bases = append(bases, models.BaseName(a.Name))
		parents = append(parents, a.ID)
	}

	out := models.Artifact{
		Name:    strings.Join(bases, "_") + first.Format,
		Stage:   models.StageSalad,
		Kind:    first.Kind,
		Format:  first.Format,
		Parents: parents,
	}
	var data []byte
	switch first.Kind {
	case models.KindTable:
		tables := make([]*converters.Table, 0, len(inputs))
		for _, a := range inputs {
			t, err := e.catalog.ReadTable(ctx, a)
			if err != nil {
				return models.Artifact{}, err
			}
			tables = append(tables, t)
		}
		combined := converters.Concat(tables...)
		b, err := converters.EncodeBytes(first.Format, combined)
		if err != nil {
			return models.Artifact{}, fmt.Errorf("failed to encode combined table: %w", err)
		}
		data = b
		out.Rows, out.Columns = combined.Len(), combined.Columns
	case models.KindText:
		parts := make([]string, 0, len(inputs))
		for _, a := range inputs {
			text, err := e.catalog.ReadText(ctx, a)
			if err != nil {
				return models.Artifact{}, err
			}
			parts = append(parts, text)
		}
		data = []byte(strings.Join(parts, "\n\n"))
	default:
		return models.Artifact{}, models.Consistency(models.CodeTypeMismatch, "%s artifacts cannot be combined", first.Kind)
	}

	a, err := e.catalog.Register(ctx, out, bytes.NewReader(data), catalog.RegisterOptions{Overwrite: true})
	if err != nil {
		return models.Artifact{}, err
	}
	e.logger.Info("Combined artifacts",
		logger.String("salad", a.String()),
		logger.Int("inputs", len(inputs)),
		logger.Int("rows", a.Rows),
	)
	return a, nil
}

// Slice writes a copy of a table without the named columns into the edit
// stage. It returns the columns that were actually removed.
func (e *Engine) Slice(ctx context.Context, ref models.ArtifactRef, columns []string) (models.Artifact, []string, error) {
	if len(columns) == 0 {
		return models.Artifact{}, nil, models.Validation(models.CodeInvalidParameter, "no columns to remove")
	}
	src, t, err := e.readTable(ctx, ref)
	if err != nil {
		return models.Artifact{}, nil, err
	}
	removed := t.DropColumns(columns)
	if len(removed) == 0 {
		return models.Artifact{}, nil, models.Validation(models.CodeInvalidParameter, "none of %v are columns of %s", columns, src.Name)
	}
	a, err := e.registerTable(ctx, models.Artifact{
		Name:     models.BaseName(src.Name) + "_sliced" + src.Format,
		Stage:    models.StageEdit,
		Parents:  []string{src.ID},
		Metadata: map[string]string{"removedColumns": strings.Join(removed, ",")},
	}, src.Format, t)
	if err != nil {
		return models.Artifact{}, nil, err
	}
	return a, removed, nil
}

// ReadRows returns a zero-based page of a structured artifact.
func (e *Engine) ReadRows(ctx context.Context, ref models.ArtifactRef, page, rowsPerPage int) (RowPage, error) {
	if page < 0 {
		return RowPage{}, models.Validation(models.CodeInvalidParameter, "page must be >= 0")
	}
	if rowsPerPage < 1 {
		return RowPage{}, models.Validation(models.CodeInvalidParameter, "rowsPerPage must be >= 1")
	}
	src, t, err := e.readTable(ctx, ref)
	if err != nil {
		return RowPage{}, err
	}
	return RowPage{
		Artifact:    src.Name,
		Version:     src.Version,
		Columns:     t.Columns,
		Rows:        t.Page(page, rowsPerPage),
		TotalRows:   t.Len(),
		Page:        page,
		RowsPerPage: rowsPerPage,
	}, nil
}

// ApplyEdits registers the edited table as the next version of the same
// artifact; the previous version stays queryable and is recorded as parent.
func (e *Engine) ApplyEdits(ctx context.Context, ref models.ArtifactRef, edits Edits) (models.Artifact, error) {
	src, t, err := e.editedTable(ctx, ref, edits)
	if err != nil {
		return models.Artifact{}, err
	}
	return e.registerTable(ctx, models.Artifact{
		Name:     src.Name,
		Stage:    src.Stage,
		Parents:  []string{src.ID},
		Metadata: editMetadata(src, edits),
	}, src.Format, t)
}

// SaveAsNew writes the edited table to <base>_edited<ext> in the edit stage
// and leaves the source untouched.
func (e *Engine) SaveAsNew(ctx context.Context, ref models.ArtifactRef, edits Edits) (models.Artifact, error) {
	src, t, err := e.editedTable(ctx, ref, edits)
	if err != nil {
		return models.Artifact{}, err
	}
	return e.registerTable(ctx, models.Artifact{
		Name:     models.BaseName(src.Name) + "_edited" + src.Format,
		Stage:    models.StageEdit,
		Parents:  []string{src.ID},
		Metadata: editMetadata(src, edits),
	}, src.Format, t)
}

func (e *Engine) editedTable(ctx context.Context, ref models.ArtifactRef, edits Edits) (models.Artifact, *converters.Table, error) {
	if len(edits) == 0 {
		return models.Artifact{}, nil, models.Validation(models.CodeInvalidParameter, "no edits given")
	}
	src, t, err := e.readTable(ctx, ref)
	if err != nil {
		return models.Artifact{}, nil, err
	}
	if err := t.ApplyEdits(edits); err != nil {
		return models.Artifact{}, nil, models.Validation(models.CodeInvalidParameter, "invalid edit of %s: %v", src.Name, err)
	}
	return src, t, nil
}

func editMetadata(src models.Artifact, edits Edits) map[string]string {
	cells := 0
	for _, row := range edits {
		cells += len(row)
	}
	return map[string]string{
		"editedFrom":  src.String(),
		"editedCells": fmt.Sprint(cells),
	}
}

func (e *Engine) readTable(ctx context.Context, ref models.ArtifactRef) (models.Artifact, *converters.Table, error) {
	src, err := e.catalog.ResolveRef(ctx, ref)
	if err != nil {
		return models.Artifact{}, nil, err
	}
	t, err := e.catalog.ReadTable(ctx, src)
	if err != nil {
		return models.Artifact{}, nil, err
	}
	return src, t, nil
}

// registerTable encodes t in format and registers it as a, overwriting the
// current version.
func (e *Engine) registerTable(ctx context.Context, a models.Artifact, format string, t *converters.Table) (models.Artifact, error) {
	data, err := converters.EncodeBytes(format, t)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to encode %s: %w", a.Name, err)
	}
	a.Kind = models.KindTable
	a.Format = format
	a.Rows = t.Len()
	a.Columns = t.Columns
	return e.catalog.Register(ctx, a, bytes.NewReader(data), catalog.RegisterOptions{Overwrite: true})
}

// Artifacts lists current artifacts, optionally restricted to one stage.
func (e *Engine) Artifacts(ctx context.Context, stage models.Stage) ([]models.Artifact, error) {
	return e.catalog.List(ctx, stage)
}

func (e *Engine) Artifact(ctx context.Context, ref models.ArtifactRef) (models.Artifact, error) {
	return e.catalog.ResolveRef(ctx, ref)
}

func (e *Engine) Versions(ctx context.Context, ref models.ArtifactRef) ([]models.Artifact, error) {
	a, err := e.catalog.ResolveRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.catalog.Versions(ctx, a.Name, a.Stage)
}

func (e *Engine) Rename(ctx context.Context, ref models.ArtifactRef, newName string) (models.Artifact, error) {
	a, err := e.catalog.ResolveRef(ctx, ref)
	if err != nil {
		return models.Artifact{}, err
	}
	return e.catalog.Rename(ctx, a.Name, a.Stage, newName)
}
