package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/storage"
)

// PathPrefix marks a Location that points at a file or folder on disk rather
// than a blob key.
const PathPrefix = "file://"

// RegisterOptions tune Register.
type RegisterOptions struct {
	// Overwrite registers a new current version when name+stage exists.
	Overwrite bool
}

const artifactColumns = `id, name, stage, kind, format, version, location, row_count, column_names, parents, metadata, created_at`

// Register records a as the current version of a.Name in a.Stage. When content
// is non-nil it is written to blob storage first; otherwise a.Location must
// already point at the artifact (see PathPrefix).
func (c *Catalog) Register(ctx context.Context, a models.Artifact, content io.Reader, opts RegisterOptions) (models.Artifact, error) {
	if err := models.ValidateName(a.Name); err != nil {
		return models.Artifact{}, err
	}
	if !a.Stage.Valid() {
		return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "unknown stage %q", a.Stage)
	}
	if a.Format == "" {
		a.Format = models.FormatOf(a.Name)
	}
	if content == nil && a.Location == "" {
		return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "artifact %s has neither content nor location", a.Ref())
	}
	if err := c.checkLineage(ctx, a); err != nil {
		return models.Artifact{}, err
	}
	if !opts.Overwrite {
		if _, err := c.Resolve(ctx, a.Name, a.Stage); err == nil {
			return models.Artifact{}, models.Consistency(models.CodeDuplicateArtifact, "artifact %s already exists", a.Ref())
		} else if !models.IsNotFound(err) {
			return models.Artifact{}, err
		}
	}

	a.ID = uuid.New().String()
	a.CreatedAt = c.now()
	var blobKey string
	if content != nil {
		key, err := c.store.Store(ctx, content, fmt.Sprintf("%s/%s/%s", a.Stage, a.ID, a.Name))
		if err != nil {
			return models.Artifact{}, fmt.Errorf("failed to store artifact content: %w", err)
		}
		blobKey = key
		a.Location = key
	}

	c.mu.Lock()
	err := c.insertVersion(ctx, &a, opts.Overwrite)
	c.mu.Unlock()
	if err != nil {
		if blobKey != "" {
			if derr := c.store.Delete(context.WithoutCancel(ctx), blobKey); derr != nil {
				c.logger.Warn("Failed to remove orphaned blob", logger.String("key", blobKey), logger.Error(derr))
			}
		}
		return models.Artifact{}, err
	}

	c.logger.Info("Registered artifact",
		logger.String("artifact", a.String()),
		logger.String("id", a.ID),
		logger.Int("rows", a.Rows),
	)
	return a, nil
}

func (c *Catalog) insertVersion(ctx context.Context, a *models.Artifact, overwrite bool) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion, current int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0), COALESCE(SUM(current), 0) FROM artifacts WHERE stage = ? AND name = ?`,
		string(a.Stage), a.Name,
	).Scan(&maxVersion, &current)
	if err != nil {
		return fmt.Errorf("failed to read versions: %w", err)
	}
	if current > 0 && !overwrite {
		return models.Consistency(models.CodeDuplicateArtifact, "artifact %s already exists", a.Ref())
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE artifacts SET current = 0 WHERE stage = ? AND name = ? AND current = 1`,
		string(a.Stage), a.Name,
	); err != nil {
		return fmt.Errorf("failed to retire previous version: %w", err)
	}

	a.Version = maxVersion + 1
	cols, parents, meta, err := encodeLists(*a)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`, current) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		a.ID, a.Name, string(a.Stage), string(a.Kind), a.Format, a.Version, a.Location, a.Rows, cols, parents, meta, a.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return tx.Commit()
}

// checkLineage rejects stage regressions. Parents in the same stage are
// lateral; parents from the other domain (data vs model) only record lineage.
func (c *Catalog) checkLineage(ctx context.Context, a models.Artifact) error {
	for _, id := range a.Parents {
		p, err := c.ByID(ctx, id)
		if err != nil {
			return err
		}
		if p.Stage == a.Stage || p.Stage.IsData() != a.Stage.IsData() {
			continue
		}
		if !models.CanDerive(p.Stage, a.Stage) {
			return models.Consistency(models.CodeStageRegression, "%s cannot be derived from %s", a.Stage, p.Stage)
		}
	}
	return nil
}

// Resolve returns the current version of name in stage.
func (c *Catalog) Resolve(ctx context.Context, name string, stage models.Stage) (models.Artifact, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE stage = ? AND name = ? AND current = 1`,
		string(stage), name,
	)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, models.NotFound("artifact %s/%s not found", stage, name)
	}
	return a, err
}

// ResolveIn returns the first stage in stages holding name. With no stages
// the data stages are searched.
func (c *Catalog) ResolveIn(ctx context.Context, name string, stages ...models.Stage) (models.Artifact, error) {
	if len(stages) == 0 {
		stages = models.DataStages
	}
	for _, st := range stages {
		a, err := c.Resolve(ctx, name, st)
		if err == nil {
			return a, nil
		}
		if !models.IsNotFound(err) {
			return models.Artifact{}, err
		}
	}
	return models.Artifact{}, models.NotFound("artifact %q not found", name)
}

// ResolveRef resolves ref, searching the data stages when ref has no stage.
func (c *Catalog) ResolveRef(ctx context.Context, ref models.ArtifactRef) (models.Artifact, error) {
	if ref.Stage != "" {
		return c.Resolve(ctx, ref.Name, ref.Stage)
	}
	return c.ResolveIn(ctx, ref.Name)
}

// ByID returns any version by id.
func (c *Catalog) ByID(ctx context.Context, id string) (models.Artifact, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, models.NotFound("artifact id %s not found", id)
	}
	return a, err
}

// List returns current versions in stage ordered by creation time. An empty
// stage lists every stage.
func (c *Catalog) List(ctx context.Context, stage models.Stage) ([]models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE current = 1`
	var args []any
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(stage))
	}
	query += ` ORDER BY created_at, seq`
	return c.queryArtifacts(ctx, query, args...)
}

// Versions returns every version of name in stage, oldest first.
func (c *Catalog) Versions(ctx context.Context, name string, stage models.Stage) ([]models.Artifact, error) {
	out, err := c.queryArtifacts(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE stage = ? AND name = ? ORDER BY version`,
		string(stage), name,
	)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, models.NotFound("artifact %s/%s not found", stage, name)
	}
	return out, nil
}

// Rename moves every version of name to newName within the same stage.
func (c *Catalog) Rename(ctx context.Context, name string, stage models.Stage, newName string) (models.Artifact, error) {
	if err := models.ValidateName(newName); err != nil {
		return models.Artifact{}, err
	}
	if models.FormatOf(newName) != models.FormatOf(name) {
		return models.Artifact{}, models.Consistency(models.CodeTypeMismatch, "rename must keep the %q suffix", models.FormatOf(name))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.Resolve(ctx, name, stage); err != nil {
		return models.Artifact{}, err
	}
	if _, err := c.Resolve(ctx, newName, stage); err == nil {
		return models.Artifact{}, models.Consistency(models.CodeDuplicateArtifact, "artifact %s/%s already exists", stage, newName)
	}
	var taken int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE stage = ? AND name = ?`, string(stage), newName,
	).Scan(&taken); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to check name: %w", err)
	}
	if taken > 0 {
		return models.Artifact{}, models.Consistency(models.CodeDuplicateArtifact, "name %s/%s has history", stage, newName)
	}
	if _, err := c.db.ExecContext(ctx,
		`UPDATE artifacts SET name = ? WHERE stage = ? AND name = ?`, newName, string(stage), name,
	); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to rename artifact: %w", err)
	}
	return c.Resolve(ctx, newName, stage)
}

// Open streams the artifact's content.
func (c *Catalog) Open(ctx context.Context, a models.Artifact) (io.ReadCloser, error) {
	if path, ok := LocalPath(a); ok {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", a, err)
		}
		return f, nil
	}
	rc, err := c.store.Get(ctx, a.Location)
	if storage.IsNotExist(err) {
		return nil, models.NotFound("content of %s is missing", a)
	}
	return rc, err
}

// ReadTable decodes a structured-table artifact.
func (c *Catalog) ReadTable(ctx context.Context, a models.Artifact) (*converters.Table, error) {
	if a.Kind != models.KindTable {
		return nil, models.Consistency(models.CodeTypeMismatch, "%s is not a structured table", a)
	}
	rc, err := c.Open(ctx, a)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	t, err := converters.Decode(a.Format, rc)
	if err != nil {
		return nil, models.Validation(models.CodeInvalidParameter, "failed to decode %s: %v", a, err)
	}
	return t, nil
}

// ReadText returns a text artifact's content.
func (c *Catalog) ReadText(ctx context.Context, a models.Artifact) (string, error) {
	rc, err := c.Open(ctx, a)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", a, err)
	}
	return string(b), nil
}

// Materialize returns a local filesystem path for the artifact, copying blob
// contents into dir when needed.
func (c *Catalog) Materialize(ctx context.Context, a models.Artifact, dir string) (string, error) {
	if path, ok := LocalPath(a); ok {
		return path, nil
	}
	rc, err := c.Open(ctx, a)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create dir: %w", err)
	}
	dst := filepath.Join(dir, a.Name)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to materialize %s: %w", a, err)
	}
	return dst, f.Close()
}

// LocalPath returns the on-disk path of artifacts registered by location.
func LocalPath(a models.Artifact) (string, bool) {
	if strings.HasPrefix(a.Location, PathPrefix) {
		return strings.TrimPrefix(a.Location, PathPrefix), true
	}
	return "", false
}

func (c *Catalog) queryArtifacts(ctx context.Context, query string, args ...any) ([]models.Artifact, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (models.Artifact, error) {
	var (
		a                   models.Artifact
		cols, parents, meta string
		created             int64
	)
	if err := s.Scan(&a.ID, &a.Name, &a.Stage, &a.Kind, &a.Format, &a.Version, &a.Location,
		&a.Rows, &cols, &parents, &meta, &created); err != nil {
		return models.Artifact{}, err
	}
	if err := json.Unmarshal([]byte(cols), &a.Columns); err != nil {
		return models.Artifact{}, fmt.Errorf("corrupt columns for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(parents), &a.Parents); err != nil {
		return models.Artifact{}, fmt.Errorf("corrupt parents for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return models.Artifact{}, fmt.Errorf("corrupt metadata for %s: %w", a.ID, err)
	}
	if len(a.Columns) == 0 {
		a.Columns = nil
	}
	if len(a.Parents) == 0 {
		a.Parents = nil
	}
	if len(a.Metadata) == 0 {
		a.Metadata = nil
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func encodeLists(a models.Artifact) (cols, parents, meta string, err error) {
	enc := func(v any, empty string) (string, error) {
		if v == nil {
			return empty, nil
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	if cols, err = enc(nonNil(a.Columns), "[]"); err != nil {
		return
	}
	if parents, err = enc(nonNil(a.Parents), "[]"); err != nil {
		return
	}
	if a.Metadata == nil {
		meta = "{}"
		return
	}
	meta, err = enc(a.Metadata, "{}")
	return
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
