package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/storage/local"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewTestLogger()
	store, err := local.NewLocalStorage(filepath.Join(dir, "blobs"), log)
	require.NoError(t, err)
	c, err := Open(context.Background(), filepath.Join(dir, "catalog.db"), store, log)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	// deterministic, strictly increasing clock
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return c
}

func tableArtifact(name string, stage models.Stage) models.Artifact {
	return models.Artifact{Name: name, Stage: stage, Kind: models.KindTable, Rows: 1, Columns: []string{"a"}}
}

func TestRegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	a, err := c.Register(ctx, tableArtifact("qa.json", models.StageSeed), strings.NewReader(`[{"a":1}]`), RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, ".json", a.Format)
	assert.NotEmpty(t, a.ID)

	got, err := c.Resolve(ctx, "qa.json", models.StageSeed)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, []string{"a"}, got.Columns)
	assert.Equal(t, a.CreatedAt, got.CreatedAt)

	tbl, err := c.ReadTable(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	_, err = c.Resolve(ctx, "qa.json", models.StageDish)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.True(t, models.IsNotFound(err))
}

func TestRegisterDuplicateAndOverwrite(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	first, err := c.Register(ctx, tableArtifact("qa.json", models.StageSeed), strings.NewReader(`[]`), RegisterOptions{})
	require.NoError(t, err)

	_, err = c.Register(ctx, tableArtifact("qa.json", models.StageSeed), strings.NewReader(`[]`), RegisterOptions{})
	assert.True(t, errors.Is(err, models.ErrDuplicateArtifact))
	assert.True(t, models.IsConsistency(err))

	// same name in another stage is a different artifact
	_, err = c.Register(ctx, tableArtifact("qa.json", models.StageDish), strings.NewReader(`[]`), RegisterOptions{})
	require.NoError(t, err)

	next := tableArtifact("qa.json", models.StageSeed)
	next.Parents = []string{first.ID}
	second, err := c.Register(ctx, next, strings.NewReader(`[{"a":2}]`), RegisterOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	cur, err := c.Resolve(ctx, "qa.json", models.StageSeed)
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)

	versions, err := c.Versions(ctx, "qa.json", models.StageSeed)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, first.ID, versions[0].ID)

	seeds, err := c.List(ctx, models.StageSeed)
	require.NoError(t, err)
	assert.Len(t, seeds, 1)

	// the old version's content is still readable
	old, err := c.ReadTable(ctx, versions[0])
	require.NoError(t, err)
	assert.Equal(t, 0, old.Len())
}

func TestListOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	for _, n := range []string{"c.json", "a.json", "b.json"} {
		_, err := c.Register(ctx, tableArtifact(n, models.StageDish), strings.NewReader(`[]`), RegisterOptions{})
		require.NoError(t, err)
	}
	got, err := c.List(ctx, models.StageDish)
	require.NoError(t, err)
	var names []string
	for _, a := range got {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"c.json", "a.json", "b.json"}, names)

	all, err := c.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestResolveInSearchesDataStages(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	_, err := c.Register(ctx, tableArtifact("x.csv", models.StageSalad), strings.NewReader("a\n1\n"), RegisterOptions{})
	require.NoError(t, err)

	a, err := c.ResolveRef(ctx, models.ArtifactRef{Name: "x.csv"})
	require.NoError(t, err)
	assert.Equal(t, models.StageSalad, a.Stage)

	_, err = c.ResolveRef(ctx, models.ArtifactRef{Name: "missing.csv"})
	assert.True(t, models.IsNotFound(err))
}

func TestStageRegressionRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	dish, err := c.Register(ctx, tableArtifact("d.json", models.StageDish), strings.NewReader(`[]`), RegisterOptions{})
	require.NoError(t, err)

	seed := tableArtifact("s.json", models.StageSeed)
	seed.Parents = []string{dish.ID}
	_, err = c.Register(ctx, seed, strings.NewReader(`[]`), RegisterOptions{})
	assert.True(t, errors.Is(err, models.ErrStageRegression))

	_, err = c.Resolve(ctx, "s.json", models.StageSeed)
	assert.True(t, models.IsNotFound(err))

	// a dataset parent of an adapter only records lineage
	dir := t.TempDir()
	adapter := models.Artifact{Name: "lora", Stage: models.StageAdapter, Kind: models.KindModelWeights,
		Location: PathPrefix + dir, Parents: []string{dish.ID}}
	reg, err := c.Register(ctx, adapter, nil, RegisterOptions{})
	require.NoError(t, err)
	path, err := c.Materialize(ctx, reg, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, dir, path)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	_, err := c.Register(ctx, tableArtifact("a.json", models.StageEdit), strings.NewReader(`[]`), RegisterOptions{})
	require.NoError(t, err)
	_, err = c.Register(ctx, tableArtifact("b.json", models.StageEdit), strings.NewReader(`[]`), RegisterOptions{})
	require.NoError(t, err)

	_, err = c.Rename(ctx, "a.json", models.StageEdit, "b.json")
	assert.True(t, errors.Is(err, models.ErrDuplicateArtifact))

	_, err = c.Rename(ctx, "a.json", models.StageEdit, "c.parquet")
	assert.True(t, errors.Is(err, models.ErrTypeMismatch))

	r, err := c.Rename(ctx, "a.json", models.StageEdit, "c.json")
	require.NoError(t, err)
	assert.Equal(t, "c.json", r.Name)
	_, err = c.Resolve(ctx, "a.json", models.StageEdit)
	assert.True(t, models.IsNotFound(err))
}

func TestMaterializeCopiesBlob(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	a, err := c.Register(ctx, models.Artifact{Name: "notes.txt", Stage: models.StageIngredient, Kind: models.KindText},
		strings.NewReader("hello"), RegisterOptions{})
	require.NoError(t, err)

	text, err := c.ReadText(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	dir := t.TempDir()
	path, err := c.Materialize(ctx, a, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes.txt"), path)

	_, err = c.ReadTable(ctx, a)
	assert.True(t, errors.Is(err, models.ErrTypeMismatch))
}

func TestTemplates(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	all, err := c.Templates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(models.DefaultTemplates))
	assert.Equal(t, "instruct", all[0].Name)

	tpl, err := c.Define(ctx, "qa", []string{"question", "answer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"question", "answer"}, tpl.Fields)

	_, err = c.Define(ctx, "qa", []string{"x"})
	assert.True(t, errors.Is(err, models.ErrDuplicateTemplate))

	_, err = c.Define(ctx, "bad", nil)
	assert.True(t, errors.Is(err, models.ErrInvalidTemplate))
	_, err = c.Define(ctx, "bad", []string{"a", "a"})
	assert.True(t, errors.Is(err, models.ErrInvalidTemplate))
	assert.True(t, models.IsValidation(err))

	got, err := c.Template(ctx, "qa")
	require.NoError(t, err)
	assert.Equal(t, tpl.Fields, got.Fields)

	_, err = c.Template(ctx, "nope")
	assert.True(t, models.IsNotFound(err))
}

func TestPromptSets(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	_, err := c.LoadPromptSet(ctx, "mine")
	assert.True(t, models.IsNotFound(err))

	set := models.DefaultPromptSet()
	require.NoError(t, c.SavePromptSet(ctx, "mine", set))
	got, err := c.LoadPromptSet(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, set, got)

	set.System = "changed"
	require.NoError(t, c.SavePromptSet(ctx, "mine", set))
	got, err = c.LoadPromptSet(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.System)

	names, err := c.PromptSets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, names)
}
