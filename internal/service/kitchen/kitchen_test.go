package kitchen_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
	"github.com/feichai0017/dataset-kitchen/internal/agent/llm/llmtest"
	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/pipeline"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/pkg/converters"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/storage/local"
)

type env struct {
	ctx     context.Context
	dir     string
	catalog *catalog.Catalog
	llm     *llmtest.Fake
	engine  *kitchen.Engine
	log     *logger.TestLogger
}

type envOption func(*kitchen.Deps, *kitchen.Options)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	log := logger.NewTestLogger()
	store, err := local.NewLocalStorage(filepath.Join(dir, "blobs"), log)
	require.NoError(t, err)
	cat, err := catalog.Open(ctx, filepath.Join(dir, "catalog.db"), store, log)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	fake := &llmtest.Fake{}
	deps := kitchen.Deps{
		Catalog:  cat,
		LLM:      fake,
		Pipeline: pipeline.New(fake, pipeline.Options{Workers: 3, VerifyRounds: 2}, log),
	}
	o := kitchen.Options{OutputFormat: ".json", ModelsDir: filepath.Join(dir, "models")}
	for _, opt := range opts {
		opt(&deps, &o)
	}
	e := kitchen.NewEngine(deps, o, log)
	t.Cleanup(func() { e.Close() })
	return &env{ctx: ctx, dir: dir, catalog: cat, llm: fake, engine: e, log: log}
}

func (v *env) register(t *testing.T, name string, stage models.Stage, body string) models.Artifact {
	t.Helper()
	kind, err := models.KindForFormat(models.FormatOf(name))
	require.NoError(t, err)
	a := models.Artifact{Name: name, Stage: stage, Kind: kind}
	if kind == models.KindTable {
		tbl, err := converters.Decode(models.FormatOf(name), strings.NewReader(body))
		require.NoError(t, err)
		a.Rows, a.Columns = tbl.Len(), tbl.Columns
	}
	out, err := v.catalog.Register(v.ctx, a, strings.NewReader(body), catalog.RegisterOptions{})
	require.NoError(t, err)
	return out
}

// seedRows writes a seed table whose classifier defaults give one static,
// one reference and two dynamic columns.
func (v *env) seedRows(t *testing.T, name string, n int) models.Artifact {
	t.Helper()
	rows := make([]string, n)
	for i := range rows {
		rows[i] = fmt.Sprintf(`{"description":"desc %d","command":"cmd%d","input":"How do I run cmd%d?","output":"Run cmd%d."}`, i, i, i, i)
	}
	return v.register(t, name, models.StageSeed, "["+strings.Join(rows, ",")+"]")
}

func echoPrompts() *models.PromptSet {
	return &models.PromptSet{DynamicColumns: map[string]models.Prompt{
		"input":  {User: "{text}"},
		"output": {User: "{text}"},
	}}
}

func job(source string, k int) models.AugmentationJob {
	return models.AugmentationJob{
		Source:               models.ArtifactRef{Name: source},
		Model:                "llama3",
		UseAllSamples:        true,
		ParaphrasesPerSample: k,
		Prompts:              echoPrompts(),
	}
}

func (v *env) wait(t *testing.T, id string) models.JobProgress {
	t.Helper()
	var p models.JobProgress
	require.Eventually(t, func() bool {
		got, err := v.engine.Progress(v.ctx, id)
		if err != nil || !got.Status.Terminal() {
			return false
		}
		p = got
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return p
}

func (v *env) dishes(t *testing.T) []models.Artifact {
	t.Helper()
	list, err := v.catalog.List(v.ctx, models.StageDish)
	require.NoError(t, err)
	return list
}

func TestSubmitCooksDish(t *testing.T) {
	v := newEnv(t)
	src := v.seedRows(t, "qa.json", 4)

	id, err := v.engine.Submit(v.ctx, job("qa.json", 3))
	require.NoError(t, err)
	assert.Len(t, id, 32)

	p := v.wait(t, id)
	require.Equal(t, models.JobCompleted, p.Status, p.Error)
	assert.Equal(t, kitchen.DishName("qa.json", id, ".json"), p.ResultArtifact)
	assert.Equal(t, 100.0, p.OverallProgress)
	assert.Equal(t, models.ColumnStats{Scheduled: 12, Succeeded: 12}, p.ColumnStats["output"])

	dish, err := v.catalog.Resolve(v.ctx, p.ResultArtifact, models.StageDish)
	require.NoError(t, err)
	assert.Equal(t, []string{src.ID}, dish.Parents)
	assert.Equal(t, id, dish.Metadata["jobId"])
	assert.Equal(t, "llama3", dish.Metadata["model"])

	tbl, err := v.catalog.ReadTable(v.ctx, dish)
	require.NoError(t, err)
	require.Equal(t, 12, tbl.Len())
	assert.False(t, tbl.HasColumn(models.FailureColumn))
	for i, row := range tbl.Rows {
		n := i / 3
		assert.Equal(t, fmt.Sprintf("desc %d", n), row["description"])
		assert.Equal(t, fmt.Sprintf("cmd%d", n), row["command"])
	}
}

func TestSampleRateSelectsRoundedRowCount(t *testing.T) {
	v := newEnv(t)
	v.seedRows(t, "qa.json", 10)
	j := job("qa.json", 2)
	j.UseAllSamples = false
	j.SampleRate = 25
	j.Seed = 7

	id, err := v.engine.Submit(v.ctx, j)
	require.NoError(t, err)
	p := v.wait(t, id)
	require.Equal(t, models.JobCompleted, p.Status, p.Error)

	dish, err := v.catalog.Resolve(v.ctx, p.ResultArtifact, models.StageDish)
	require.NoError(t, err)
	// round(10 * 25 / 100) = 3 rows, two variants each
	assert.Equal(t, 6, dish.Rows)
}

func TestResubmitIsIdempotent(t *testing.T) {
	v := newEnv(t)
	v.seedRows(t, "qa.json", 2)
	j := job("qa.json", 1)
	j.IdempotencyKey = "nightly-2026-10-19"

	id, err := v.engine.Submit(v.ctx, j)
	require.NoError(t, err)
	v.wait(t, id)
	calls := v.llm.Calls()

	again, err := v.engine.Submit(v.ctx, j)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	v.wait(t, again)
	assert.Equal(t, calls, v.llm.Calls())
	assert.Len(t, v.dishes(t), 1)
}

func TestResubmitAfterRestartFindsDish(t *testing.T) {
	v := newEnv(t)
	v.seedRows(t, "qa.json", 2)
	j := job("qa.json", 1)

	id, err := v.engine.Submit(v.ctx, j)
	require.NoError(t, err)
	v.wait(t, id)
	calls := v.llm.Calls()

	fresh := kitchen.NewEngine(kitchen.Deps{
		Catalog:  v.catalog,
		LLM:      v.llm,
		Pipeline: pipeline.New(v.llm, pipeline.Options{Workers: 1}, v.log),
	}, kitchen.Options{OutputFormat: ".json"}, v.log)
	defer fresh.Close()

	again, err := fresh.Submit(v.ctx, j)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	p, err := fresh.Progress(v.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, p.Status)
	assert.Equal(t, calls, v.llm.Calls())
	assert.Len(t, v.dishes(t), 1)
}

func TestChangedSourceGetsNewJob(t *testing.T) {
	v := newEnv(t)
	v.seedRows(t, "qa.json", 2)
	j := job("qa.json", 1)
	first, err := v.engine.Submit(v.ctx, j)
	require.NoError(t, err)
	v.wait(t, first)

	_, err = v.engine.ApplyEdits(v.ctx, models.ArtifactRef{Name: "qa.json"}, kitchen.Edits{0: {"description": "changed"}})
	require.NoError(t, err)
	second, err := v.engine.Submit(v.ctx, j)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	v.wait(t, second)
	assert.Len(t, v.dishes(t), 2)
}

func TestCancelLeavesNoDish(t *testing.T) {
	v := newEnv(t)
	block := make(chan struct{})
	v.llm.Block = block
	t.Cleanup(func() { close(block) })
	v.seedRows(t, "qa.json", 5)

	id, err := v.engine.Submit(v.ctx, job("qa.json", 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.llm.Calls() > 0 }, 5*time.Second, 5*time.Millisecond)

	_, err = v.engine.Cancel(v.ctx, id)
	require.NoError(t, err)
	p := v.wait(t, id)
	assert.Equal(t, models.JobCancelled, p.Status)
	assert.Empty(t, p.ResultArtifact)
	assert.Empty(t, v.dishes(t))
}

func TestCancelUnknownJob(t *testing.T) {
	v := newEnv(t)
	_, err := v.engine.Cancel(v.ctx, "nope")
	assert.True(t, models.IsNotFound(err))
	_, err = v.engine.Progress(v.ctx, "nope")
	assert.True(t, models.IsNotFound(err))
}

func TestTotalFailureRegistersNothing(t *testing.T) {
	v := newEnv(t)
	v.llm.Respond = func(llm.ChatRequest) (string, error) {
		return "", models.Upstream(models.CodeLanguageModel, nil, "model unavailable")
	}
	v.seedRows(t, "qa.json", 2)

	id, err := v.engine.Submit(v.ctx, job("qa.json", 1))
	require.NoError(t, err)
	p := v.wait(t, id)
	assert.Equal(t, models.JobFailed, p.Status)
	assert.Contains(t, p.Error, string(models.CodeGenerationFailed))
	assert.Len(t, p.Failures, 4)
	assert.Empty(t, v.dishes(t))

	// failed jobs may be submitted again
	v.llm.Respond = nil
	again, err := v.engine.Submit(v.ctx, job("qa.json", 1))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, models.JobCompleted, v.wait(t, again).Status)
	assert.Len(t, v.dishes(t), 1)
}

func TestPartialFailureCommitsFlaggedDish(t *testing.T) {
	v := newEnv(t)
	v.llm.Respond = func(req llm.ChatRequest) (string, error) {
		for _, m := range req.Messages {
			if strings.HasPrefix(m.Content, "Run") {
				// a statement turned into a question never passes verification
				return "Why run cmd?", nil
			}
		}
		return llmtest.Echo(req)
	}
	v.seedRows(t, "qa.json", 3)

	id, err := v.engine.Submit(v.ctx, job("qa.json", 1))
	require.NoError(t, err)
	p := v.wait(t, id)
	require.Equal(t, models.JobPartialFailure, p.Status, p.Error)
	assert.Len(t, p.Failures, 3)
	assert.Equal(t, models.ColumnStats{Scheduled: 3, Succeeded: 3}, p.ColumnStats["input"])
	assert.Equal(t, models.ColumnStats{Scheduled: 3, Failed: 3}, p.ColumnStats["output"])

	dish, err := v.catalog.Resolve(v.ctx, p.ResultArtifact, models.StageDish)
	require.NoError(t, err)
	tbl, err := v.catalog.ReadTable(v.ctx, dish)
	require.NoError(t, err)
	require.Equal(t, 3, tbl.Len())
	for _, row := range tbl.Rows {
		assert.Equal(t, "output", row[models.FailureColumn])
	}
}

func TestSubmitValidation(t *testing.T) {
	v := newEnv(t)
	v.seedRows(t, "qa.json", 1)
	v.register(t, "notes.txt", models.StageIngredient, "hello")
	v.register(t, "raw.json", models.StageIngredient, `[{"input":"a"}]`)

	noModel := job("qa.json", 1)
	noModel.Model = ""
	_, err := v.engine.Submit(v.ctx, noModel)
	assert.True(t, models.IsValidation(err))

	_, err = v.engine.Submit(v.ctx, job("missing.json", 1))
	assert.True(t, models.IsNotFound(err))

	_, err = v.engine.Submit(v.ctx, job("notes.txt", 1))
	assert.ErrorIs(t, err, models.ErrTypeMismatch)

	_, err = v.engine.Submit(v.ctx, job("raw.json", 1))
	assert.ErrorIs(t, err, models.ErrStageRegression)

	named := job("qa.json", 1)
	named.PromptSetName = "unknown"
	_, err = v.engine.Submit(v.ctx, named)
	assert.True(t, models.IsNotFound(err))

	badTemplate := job("qa.json", 1)
	badTemplate.RecordTemplate = "{{.input"
	_, err = v.engine.Submit(v.ctx, badTemplate)
	assert.True(t, models.IsValidation(err))

	assert.Zero(t, v.llm.Calls())
}

func TestSavedPromptSetAndRecordTemplate(t *testing.T) {
	v := newEnv(t)
	v.seedRows(t, "qa.json", 1)
	require.NoError(t, v.engine.SavePromptSet(v.ctx, "echo", *echoPrompts()))

	j := job("qa.json", 1)
	j.Prompts = nil
	j.PromptSetName = "echo"
	j.RecordTemplate = "Q: {{.input}} A: {{.output}}"
	id, err := v.engine.Submit(v.ctx, j)
	require.NoError(t, err)
	p := v.wait(t, id)
	require.Equal(t, models.JobCompleted, p.Status, p.Error)

	dish, err := v.catalog.Resolve(v.ctx, p.ResultArtifact, models.StageDish)
	require.NoError(t, err)
	tbl, err := v.catalog.ReadTable(v.ctx, dish)
	require.NoError(t, err)
	assert.Equal(t, "Q: How do I run cmd0? A: Run cmd0.", tbl.Rows[0][pipeline.TextColumn])
}

func TestJobsOnSameSourceAreSerialized(t *testing.T) {
	v := newEnv(t)
	v.seedRows(t, "qa.json", 1)
	v.llm.Respond = func(req llm.ChatRequest) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return llmtest.Echo(req)
	}
	// a single dynamic cell per job
	single := func(key string) models.AugmentationJob {
		j := job("qa.json", 1)
		j.ColumnTypes = models.ColumnClassification{"output": models.RoleStatic}
		j.IdempotencyKey = key
		return j
	}

	a, err := v.engine.Submit(v.ctx, single("a"))
	require.NoError(t, err)
	b, err := v.engine.Submit(v.ctx, single("b"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	assert.Equal(t, models.JobCompleted, v.wait(t, a).Status)
	assert.Equal(t, models.JobCompleted, v.wait(t, b).Status)
	assert.EqualValues(t, 2, v.llm.Calls())
	assert.EqualValues(t, 1, v.llm.Peak())
}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	released int
}

func (l *recordingLocker) LockSource(ctx context.Context, source string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = append(l.locked, source)
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

func TestJobsTakeTheConfiguredSourceLock(t *testing.T) {
	locks := &recordingLocker{}
	v := newEnv(t, func(d *kitchen.Deps, _ *kitchen.Options) { d.Sources = locks })
	v.seedRows(t, "qa.json", 1)

	id, err := v.engine.Submit(v.ctx, job("qa.json", 1))
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, v.wait(t, id).Status)

	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Len(t, locks.locked, 1)
	assert.Contains(t, locks.locked[0], "qa.json")
	assert.Equal(t, 1, locks.released)
}

func TestParaphraseRegistersNothing(t *testing.T) {
	v := newEnv(t)
	sample := map[string]any{
		"description": "list files",
		"command":     "ls",
		"input":       "How do I list files?",
		"output":      "Run ls.",
	}

	p, err := v.engine.Paraphrase(v.ctx, kitchen.PreviewRequest{
		Model: "llama3", Sample: sample, Paraphrases: 3, Prompts: echoPrompts(),
	})
	require.NoError(t, err)
	require.Len(t, p.Paraphrases, 3)
	assert.Equal(t, []string{"command", "description", "input", "output"}, p.Columns)
	for _, row := range p.Paraphrases {
		assert.Equal(t, "ls", row["command"])
		assert.NotEmpty(t, row["input"])
	}
	assert.Empty(t, p.Failures)
	assert.Empty(t, v.dishes(t))

	for name, req := range map[string]kitchen.PreviewRequest{
		"no model":        {Sample: sample, Paraphrases: 1},
		"empty sample":    {Model: "llama3", Paraphrases: 1},
		"zero variants":   {Model: "llama3", Sample: sample},
		"too many":        {Model: "llama3", Sample: sample, Paraphrases: 21},
		"unknown role":    {Model: "llama3", Sample: sample, Paraphrases: 1, ColumnTypes: models.ColumnClassification{"input": "bogus"}},
		"nothing dynamic": {Model: "llama3", Sample: map[string]any{"command": "ls"}, Paraphrases: 1, ColumnTypes: models.ColumnClassification{"command": models.RoleStatic}},
	} {
		_, err := v.engine.Paraphrase(v.ctx, req)
		assert.True(t, models.IsValidation(err), "%s: %v", name, err)
	}
}

func TestParaphraseTotalFailureIsUpstream(t *testing.T) {
	v := newEnv(t)
	v.llm.Respond = func(llm.ChatRequest) (string, error) {
		return "", models.Upstream(models.CodeLanguageModel, nil, "model unavailable")
	}

	_, err := v.engine.Paraphrase(v.ctx, kitchen.PreviewRequest{
		Model: "llama3", Sample: map[string]any{"input": "How do I list files?"}, Paraphrases: 1,
		ColumnTypes: models.ColumnClassification{"input": models.RoleDynamic},
	})
	assert.True(t, models.IsUpstream(err), "%v", err)
}
