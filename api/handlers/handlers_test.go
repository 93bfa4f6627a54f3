package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/dataset-kitchen/api/handlers"
	"github.com/feichai0017/dataset-kitchen/api/middleware"
	"github.com/feichai0017/dataset-kitchen/api/routes"
	"github.com/feichai0017/dataset-kitchen/internal/agent/llm/llmtest"
	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/pipeline"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/storage/local"
)

type server struct {
	router  *gin.Engine
	catalog *catalog.Catalog
	llm     *llmtest.Fake
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	dir := t.TempDir()
	log := logger.NewTestLogger()
	store, err := local.NewLocalStorage(filepath.Join(dir, "blobs"), log)
	require.NoError(t, err)
	cat, err := catalog.Open(ctx, filepath.Join(dir, "catalog.db"), store, log)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	fake := &llmtest.Fake{List: []string{"llama3"}}
	engine := kitchen.NewEngine(kitchen.Deps{
		Catalog:  cat,
		LLM:      fake,
		Pipeline: pipeline.New(fake, pipeline.Options{Workers: 2, VerifyRounds: 1}, log),
	}, kitchen.Options{OutputFormat: ".json"}, log)
	t.Cleanup(func() { engine.Close() })

	r := gin.New()
	routes.SetupRoutes(r, handlers.NewHandlers(engine, handlers.Options{MaxUploadBytes: 1 << 20}, log), log)
	return &server{router: r, catalog: cat, llm: fake}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *server) upload(t *testing.T, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingredients", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, handlers.StatusOf(models.Validation(models.CodeInvalidParameter, "x")))
	assert.Equal(t, http.StatusNotFound, handlers.StatusOf(models.NotFound("x")))
	assert.Equal(t, http.StatusConflict, handlers.StatusOf(models.Consistency(models.CodeDuplicateArtifact, "x")))
	assert.Equal(t, http.StatusBadGateway, handlers.StatusOf(models.Upstream(models.CodeLanguageModel, nil, "x")))
	assert.Equal(t, http.StatusOK, handlers.StatusOf(models.PartialFailure("x")))
	assert.Equal(t, http.StatusInternalServerError, handlers.StatusOf(assert.AnError))
}

func TestHealthAndRequestID(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(middleware.RequestIDHeader))
}

func TestIngestSeedAndCook(t *testing.T) {
	s := newServer(t)

	body := `[{"description":"d","input":"How?","output":"Like this."}]`
	rec := s.upload(t, "qa.json", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, s.upload(t, "qa.json", body).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/seeds/convert", map[string]any{"name": "qa.json", "format": ".json"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	seed := decode[struct {
		NewArtifactName string `json:"newArtifactName"`
	}](t, rec)
	assert.Equal(t, "qa.json", seed.NewArtifactName)

	job := models.AugmentationJob{
		Source:               models.ArtifactRef{Name: "qa.json", Stage: models.StageSeed},
		Model:                "llama3",
		UseAllSamples:        true,
		ParaphrasesPerSample: 2,
		Prompts: &models.PromptSet{DynamicColumns: map[string]models.Prompt{
			"input":  {User: "{text}"},
			"output": {User: "{text}"},
		}},
	}
	rec = s.do(t, http.MethodPost, "/api/v1/jobs", job)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[map[string]string](t, rec)["jobId"]
	require.NotEmpty(t, id)

	var p models.JobProgress
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		got := decode[models.JobProgress](t, rec)
		p = got
		return got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, models.JobCompleted, p.Status, p.Error)

	rec = s.do(t, http.MethodGet, "/api/v1/artifacts/rows?stage=dish&name="+p.ResultArtifact+"&rowsPerPage=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[kitchen.RowPage](t, rec)
	assert.Equal(t, 2, page.TotalRows)
	assert.Len(t, page.Rows, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/artifacts/dish/"+p.ResultArtifact, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// cancelling a finished job changes nothing
	rec = s.do(t, http.MethodDelete, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobCompleted, decode[models.JobProgress](t, rec).Status)
}

func TestJobErrors(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", models.AugmentationJob{Source: models.ArtifactRef{Name: "qa.json"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[handlers.ErrorResponse](t, rec)
	assert.Equal(t, string(models.KindValidation), body.Kind)

	rec = s.do(t, http.MethodPost, "/api/v1/jobs", models.AugmentationJob{Source: models.ArtifactRef{Name: "qa.json"}, Model: "llama3"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/jobs/unknown", nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCombineSliceAndEdit(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.upload(t, "a.csv", "q,a\n1,2\n").Code)
	require.Equal(t, http.StatusCreated, s.upload(t, "b.csv", "q,a\n3,4\n").Code)
	require.Equal(t, http.StatusCreated, s.upload(t, "c.txt", "text").Code)

	rec := s.do(t, http.MethodPost, "/api/v1/artifacts/combine", map[string]any{"names": []string{"a.csv"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.CodeInsufficientInput), decode[handlers.ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/artifacts/combine", map[string]any{"names": []string{"a.csv", "c.txt"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// mixed table suffixes are refused unless the caller opts out
	require.Equal(t, http.StatusCreated, s.upload(t, "d.jsonl", "{\"q\":\"5\",\"a\":\"6\"}\n").Code)
	rec = s.do(t, http.MethodPost, "/api/v1/artifacts/combine", map[string]any{"names": []string{"a.csv", "d.jsonl"}})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, string(models.CodeTypeMismatch), decode[handlers.ErrorResponse](t, rec).Code)
	rec = s.do(t, http.MethodPost, "/api/v1/artifacts/combine", map[string]any{"names": []string{"a.csv", "d.jsonl"}, "requireSameType": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "a_d.csv", decode[map[string]any](t, rec)["combinedArtifactName"])

	rec = s.do(t, http.MethodPost, "/api/v1/artifacts/combine", map[string]any{"names": []string{"a.csv", "b.csv"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "a_b.csv", decode[map[string]any](t, rec)["combinedArtifactName"])

	rec = s.do(t, http.MethodPost, "/api/v1/artifacts/slice", map[string]any{"name": "a_b.csv", "stage": "salad", "columns": []string{"a"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sliced := decode[struct {
		NewArtifactName string   `json:"newArtifactName"`
		RemovedColumns  []string `json:"removedColumns"`
	}](t, rec)
	assert.Equal(t, "a_b_sliced.csv", sliced.NewArtifactName)
	assert.Equal(t, []string{"a"}, sliced.RemovedColumns)

	rec = s.do(t, http.MethodPost, "/api/v1/artifacts/edits", map[string]any{
		"name": "a_b_sliced.csv", "stage": "edit",
		"edits": map[string]map[string]any{"1": {"q": "30"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["version"])

	rec = s.do(t, http.MethodPost, "/api/v1/artifacts/edits/save-as-new", map[string]any{
		"name": "a_b_sliced.csv", "stage": "edit",
		"edits": map[string]map[string]any{"0": {"q": "10"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "a_b_sliced_edited.csv", decode[map[string]any](t, rec)["newArtifactName"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/artifacts/rows?name=a.csv&page=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/artifacts?stage=nope", nil).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/artifacts?stage=edit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}](t, rec)
	assert.Len(t, list.Artifacts, 2)
}

func TestTemplatesAndPromptSets(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/templates", map[string]any{"name": "qa", "fields": []string{"q", "a"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/api/v1/templates", map[string]any{"name": "qa", "fields": []string{"q"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/templates/qa", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"q", "a"}, decode[models.Template](t, rec).Fields)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/templates/nope", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/prompt-sets", map[string]any{
		"name":    "terse",
		"prompts": models.PromptSet{System: "Be terse."},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodGet, "/api/v1/prompt-sets/terse", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Be terse.", decode[models.PromptSet](t, rec).System)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/prompt-sets/nope", nil).Code)
}

func TestModels(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/llm/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"llama3"}, decode[map[string]any](t, rec)["models"])

	rec = s.do(t, http.MethodPost, "/api/v1/lifecycle", models.ModelLifecycleRequest{Operation: models.OpTrain, OutputName: "x"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/models/import", map[string]any{"path": filepath.Join(t.TempDir(), "absent")})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/models/generate", map[string]any{"model": map[string]string{"name": "llama"}, "prompt": "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestParaphrasePreview(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/paraphrases", map[string]any{
		"model":          "llama3",
		"sample":         map[string]string{"input": "How do I list files?", "output": "Run ls."},
		"numParaphrases": 2,
		"columnTypes":    map[string]string{"input": "dynamic", "output": "static"},
		"customPrompts":  map[string]any{"dynamicColumns": map[string]any{"input": map[string]string{"user": "{text}"}}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[kitchen.Preview](t, rec)
	require.Len(t, got.Paraphrases, 2)
	assert.Equal(t, "Run ls.", got.Paraphrases[0]["output"])

	rec = s.do(t, http.MethodPost, "/api/v1/paraphrases", map[string]any{"model": "llama3", "numParaphrases": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/artifacts?stage=dish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}](t, rec).Artifacts)
}

func TestIngestValidatesUpload(t *testing.T) {
	s := newServer(t)

	rec := s.upload(t, "notes.txt", "hello")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[struct {
		Artifact models.Artifact `json:"artifact"`
	}](t, rec)
	assert.Len(t, got.Artifact.Metadata["sha256"], 64)

	assert.Equal(t, http.StatusBadRequest, s.upload(t, "tool.exe", "MZ").Code)
	assert.Equal(t, http.StatusBadRequest, s.upload(t, "scan.pdf", "not a pdf").Code)
}
