package kitchen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/lifecycle"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// ImportModel registers model weights that already exist on disk: a Hugging
// Face folder becomes a base-model, a GGUF file a gguf-model. The catalog
// points at the path; nothing is copied. Importing the same path twice
// returns the existing artifact.
func (e *Engine) ImportModel(ctx context.Context, path, name string) (models.Artifact, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "invalid model path %q", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Artifact{}, models.NotFound("model path %s does not exist", abs)
		}
		return models.Artifact{}, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	a := models.Artifact{
		Name:     name,
		Kind:     models.KindModelWeights,
		Location: catalog.PathPrefix + abs,
		Metadata: map[string]string{"importedFrom": abs},
	}
	switch {
	case info.IsDir():
		a.Stage = models.StageBaseModel
	case strings.EqualFold(filepath.Ext(abs), ".gguf"):
		ok, err := lifecycle.IsGGUF(abs)
		if err != nil {
			return models.Artifact{}, fmt.Errorf("failed to read %s: %w", abs, err)
		}
		if !ok {
			return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "%s is not a GGUF file", abs)
		}
		a.Stage = models.StageGGUFModel
	default:
		return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "%s is neither a model folder nor a .gguf file", abs)
	}

	if cur, err := e.catalog.Resolve(ctx, a.Name, a.Stage); err == nil && cur.Location == a.Location {
		return cur, nil
	}
	out, err := e.catalog.Register(ctx, a, nil, catalog.RegisterOptions{})
	if err != nil {
		return models.Artifact{}, err
	}
	e.logger.Info("Imported model", logger.String("artifact", out.String()), logger.String("path", abs))
	return out, nil
}

// ScanModels imports every folder and GGUF file directly under the models
// directory. Entries that fail to import are logged and skipped.
func (e *Engine) ScanModels(ctx context.Context) ([]models.Artifact, error) {
	if e.opts.ModelsDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(e.opts.ModelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read models dir: %w", err)
	}
	var out []models.Artifact
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() && !strings.EqualFold(filepath.Ext(entry.Name()), ".gguf") {
			continue
		}
		a, err := e.ImportModel(ctx, filepath.Join(e.opts.ModelsDir, entry.Name()), "")
		if err != nil {
			e.logger.Warn("Skipping model", logger.String("entry", entry.Name()), logger.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// LLMModels lists the models the language model server can serve.
func (e *Engine) LLMModels(ctx context.Context) ([]string, error) {
	if e.llm == nil {
		return nil, models.Upstream(models.CodeLanguageModel, nil, "no language model service configured")
	}
	return e.llm.Models(ctx)
}

// Lifecycle runs one model lifecycle transition and returns the registered
// output artifact.
func (e *Engine) Lifecycle(ctx context.Context, req models.ModelLifecycleRequest) (models.Artifact, error) {
	if e.lifecycle == nil {
		return models.Artifact{}, models.Upstream(models.CodeToolchain, nil, "model toolchain is not configured")
	}
	return e.lifecycle.Submit(ctx, req)
}

// Generate tries a prompt against trained or imported model weights.
func (e *Engine) Generate(ctx context.Context, req lifecycle.GenerateRequest) (string, error) {
	if e.lifecycle == nil {
		return "", models.Upstream(models.CodeToolchain, nil, "model toolchain is not configured")
	}
	return e.lifecycle.Generate(ctx, req)
}
