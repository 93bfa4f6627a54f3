package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

const (
	defaultMaxNewTokens = 128
	maxNewTokensLimit   = 4096
)

// generateStages hold weights the unsloth CLI can load for inference.
var generateStages = []models.Stage{
	models.StageAdapter,
	models.StageMergedModel,
	models.StageBaseModel,
	models.StageDequantizedModel,
}

// GenerateRequest tries a prompt against trained or imported weights.
type GenerateRequest struct {
	Model        models.ArtifactRef `json:"model"`
	Prompt       string             `json:"prompt"`
	MaxNewTokens int                `json:"maxNewTokens,omitempty"`
}

// Generate loads the model weights and returns the text generated for the
// prompt. Nothing is registered.
func (c *Controller) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", models.Validation(models.CodeInvalidParameter, "prompt is required")
	}
	switch {
	case req.MaxNewTokens == 0:
		req.MaxNewTokens = defaultMaxNewTokens
	case req.MaxNewTokens < 0 || req.MaxNewTokens > maxNewTokensLimit:
		return "", models.Validation(models.CodeInvalidParameter, "maxNewTokens must be in [1,%d], got %d", maxNewTokensLimit, req.MaxNewTokens)
	}
	a, err := c.resolve(ctx, req.Model, "model", generateStages)
	if err != nil {
		return "", err
	}

	log := logger.FromContext(ctx, c.logger).With(logger.String("model", a.String()))
	work := filepath.Join(c.opts.OvenDir, "generate", uuid.New().String())
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			log.Warn("Failed to remove work dir", logger.String("dir", work), logger.Error(err))
		}
	}()
	path, err := c.catalog.Materialize(ctx, a, work)
	if err != nil {
		return "", err
	}

	text, err := c.tool.Generate(ctx, path, req.Prompt, req.MaxNewTokens)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Error("Generation failed", logger.Error(err))
		return "", models.Upstream(models.CodeToolchain, err, "generation with %s failed", a.Name)
	}
	log.Info("Generated text", logger.Int("maxNewTokens", req.MaxNewTokens), logger.Int("chars", len(text)))
	return strings.TrimSpace(text), nil
}

func (t *ExecToolchain) Generate(ctx context.Context, model, prompt string, maxNewTokens int) (string, error) {
	out, err := t.output(ctx, t.cfg.Python, t.cfg.UnslothCLI, "generate",
		"--model_name", model,
		"--prompt", prompt,
		"--max_new_tokens", fmt.Sprint(maxNewTokens),
	)
	if err != nil {
		return "", err
	}
	return out, nil
}
