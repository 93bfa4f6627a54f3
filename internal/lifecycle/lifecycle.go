// Package lifecycle carries model artifacts through train, merge, dequantize,
// GGUF conversion and requantization. Every transition runs the external
// toolchain in a fresh work directory and registers its output in the catalog
// only when the tool succeeded.
package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/dataset-kitchen/internal/agent/llm"
	"github.com/feichai0017/dataset-kitchen/internal/catalog"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/keylock"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/metrics"
)

var ggufMagic = []byte("GGUF")

// IsGGUF reports whether the file at path starts with the GGUF magic.
func IsGGUF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, ggufMagic), nil
}

type Options struct {
	// OvenDir holds one work directory per transition: <OvenDir>/<stage>/<uuid>.
	OvenDir string
	Retry   llm.RetryPolicy
}

type Controller struct {
	catalog *catalog.Catalog
	tool    Toolchain
	locks   *keylock.KeyLock
	opts    Options
	logger  logger.Logger
}

func NewController(cat *catalog.Catalog, tool Toolchain, opts Options, log logger.Logger) *Controller {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	return &Controller{
		catalog: cat,
		tool:    tool,
		locks:   keylock.New(),
		opts:    opts,
		logger:  log.Named("lifecycle"),
	}
}

type input struct {
	role     string
	artifact models.Artifact
}

// transition is a validated request ready to run.
type transition struct {
	inputs   []input
	metadata map[string]string
	// ggufInput names the role whose file must already be GGUF.
	ggufInput string
	ggufOut   bool
	run       func(ctx context.Context, paths map[string]string, output string) error
}

// Submit validates req, runs its transition and registers the output. A
// second request with the same operation and output name fails with
// InProgress while the first one runs.
func (c *Controller) Submit(ctx context.Context, req models.ModelLifecycleRequest) (models.Artifact, error) {
	start := time.Now()
	a, err := c.submit(ctx, req)
	outcome := "succeeded"
	switch {
	case err == nil:
	case models.IsValidation(err), models.IsNotFound(err), models.IsConsistency(err):
		outcome = "rejected"
	default:
		outcome = "failed"
	}
	metrics.ObserveTransition(string(req.Operation), outcome, time.Since(start))
	return a, err
}

func (c *Controller) submit(ctx context.Context, req models.ModelLifecycleRequest) (models.Artifact, error) {
	if err := req.Validate(); err != nil {
		return models.Artifact{}, err
	}
	unlock, ok := c.locks.TryLock(req.Key())
	if !ok {
		return models.Artifact{}, models.Consistency(models.CodeInProgress, "%s is already running", req.Key())
	}
	defer unlock()

	log := logger.FromContext(ctx, c.logger).With(
		logger.String("operation", string(req.Operation)),
		logger.String("output", req.OutputName),
	)
	t, err := c.prepare(ctx, req)
	if err != nil {
		return models.Artifact{}, err
	}

	stage := Produces(req.Operation)
	work := filepath.Join(c.opts.OvenDir, string(stage), uuid.New().String())
	if err := os.MkdirAll(work, 0o755); err != nil {
		return models.Artifact{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	done := false
	defer func() {
		if !done {
			if err := os.RemoveAll(work); err != nil {
				log.Warn("Failed to remove work dir", logger.String("dir", work), logger.Error(err))
			}
		}
	}()

	paths := make(map[string]string, len(t.inputs))
	parents := make([]string, 0, len(t.inputs))
	for _, in := range t.inputs {
		p, err := c.catalog.Materialize(ctx, in.artifact, filepath.Join(work, "inputs", in.role))
		if err != nil {
			return models.Artifact{}, err
		}
		paths[in.role] = p
		parents = append(parents, in.artifact.ID)
	}
	if t.ggufInput != "" {
		ok, err := IsGGUF(paths[t.ggufInput])
		if err != nil {
			return models.Artifact{}, fmt.Errorf("failed to read %s: %w", t.ggufInput, err)
		}
		if !ok {
			return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "%s is not a GGUF file", t.ggufInput)
		}
	}

	output := filepath.Join(work, req.OutputName)
	log.Info("Starting model transition", logger.String("workDir", work))
	err = llm.Retry(ctx, c.opts.Retry, func(ctx context.Context) error {
		if err := os.RemoveAll(output); err != nil {
			return err
		}
		return t.run(ctx, paths, output)
	}, func(err error, wait time.Duration) {
		log.Warn("Toolchain attempt failed, retrying", logger.Error(err), logger.Duration("wait", wait))
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Artifact{}, ctx.Err()
		}
		log.Error("Model transition failed", logger.Error(err))
		return models.Artifact{}, models.Upstream(models.CodeToolchain, err, "%s failed", req.Operation)
	}
	if _, err := os.Stat(output); err != nil {
		return models.Artifact{}, models.Upstream(models.CodeToolchain, err, "%s produced no output", req.Operation)
	}
	if t.ggufOut {
		if ok, err := IsGGUF(output); err != nil || !ok {
			return models.Artifact{}, models.Upstream(models.CodeToolchain, err, "%s did not produce a GGUF file", req.Operation)
		}
	}
	if err := os.RemoveAll(filepath.Join(work, "inputs")); err != nil {
		log.Warn("Failed to remove materialized inputs", logger.Error(err))
	}

	a, err := c.catalog.Register(ctx, models.Artifact{
		Name:     req.OutputName,
		Stage:    stage,
		Kind:     models.KindModelWeights,
		Location: catalog.PathPrefix + output,
		Parents:  parents,
		Metadata: t.metadata,
	}, nil, catalog.RegisterOptions{Overwrite: true})
	if err != nil {
		return models.Artifact{}, err
	}
	done = true
	log.Info("Model transition finished", logger.String("artifact", a.String()))
	return a, nil
}

// prepare checks parameters and resolves every input at a stage the
// operation accepts.
func (c *Controller) prepare(ctx context.Context, req models.ModelLifecycleRequest) (*transition, error) {
	md := map[string]string{"operation": string(req.Operation)}
	switch req.Operation {
	case models.OpTrain:
		p := *req.Train
		counts, err := normalizeTrain(p)
		if err != nil {
			return nil, err
		}
		base, err := c.resolve(ctx, p.BaseModel, "base model", trainBaseStages)
		if err != nil {
			return nil, err
		}
		inputs := []input{{"base", base}}
		for _, d := range []struct {
			role string
			ref  *models.ArtifactRef
		}{
			{"train", &p.TrainingData},
			{"validation", p.ValidationData},
			{"test", p.TestData},
		} {
			if d.ref == nil {
				continue
			}
			a, err := c.resolve(ctx, *d.ref, d.role+" data", trainDataStages)
			if err != nil {
				return nil, err
			}
			if a.Kind != models.KindTable {
				return nil, models.Consistency(models.CodeTypeMismatch, "%s data %s is not a structured table", d.role, a)
			}
			inputs = append(inputs, input{d.role, a})
		}
		md["epochs"] = strconv.Itoa(counts.epochs)
		md["batchSize"] = strconv.Itoa(counts.batchSize)
		md["accumulationSteps"] = strconv.Itoa(counts.accumulation)
		if p.Precision != "" {
			md["precision"] = p.Precision
		}
		return &transition{inputs: inputs, metadata: md, run: func(ctx context.Context, in map[string]string, out string) error {
			return c.tool.Train(ctx, TrainSpec{
				BaseModel:         in["base"],
				TrainingData:      in["train"],
				ValidationData:    in["validation"],
				TestData:          in["test"],
				Output:            out,
				Epochs:            counts.epochs,
				BatchSize:         counts.batchSize,
				AccumulationSteps: counts.accumulation,
				Precision:         p.Precision,
			})
		}}, nil

	case models.OpMerge:
		p := *req.Merge
		if err := oneOf("dequantize", p.Dequantize, mergeDequantize); err != nil {
			return nil, err
		}
		if p.Dequantize == "no" {
			p.Dequantize = ""
		}
		base, err := c.resolve(ctx, p.BaseModel, "base model", mergeBaseStages)
		if err != nil {
			return nil, err
		}
		adapter, err := c.resolve(ctx, p.Adapter, "adapter", mergeAdapterStages)
		if err != nil {
			return nil, err
		}
		if p.Dequantize != "" {
			md["dequantize"] = p.Dequantize
		}
		return &transition{inputs: []input{{"base", base}, {"adapter", adapter}}, metadata: md,
			run: func(ctx context.Context, in map[string]string, out string) error {
				return c.tool.Merge(ctx, MergeSpec{BaseModel: in["base"], Adapter: in["adapter"], Output: out, Dequantize: p.Dequantize})
			}}, nil

	case models.OpDequantize:
		p := *req.Dequantize
		if err := oneOf("precision", p.Precision, dequantizePrecisions); err != nil {
			return nil, err
		}
		model, err := c.resolve(ctx, p.Model, "model", dequantizeStages)
		if err != nil {
			return nil, err
		}
		md["precision"] = p.Precision
		return &transition{inputs: []input{{"model", model}}, metadata: md,
			run: func(ctx context.Context, in map[string]string, out string) error {
				return c.tool.Dequantize(ctx, in["model"], out, p.Precision)
			}}, nil

	case models.OpGGUFConvert:
		p := *req.Convert
		if err := requireGGUFName(req.OutputName); err != nil {
			return nil, err
		}
		outType := strings.ToLower(strings.TrimSpace(p.QuantizationType))
		if outType == "" {
			outType = defaultConvertType
		}
		if err := oneOf("quantizationType", outType, convertTypes); err != nil {
			return nil, err
		}
		model, err := c.resolve(ctx, p.Model, "model", convertStages)
		if err != nil {
			return nil, err
		}
		md["quantizationType"] = outType
		return &transition{inputs: []input{{"model", model}}, metadata: md, ggufOut: true,
			run: func(ctx context.Context, in map[string]string, out string) error {
				return c.tool.Convert(ctx, in["model"], out, outType)
			}}, nil

	case models.OpGGUFQuantize:
		p := *req.Quantize
		if err := requireGGUFName(req.OutputName); err != nil {
			return nil, err
		}
		qt, err := quantizeType(p)
		if err != nil {
			return nil, err
		}
		gguf, err := c.resolve(ctx, p.Model, "gguf model", quantizeInputStages)
		if err != nil {
			return nil, err
		}
		md["quantizationType"] = qt
		return &transition{inputs: []input{{"gguf", gguf}}, metadata: md, ggufInput: "gguf", ggufOut: true,
			run: func(ctx context.Context, in map[string]string, out string) error {
				return c.tool.Quantize(ctx, in["gguf"], out, qt)
			}}, nil
	}
	return nil, models.Validation(models.CodeInvalidParameter, "unknown operation %q", req.Operation)
}

func (c *Controller) resolve(ctx context.Context, ref models.ArtifactRef, role string, accepted []models.Stage) (models.Artifact, error) {
	if strings.TrimSpace(ref.Name) == "" {
		return models.Artifact{}, models.Validation(models.CodeInvalidParameter, "%s is required", role)
	}
	if ref.Stage != "" {
		// nothing at another stage can serve the role
		if !slices.Contains(accepted, ref.Stage) {
			return models.Artifact{}, models.NotFound("%s %q not found in %s: %s is not accepted",
				role, ref.Name, stageList(accepted), ref.Stage)
		}
		accepted = []models.Stage{ref.Stage}
	}
	a, err := c.catalog.ResolveIn(ctx, ref.Name, accepted...)
	if models.IsNotFound(err) {
		return models.Artifact{}, models.NotFound("%s %q not found in %s", role, ref.Name, stageList(accepted))
	}
	return a, err
}

func stageList(stages []models.Stage) string {
	s := make([]string, len(stages))
	for i, st := range stages {
		s[i] = string(st)
	}
	return strings.Join(s, " or ")
}
