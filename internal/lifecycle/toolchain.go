package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/feichai0017/dataset-kitchen/config"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// TrainSpec is one fine-tuning run. Paths are local.
type TrainSpec struct {
	BaseModel         string
	TrainingData      string
	ValidationData    string
	TestData          string
	Output            string
	Epochs            int
	BatchSize         int
	AccumulationSteps int
	Precision         string
}

type MergeSpec struct {
	BaseModel  string
	Adapter    string
	Output     string
	Dequantize string
}

// Toolchain runs the external model transformation tools. Each call writes
// its result to the given output path and nothing else.
type Toolchain interface {
	Train(ctx context.Context, spec TrainSpec) error
	Merge(ctx context.Context, spec MergeSpec) error
	Dequantize(ctx context.Context, model, output, precision string) error
	Convert(ctx context.Context, model, output, outType string) error
	Quantize(ctx context.Context, gguf, output, quantType string) error
	// Generate returns the model's completion of prompt.
	Generate(ctx context.Context, model, prompt string, maxNewTokens int) (string, error)
}

// ExecToolchain shells out to the unsloth CLI and the llama.cpp tools.
type ExecToolchain struct {
	cfg    config.ToolchainConfig
	logger logger.Logger
}

func NewExecToolchain(cfg config.ToolchainConfig, log logger.Logger) *ExecToolchain {
	return &ExecToolchain{cfg: cfg, logger: log.Named("toolchain")}
}

func (t *ExecToolchain) Train(ctx context.Context, spec TrainSpec) error {
	args := []string{t.cfg.UnslothCLI, "train",
		"--model_name", spec.BaseModel,
		"--train_dataset", spec.TrainingData,
		"--output_dir", spec.Output,
		"--num_train_epochs", strconv.Itoa(spec.Epochs),
		"--per_device_train_batch_size", strconv.Itoa(spec.BatchSize),
		"--gradient_accumulation_steps", strconv.Itoa(spec.AccumulationSteps),
	}
	if spec.ValidationData != "" {
		args = append(args, "--validation_dataset", spec.ValidationData)
	}
	if spec.TestData != "" {
		args = append(args, "--test_dataset", spec.TestData)
	}
	switch spec.Precision {
	case "4bit":
		args = append(args, "--load_in_4bit")
	case "16bit":
		args = append(args, "--load_in_16bit")
	}
	return t.run(ctx, t.cfg.Python, args...)
}

func (t *ExecToolchain) Merge(ctx context.Context, spec MergeSpec) error {
	args := []string{t.cfg.UnslothCLI, "merge",
		"--base_model_path", spec.BaseModel,
		"--adapter_path", spec.Adapter,
		"--output_path", spec.Output,
	}
	if spec.Dequantize != "" {
		args = append(args, "--dequantize", spec.Dequantize)
	}
	return t.run(ctx, t.cfg.Python, args...)
}

func (t *ExecToolchain) Dequantize(ctx context.Context, model, output, precision string) error {
	if t.cfg.DequantizeScript == "" {
		return t.run(ctx, t.cfg.Python, t.cfg.UnslothCLI, "dequantize",
			"--model_path", model, "--output_path", output, "--precision", precision)
	}
	return t.run(ctx, t.cfg.Python, t.cfg.DequantizeScript,
		"--model_path", model, "--output_path", output, "--precision", precision)
}

func (t *ExecToolchain) Convert(ctx context.Context, model, output, outType string) error {
	return t.run(ctx, t.cfg.Python, t.cfg.ConvertScript, model, "--outfile", output, "--outtype", outType)
}

func (t *ExecToolchain) Quantize(ctx context.Context, gguf, output, quantType string) error {
	return t.run(ctx, t.cfg.QuantizeBin, gguf, output, quantType)
}

func (t *ExecToolchain) run(ctx context.Context, name string, args ...string) error {
	_, err := t.output(ctx, name, args...)
	return err
}

// output runs the command and returns its stdout. Stderr only shows up in
// errors and debug logs.
func (t *ExecToolchain) output(ctx context.Context, name string, args ...string) (string, error) {
	if t.cfg.Timeout.D() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout.D())
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 10 * time.Second
	var stdout, out bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &out)
	cmd.Stderr = &out

	t.logger.Info("Running toolchain command",
		logger.String("command", name),
		logger.String("args", strings.Join(args, " ")),
	)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s interrupted: %w", name, ctx.Err())
		}
		return "", fmt.Errorf("%s failed: %w\noutput: %s", name, err, tail(out.String(), 4096))
	}
	t.logger.Debug("Toolchain command finished",
		logger.String("command", name),
		logger.Duration("elapsed", time.Since(start)),
		logger.String("output", tail(out.String(), 4096)),
	)
	return stdout.String(), nil
}

// tail keeps the last n bytes of s, where tool errors usually are.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
