// Package lifecycletest provides an in-process toolchain for tests.
package lifecycletest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/feichai0017/dataset-kitchen/internal/lifecycle"
)

var ErrFailed = errors.New("toolchain failed")

// Toolchain writes a small model folder or GGUF file for every call.
type Toolchain struct {
	// Failures is the number of calls that fail before calls succeed. A
	// negative value fails every call.
	Failures int
	// Block, when set, holds every call until closed or ctx is done.
	Block chan struct{}
	// Started receives one value per call when set.
	Started chan struct{}
	// BadGGUF makes Convert and Quantize write a file without the magic.
	BadGGUF bool

	mu        sync.Mutex
	calls     []string
	trains    []lifecycle.TrainSpec
	merges    []lifecycle.MergeSpec
	quantized []string
}

var _ lifecycle.Toolchain = (*Toolchain)(nil)

func (t *Toolchain) Train(ctx context.Context, spec lifecycle.TrainSpec) error {
	t.mu.Lock()
	t.trains = append(t.trains, spec)
	t.mu.Unlock()
	return t.step(ctx, "train", func() error { return writeFolder(spec.Output) })
}

func (t *Toolchain) Merge(ctx context.Context, spec lifecycle.MergeSpec) error {
	t.mu.Lock()
	t.merges = append(t.merges, spec)
	t.mu.Unlock()
	return t.step(ctx, "merge", func() error { return writeFolder(spec.Output) })
}

func (t *Toolchain) Dequantize(ctx context.Context, model, output, precision string) error {
	return t.step(ctx, "dequantize", func() error { return writeFolder(output) })
}

func (t *Toolchain) Convert(ctx context.Context, model, output, outType string) error {
	return t.step(ctx, "convert", func() error { return t.writeGGUF(output) })
}

func (t *Toolchain) Quantize(ctx context.Context, gguf, output, quantType string) error {
	t.mu.Lock()
	t.quantized = append(t.quantized, quantType)
	t.mu.Unlock()
	return t.step(ctx, "quantize", func() error { return t.writeGGUF(output) })
}

// Generate echoes the prompt with the model's folder name.
func (t *Toolchain) Generate(ctx context.Context, model, prompt string, maxNewTokens int) (string, error) {
	var text string
	err := t.step(ctx, "generate", func() error {
		text = filepath.Base(model) + ": " + prompt
		return nil
	})
	return text, err
}

func (t *Toolchain) step(ctx context.Context, name string, write func() error) error {
	t.mu.Lock()
	t.calls = append(t.calls, name)
	fail := t.Failures != 0
	if t.Failures > 0 {
		t.Failures--
	}
	t.mu.Unlock()

	if t.Started != nil {
		t.Started <- struct{}{}
	}
	if t.Block != nil {
		select {
		case <-t.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return ErrFailed
	}
	return write()
}

func (t *Toolchain) writeGGUF(path string) error {
	content := []byte("GGUF\x03\x00\x00\x00")
	if t.BadGGUF {
		content = []byte("not a model")
	}
	return os.WriteFile(path, content, 0o644)
}

func writeFolder(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o644)
}

// Calls returns the operations run so far, failed attempts included.
func (t *Toolchain) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *Toolchain) Trains() []lifecycle.TrainSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]lifecycle.TrainSpec(nil), t.trains...)
}

func (t *Toolchain) Merges() []lifecycle.MergeSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]lifecycle.MergeSpec(nil), t.merges...)
}

// QuantizeTypes returns the llama-quantize types requested so far.
func (t *Toolchain) QuantizeTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.quantized...)
}
