package lifecycle

import (
	"slices"
	"strings"

	"github.com/feichai0017/dataset-kitchen/internal/models"
)

// Accepted input stages per operation and role.
var (
	trainBaseStages     = []models.Stage{models.StageBaseModel, models.StageMergedModel, models.StageDequantizedModel}
	trainDataStages     = []models.Stage{models.StageSeed, models.StageDish, models.StageSalad, models.StageEdit}
	mergeBaseStages     = []models.Stage{models.StageBaseModel, models.StageMergedModel}
	mergeAdapterStages  = []models.Stage{models.StageAdapter}
	dequantizeStages    = []models.Stage{models.StageMergedModel, models.StageBaseModel}
	convertStages       = []models.Stage{models.StageBaseModel, models.StageMergedModel, models.StageDequantizedModel}
	quantizeInputStages = []models.Stage{models.StageGGUFModel}
)

// Produces returns the stage an operation registers its output in.
func Produces(op models.Operation) models.Stage {
	switch op {
	case models.OpTrain:
		return models.StageAdapter
	case models.OpMerge:
		return models.StageMergedModel
	case models.OpDequantize:
		return models.StageDequantizedModel
	case models.OpGGUFConvert:
		return models.StageGGUFModel
	case models.OpGGUFQuantize:
		return models.StageQuantizedGGUF
	}
	return ""
}

var (
	trainPrecisions      = []string{"4bit", "16bit"}
	mergeDequantize      = []string{"", "no", "f16", "f32"}
	dequantizePrecisions = []string{"f16", "bf16", "f32"}
	convertTypes         = []string{"f32", "f16", "bf16", "q8_0", "tq1_0", "tq2_0", "auto"}
)

// quantizeTypes are the llama-quantize type names, upper-cased.
var quantizeTypes = []string{
	"Q4_0", "Q4_1", "Q5_0", "Q5_1", "Q8_0",
	"Q2_K", "Q2_K_S", "Q3_K", "Q3_K_S", "Q3_K_M", "Q3_K_L",
	"Q4_K", "Q4_K_S", "Q4_K_M", "Q5_K", "Q5_K_S", "Q5_K_M", "Q6_K",
	"IQ1_S", "IQ1_M", "IQ2_XXS", "IQ2_XS", "IQ2_S", "IQ2_M",
	"IQ3_XXS", "IQ3_XS", "IQ3_S", "IQ3_M", "IQ4_NL", "IQ4_XS",
	"TQ1_0", "TQ2_0", "F16", "BF16", "F32", "COPY",
}

// bitsTypes maps a bit width to the usual k-quant of that size.
var bitsTypes = map[int]string{
	2: "Q2_K",
	3: "Q3_K_M",
	4: "Q4_K_M",
	5: "Q5_K_M",
	6: "Q6_K",
	8: "Q8_0",
}

const (
	defaultEpochs       = 1
	defaultBatchSize    = 2
	defaultAccumulation = 4
	defaultConvertType  = "f16"
)

func oneOf(field, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return models.Validation(models.CodeInvalidParameter, "%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// trainCounts are the resolved loop sizes of a training run.
type trainCounts struct {
	epochs, batchSize, accumulation int
}

// normalizeTrain fills absent counts with defaults. Present counts must be
// at least one.
func normalizeTrain(p models.TrainParams) (trainCounts, error) {
	n := trainCounts{defaultEpochs, defaultBatchSize, defaultAccumulation}
	for _, f := range []struct {
		name string
		in   *int
		out  *int
	}{
		{"epochs", p.Epochs, &n.epochs},
		{"batchSize", p.BatchSize, &n.batchSize},
		{"accumulationSteps", p.AccumulationSteps, &n.accumulation},
	} {
		if f.in == nil {
			continue
		}
		if *f.in < 1 {
			return n, models.Validation(models.CodeInvalidParameter, "%s must be >= 1, got %d", f.name, *f.in)
		}
		*f.out = *f.in
	}
	if p.Precision == "" {
		return n, nil
	}
	return n, oneOf("precision", p.Precision, trainPrecisions)
}

// quantizeType resolves the llama-quantize type of p. Exactly one of type and
// bits must be given.
func quantizeType(p models.QuantizeParams) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(p.QuantizationType))
	switch {
	case t != "" && p.Bits != 0:
		return "", models.Validation(models.CodeInvalidParameter, "give either quantizationType or bits, not both")
	case t != "":
		if !slices.Contains(quantizeTypes, t) {
			return "", models.Validation(models.CodeInvalidParameter, "unknown quantization type %q", p.QuantizationType)
		}
		return t, nil
	case p.Bits != 0:
		if bt, ok := bitsTypes[p.Bits]; ok {
			return bt, nil
		}
		return "", models.Validation(models.CodeInvalidParameter, "bits must be one of 2, 3, 4, 5, 6, 8, got %d", p.Bits)
	}
	return "", models.Validation(models.CodeInvalidParameter, "quantizationType or bits is required")
}

func requireGGUFName(name string) error {
	if models.FormatOf(name) != ".gguf" {
		return models.Validation(models.CodeInvalidParameter, "output name %q must end in .gguf", name)
	}
	return nil
}
