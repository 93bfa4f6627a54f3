package models

import "strings"

// Operation is one transition of the model lifecycle.
type Operation string

const (
	OpTrain        Operation = "train"
	OpMerge        Operation = "merge"
	OpDequantize   Operation = "dequantize"
	OpGGUFConvert  Operation = "gguf-convert"
	OpGGUFQuantize Operation = "gguf-quantize"
)

// TrainParams fine-tunes an adapter on a dataset. Absent counts take the
// controller's defaults.
type TrainParams struct {
	BaseModel         ArtifactRef  `json:"baseModel"`
	TrainingData      ArtifactRef  `json:"trainingData"`
	ValidationData    *ArtifactRef `json:"validationData,omitempty"`
	TestData          *ArtifactRef `json:"testData,omitempty"`
	Epochs            *int         `json:"epochs,omitempty"`
	BatchSize         *int         `json:"batchSize,omitempty"`
	AccumulationSteps *int         `json:"accumulationSteps,omitempty"`
	Precision         string       `json:"precision,omitempty"`
}

// MergeParams folds an adapter into its base model.
type MergeParams struct {
	BaseModel  ArtifactRef `json:"baseModel"`
	Adapter    ArtifactRef `json:"adapter"`
	Dequantize string      `json:"dequantize,omitempty"`
}

type DequantizeParams struct {
	Model     ArtifactRef `json:"model"`
	Precision string      `json:"precision"`
}

type ConvertParams struct {
	Model            ArtifactRef `json:"model"`
	QuantizationType string      `json:"quantizationType,omitempty"`
}

// QuantizeParams requantizes a GGUF file either by explicit type or by bit width.
type QuantizeParams struct {
	Model            ArtifactRef `json:"model"`
	QuantizationType string      `json:"quantizationType,omitempty"`
	Bits             int         `json:"bits,omitempty"`
}

// ModelLifecycleRequest carries exactly one parameter variant matching Operation.
type ModelLifecycleRequest struct {
	Operation  Operation         `json:"operation"`
	OutputName string            `json:"outputName"`
	Train      *TrainParams      `json:"train,omitempty"`
	Merge      *MergeParams      `json:"merge,omitempty"`
	Dequantize *DequantizeParams `json:"dequantize,omitempty"`
	Convert    *ConvertParams    `json:"convert,omitempty"`
	Quantize   *QuantizeParams   `json:"quantize,omitempty"`
}

// Key is the concurrency key of the request.
func (r ModelLifecycleRequest) Key() string {
	return string(r.Operation) + "/" + strings.TrimSpace(r.OutputName)
}

// Validate checks that the request shape matches its operation.
func (r ModelLifecycleRequest) Validate() error {
	if err := ValidateName(r.OutputName); err != nil {
		return err
	}
	set := 0
	for _, present := range []bool{r.Train != nil, r.Merge != nil, r.Dequantize != nil, r.Convert != nil, r.Quantize != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return Validation(CodeInvalidParameter, "exactly one parameter block is required, got %d", set)
	}
	var ok bool
	switch r.Operation {
	case OpTrain:
		ok = r.Train != nil
	case OpMerge:
		ok = r.Merge != nil
	case OpDequantize:
		ok = r.Dequantize != nil
	case OpGGUFConvert:
		ok = r.Convert != nil
	case OpGGUFQuantize:
		ok = r.Quantize != nil
	default:
		return Validation(CodeInvalidParameter, "unknown operation %q", r.Operation)
	}
	if !ok {
		return Validation(CodeInvalidParameter, "parameters do not match operation %q", r.Operation)
	}
	return nil
}
