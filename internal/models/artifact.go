package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Stage is the lifecycle namespace an artifact lives in.
type Stage string

const (
	StageIngredient       Stage = "ingredient"
	StageSeed             Stage = "seed"
	StageDish             Stage = "dish"
	StageSalad            Stage = "salad"
	StageEdit             Stage = "edit"
	StageBaseModel        Stage = "base-model"
	StageAdapter          Stage = "adapter"
	StageMergedModel      Stage = "merged-model"
	StageDequantizedModel Stage = "dequantized-model"
	StageGGUFModel        Stage = "gguf-model"
	StageQuantizedGGUF    Stage = "quantized-gguf"
)

// stageEdges lists, per stage, the stages an artifact derived from it may take.
var stageEdges = map[Stage][]Stage{
	StageIngredient:       {StageSeed, StageSalad, StageEdit},
	StageSeed:             {StageDish, StageSalad, StageEdit},
	StageDish:             {StageDish, StageSalad, StageEdit},
	StageSalad:            {StageDish, StageSalad, StageEdit},
	StageEdit:             {StageDish, StageSalad, StageEdit},
	StageBaseModel:        {StageAdapter, StageMergedModel, StageDequantizedModel, StageGGUFModel},
	StageAdapter:          {StageMergedModel},
	StageMergedModel:      {StageAdapter, StageDequantizedModel, StageGGUFModel},
	StageDequantizedModel: {StageAdapter, StageGGUFModel},
	StageGGUFModel:        {StageQuantizedGGUF},
	StageQuantizedGGUF:    {},
}

// DataStages is the order stages are searched when a reference omits its stage.
var DataStages = []Stage{StageIngredient, StageSeed, StageDish, StageSalad, StageEdit}

func (s Stage) Valid() bool {
	_, ok := stageEdges[s]
	return ok
}

func (s Stage) IsData() bool {
	for _, d := range DataStages {
		if s == d {
			return true
		}
	}
	return false
}

// ParseStage validates a stage string. An empty string is allowed and returns "".
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.TrimSpace(s))
	if st == "" || st.Valid() {
		return st, nil
	}
	return "", Validation(CodeInvalidParameter, "unknown stage %q", s)
}

// CanDerive reports whether an artifact at stage `to` may be produced from one at `from`.
func CanDerive(from, to Stage) bool {
	for _, s := range stageEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ContentKind describes how an artifact's content is interpreted.
type ContentKind string

const (
	KindText         ContentKind = "text"
	KindTable        ContentKind = "structured-table"
	KindModelWeights ContentKind = "model-weights"
)

// Artifact is one version of a named data or model artifact.
type Artifact struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Stage     Stage             `json:"stage"`
	Kind      ContentKind       `json:"kind"`
	Format    string            `json:"format"`
	Version   int               `json:"version"`
	Location  string            `json:"location"`
	Rows      int               `json:"rows"`
	Columns   []string          `json:"columns,omitempty"`
	Parents   []string          `json:"parents,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (a Artifact) Ref() ArtifactRef {
	return ArtifactRef{Name: a.Name, Stage: a.Stage}
}

// ArtifactRef names an artifact. An empty Stage means "search the usual stages".
type ArtifactRef struct {
	Name  string `json:"name"`
	Stage Stage  `json:"stage,omitempty"`
}

func (r ArtifactRef) String() string {
	if r.Stage == "" {
		return r.Name
	}
	return string(r.Stage) + "/" + r.Name
}

// FormatOf returns the lower-cased file suffix of an artifact name.
func FormatOf(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// BaseName strips the file suffix.
func BaseName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ValidateName rejects names that cannot be used as catalog keys.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return Validation(CodeInvalidParameter, "artifact name is required")
	case strings.ContainsAny(name, `/\`):
		return Validation(CodeInvalidParameter, "artifact name %q must not contain path separators", name)
	case name == "." || name == "..":
		return Validation(CodeInvalidParameter, "invalid artifact name %q", name)
	}
	return nil
}

// TableFormats are suffixes decoded as structured tables.
var TableFormats = map[string]bool{".json": true, ".jsonl": true, ".csv": true, ".parquet": true}

// TextFormats are suffixes stored as plain text.
var TextFormats = map[string]bool{".txt": true, ".md": true, ".tex": true}

// KindForFormat maps a data artifact suffix to its content kind.
func KindForFormat(format string) (ContentKind, error) {
	switch {
	case TableFormats[format]:
		return KindTable, nil
	case TextFormats[format]:
		return KindText, nil
	}
	return "", Validation(CodeInvalidParameter, "unsupported data format %q", format)
}

func (a Artifact) String() string {
	return fmt.Sprintf("%s/%s@v%d", a.Stage, a.Name, a.Version)
}
