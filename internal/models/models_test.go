package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTemplateRejectsEmptyAndDuplicateFields(t *testing.T) {
	_, err := NewTemplate("empty", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTemplate))
	assert.True(t, IsValidation(err))

	_, err = NewTemplate("dup", []string{"a", "b", "a"})
	assert.True(t, errors.Is(err, ErrInvalidTemplate))

	_, err = NewTemplate("blank", []string{"a", " "})
	assert.True(t, errors.Is(err, ErrInvalidTemplate))

	tpl, err := NewTemplate("ok", []string{" user ", "response"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "response"}, tpl.Fields)
}

func TestTemplateNormalizeFillsExplicitNulls(t *testing.T) {
	tpl, err := NewTemplate("instruct", []string{"user", "response"})
	require.NoError(t, err)

	rec := tpl.Normalize(map[string]any{"user": "hi", "extra": 1})
	assert.Len(t, rec, 2)
	v, ok := rec["response"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, "hi", rec["user"])
	_, ok = rec["extra"]
	assert.False(t, ok)
}

func TestStageGraphIsForwardOnly(t *testing.T) {
	assert.True(t, CanDerive(StageIngredient, StageSeed))
	assert.True(t, CanDerive(StageSeed, StageDish))
	assert.True(t, CanDerive(StageAdapter, StageMergedModel))
	assert.True(t, CanDerive(StageGGUFModel, StageQuantizedGGUF))

	assert.False(t, CanDerive(StageDish, StageSeed))
	assert.False(t, CanDerive(StageSeed, StageIngredient))
	assert.False(t, CanDerive(StageMergedModel, StageBaseModel))
	assert.False(t, CanDerive(StageAdapter, StageBaseModel))
	assert.False(t, CanDerive(StageQuantizedGGUF, StageGGUFModel))
	assert.False(t, CanDerive(StageDish, StageAdapter))
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Consistency(CodeTypeMismatch, "json vs parquet"))
	assert.True(t, errors.Is(err, ErrTypeMismatch))
	assert.False(t, errors.Is(err, ErrInsufficientInput))
	assert.True(t, IsConsistency(err))
	assert.Equal(t, KindConsistency, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestJobIdentity(t *testing.T) {
	job := AugmentationJob{Source: ArtifactRef{Name: "a.json"}, Model: "llama3", SampleRate: 50}
	assert.Equal(t, job.Identity("src-1"), job.Identity("src-1"))
	assert.NotEqual(t, job.Identity("src-1"), job.Identity("src-2"))

	other := job
	other.SampleRate = 60
	assert.NotEqual(t, job.Identity("src-1"), other.Identity("src-1"))

	keyed, keyedOther := job, other
	keyed.IdempotencyKey, keyedOther.IdempotencyKey = "k", "k"
	assert.Equal(t, keyed.Identity("src-1"), keyedOther.Identity("src-1"))
}

func TestJobValidate(t *testing.T) {
	err := AugmentationJob{Source: ArtifactRef{Name: "a.json"}}.Validate()
	assert.True(t, IsValidation(err))

	err = AugmentationJob{Source: ArtifactRef{Name: "a.json", Stage: StageAdapter}, Model: "m"}.Validate()
	assert.True(t, IsValidation(err))

	err = AugmentationJob{
		Source:      ArtifactRef{Name: "a.json"},
		Model:       "m",
		ColumnTypes: ColumnClassification{"x": "weird"},
	}.Validate()
	assert.True(t, IsValidation(err))

	assert.NoError(t, AugmentationJob{Source: ArtifactRef{Name: "a.json"}, Model: "m"}.Validate())
}

func TestLifecycleRequestShape(t *testing.T) {
	req := ModelLifecycleRequest{Operation: OpMerge, OutputName: "merged", Train: &TrainParams{}}
	assert.True(t, IsValidation(req.Validate()))

	req = ModelLifecycleRequest{Operation: OpMerge, OutputName: "merged", Merge: &MergeParams{}, Train: &TrainParams{}}
	assert.True(t, IsValidation(req.Validate()))

	req = ModelLifecycleRequest{Operation: "explode", OutputName: "x", Merge: &MergeParams{}}
	assert.True(t, IsValidation(req.Validate()))

	req = ModelLifecycleRequest{Operation: OpMerge, OutputName: "merged", Merge: &MergeParams{}}
	assert.NoError(t, req.Validate())
	assert.Equal(t, "merge/merged", req.Key())
}

func TestPromptSetFallbacks(t *testing.T) {
	set := DefaultPromptSet()
	p := set.ForColumn("summary")
	assert.Contains(t, p.System, "{column}")
	assert.Contains(t, p.User, "{text}")

	merged := set.Merge(PromptSet{DynamicColumns: map[string]Prompt{"input": {User: "custom {text}"}}})
	assert.Equal(t, "custom {text}", merged.DynamicColumns["input"].User)
	assert.Equal(t, set.System, merged.ForColumn("input").System)
	assert.NotNil(t, merged.Verify)
}
