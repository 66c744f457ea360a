package regen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/backend"
	"storyloom/internal/feedback"
	"storyloom/internal/session"
)

func sampleAssets(n int) []session.Asset {
	out := make([]session.Asset, n)
	for i := range out {
		out[i] = session.Asset{
			Index:     i + 1,
			Ref:       "assets/img-" + string(rune('a'+i)),
			Prompt:    "a quiet harbor at dawn",
			Source:    session.SourceGenerated,
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func TestBuildPlanSplitsKeepAndRegenerate(t *testing.T) {
	assets := sampleAssets(4)
	mod := feedback.Modification{
		Brightness:      feedback.DirectionDown,
		AffectedIndices: []int{2, 4},
		FeedbackText:    "darker please",
	}

	plan, err := BuildPlan(assets, mod, backend.KindImage)
	require.NoError(t, err)

	require.Len(t, plan.Steps, 4)
	assert.Equal(t, []int{2, 4}, plan.Affected())

	assert.Equal(t, ActionKeep, plan.Steps[0].Action)
	assert.Equal(t, ActionRegenerate, plan.Steps[1].Action)
	assert.Equal(t, ActionKeep, plan.Steps[2].Action)
	assert.Equal(t, ActionRegenerate, plan.Steps[3].Action)

	req := plan.Steps[1].Request
	assert.Equal(t, backend.KindImage, req.Kind)
	assert.Equal(t, 2, req.Index)
	assert.Contains(t, req.Prompt, "a quiet harbor at dawn")
	assert.Contains(t, req.Prompt, "darker")
}

func TestBuildPlanIgnoresUnknownIndices(t *testing.T) {
	assets := sampleAssets(2)
	plan, err := BuildPlan(assets, feedback.Modification{AffectedIndices: []int{2, 7}}, backend.KindImage)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, plan.Affected())
}

func TestBuildPlanEmptyOutput(t *testing.T) {
	_, err := BuildPlan(nil, feedback.Modification{AffectedIndices: []int{1}}, backend.KindImage)
	require.Error(t, err)
}

func TestMergePreservesUntouchedAssetsExactly(t *testing.T) {
	assets := sampleAssets(3)
	mod := feedback.Modification{AffectedIndices: []int{2}}

	plan, err := BuildPlan(assets, mod, backend.KindImage)
	require.NoError(t, err)

	replacement := session.Asset{
		Index:  2,
		Ref:    "assets/img-new",
		Prompt: "a quiet harbor at dawn, darker",
		Source: session.SourceGenerated,
	}
	merged := Merge(plan, map[int]session.Asset{2: replacement})

	require.Len(t, merged, 3)
	assert.Equal(t, assets[0], merged[0], "untouched assets must be identical")
	assert.Equal(t, assets[2], merged[2], "untouched assets must be identical")
	assert.Equal(t, "assets/img-new", merged[1].Ref)
	assert.Equal(t, 2, merged[1].Index)
}

func TestMergeKeepsOldAssetWhenRegenerationFailed(t *testing.T) {
	assets := sampleAssets(3)
	plan, err := BuildPlan(assets, feedback.Modification{AffectedIndices: []int{1, 3}}, backend.KindImage)
	require.NoError(t, err)

	// Only index 1 succeeded; index 3's slot must survive with its old asset.
	merged := Merge(plan, map[int]session.Asset{1: {Index: 1, Ref: "assets/img-r1"}})

	require.Len(t, merged, 3)
	assert.Equal(t, "assets/img-r1", merged[0].Ref)
	assert.Equal(t, assets[2], merged[2])
}

func TestPromptWithModificationFoldsDeltas(t *testing.T) {
	mod := feedback.Modification{
		Tone:         "suspenseful",
		Style:        "noir",
		Saturation:   feedback.DirectionDown,
		FocusAreas:   []string{"the lighthouse"},
		FeedbackText: "less colorful, focus on the lighthouse",
	}

	prompt := PromptWithModification("a quiet harbor at dawn", mod)

	assert.Contains(t, prompt, "a quiet harbor at dawn")
	assert.Contains(t, prompt, "suspenseful")
	assert.Contains(t, prompt, "noir")
	assert.Contains(t, prompt, "Reduce color saturation")
	assert.Contains(t, prompt, "the lighthouse")
}
