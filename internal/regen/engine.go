// Package regen decides which assets in a stage output must be regenerated
// for a given modification and which are reused verbatim.
package regen

import (
	"fmt"
	"strings"

	"storyloom/internal/backend"
	"storyloom/internal/feedback"
	"storyloom/internal/session"
)

// Action says what happens to one asset slot when a plan is applied.
type Action string

const (
	ActionRegenerate Action = "regenerate"
	ActionKeep       Action = "keep"
)

// Step is the instruction for a single asset index. Request is populated
// only for regenerate steps; Existing only for keep steps.
type Step struct {
	Index    int
	Action   Action
	Request  backend.Request
	Existing session.Asset
}

// Plan covers every index of a stage output, in index order. Applying a
// plan never changes the asset count or ordering.
type Plan struct {
	Steps []Step
}

// Affected returns the indices the plan will regenerate.
func (p Plan) Affected() []int {
	var out []int
	for _, s := range p.Steps {
		if s.Action == ActionRegenerate {
			out = append(out, s.Index)
		}
	}
	return out
}

// BuildPlan maps a modification onto the existing assets. Affected indices
// get a regenerate step whose request folds the modification deltas into
// the asset's base prompt; everything else is kept unchanged. Indices in
// the modification that do not exist in the output are ignored.
func BuildPlan(existing []session.Asset, mod feedback.Modification, kind backend.Kind) (Plan, error) {
	if len(existing) == 0 {
		return Plan{}, fmt.Errorf("cannot build a regeneration plan over an empty output")
	}

	affected := make(map[int]bool, len(mod.AffectedIndices))
	for _, idx := range mod.AffectedIndices {
		affected[idx] = true
	}

	plan := Plan{Steps: make([]Step, 0, len(existing))}
	for _, asset := range existing {
		if !affected[asset.Index] {
			plan.Steps = append(plan.Steps, Step{Index: asset.Index, Action: ActionKeep, Existing: asset})
			continue
		}
		plan.Steps = append(plan.Steps, Step{
			Index:  asset.Index,
			Action: ActionRegenerate,
			Request: backend.Request{
				Kind:   kind,
				Prompt: PromptWithModification(asset.Prompt, mod),
				Index:  asset.Index,
			},
		})
	}
	return plan, nil
}

// Merge assembles the post-regeneration asset list: kept assets are copied
// through untouched, regenerated slots take their new asset. A regenerated
// slot with no replacement (individual failure inside a batch) keeps its
// previous asset so the output never loses an index.
func Merge(plan Plan, replacements map[int]session.Asset) []session.Asset {
	out := make([]session.Asset, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.Action == ActionKeep {
			out = append(out, step.Existing)
			continue
		}
		if repl, ok := replacements[step.Index]; ok {
			repl.Index = step.Index
			out = append(out, repl)
			continue
		}
		out = append(out, step.Existing)
	}
	return out
}

// PromptWithModification folds modification deltas into a base prompt as
// appended directives, leaving the original intent in place.
func PromptWithModification(base string, mod feedback.Modification) string {
	var parts []string
	if base != "" {
		parts = append(parts, base)
	}
	if mod.Tone != "" {
		parts = append(parts, fmt.Sprintf("Adjust the tone to be %s.", mod.Tone))
	}
	if mod.Style != "" {
		parts = append(parts, fmt.Sprintf("Render in a %s style.", mod.Style))
	}
	switch mod.Brightness {
	case feedback.DirectionUp:
		parts = append(parts, "Make the image brighter.")
	case feedback.DirectionDown:
		parts = append(parts, "Make the image darker.")
	}
	switch mod.Saturation {
	case feedback.DirectionUp:
		parts = append(parts, "Increase color saturation.")
	case feedback.DirectionDown:
		parts = append(parts, "Reduce color saturation.")
	}
	if mod.ModifyBackground {
		parts = append(parts, "Rework the background.")
	}
	if mod.ModifyCharacter {
		parts = append(parts, "Rework the main character.")
	}
	if mod.ModifyLighting {
		parts = append(parts, "Rework the lighting.")
	}
	if len(mod.FocusAreas) > 0 {
		parts = append(parts, fmt.Sprintf("Pay particular attention to: %s.", strings.Join(mod.FocusAreas, ", ")))
	}
	for _, change := range mod.StructureChanges {
		parts = append(parts, change)
	}
	if mod.FeedbackText != "" {
		parts = append(parts, fmt.Sprintf("User feedback: %s", mod.FeedbackText))
	}
	return strings.Join(parts, " ")
}
