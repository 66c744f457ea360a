// Package feedback turns free-text user feedback into a structured
// modification record and the set of asset indices it targets.
package feedback

// Direction is a coarse adjustment direction for a visual property.
type Direction string

const (
	DirectionUp   Direction = "increase"
	DirectionDown Direction = "decrease"
)

// Modification is the structured interpretation of one piece of feedback.
// All fields are optional; the zero value is a no-op. Unrecognized but
// well-formed extractor output lands in Extra rather than being dropped.
type Modification struct {
	Tone             string         `json:"tone,omitempty"`
	Style            string         `json:"style,omitempty"`
	Brightness       Direction      `json:"brightness,omitempty"`
	Saturation       Direction      `json:"saturation,omitempty"`
	FocusAreas       []string       `json:"focus_areas,omitempty"`
	StructureChanges []string       `json:"structure_changes,omitempty"`
	ModifyBackground bool           `json:"modify_background,omitempty"`
	ModifyCharacter  bool           `json:"modify_character,omitempty"`
	ModifyLighting   bool           `json:"modify_lighting,omitempty"`
	FeedbackText     string         `json:"feedback_text,omitempty"`
	AffectedIndices  []int          `json:"affected_indices,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// IsZero reports whether the modification carries no instructions beyond
// the raw feedback passthrough.
func (m Modification) IsZero() bool {
	return m.Tone == "" && m.Style == "" &&
		m.Brightness == "" && m.Saturation == "" &&
		len(m.FocusAreas) == 0 && len(m.StructureChanges) == 0 &&
		!m.ModifyBackground && !m.ModifyCharacter && !m.ModifyLighting &&
		len(m.Extra) == 0
}
