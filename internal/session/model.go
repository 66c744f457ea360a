package session

import (
	"time"
)

// Stage identifies one phase of the generation workflow.
type Stage string

const (
	StageStory          Stage = "story"
	StageReferenceImage Stage = "reference_image"
	StageStoryboard     Stage = "storyboard"
	StageVideo          Stage = "video"
	StageComplete       Stage = "complete"
	StageError          Stage = "error"
)

// Next returns the stage that follows s in the normal workflow order.
// Terminal stages return StageComplete.
func (s Stage) Next() Stage {
	switch s {
	case StageStory:
		return StageReferenceImage
	case StageReferenceImage:
		return StageStoryboard
	case StageStoryboard:
		return StageVideo
	default:
		return StageComplete
	}
}

// IsWorking reports whether s is a stage that produces assets,
// as opposed to the terminal complete/error states.
func (s Stage) IsWorking() bool {
	switch s {
	case StageStory, StageReferenceImage, StageStoryboard, StageVideo:
		return true
	}
	return false
}

// Mode selects how the workflow advances between stages.
type Mode string

const (
	ModeInteractive Mode = "interactive" // user approves each stage
	ModeAuto        Mode = "auto"        // stages advance without approval
)

// AssetSource records where an asset came from.
type AssetSource string

const (
	SourceGenerated AssetSource = "generated"
	SourceManual    AssetSource = "manual"
)

// Asset is one generated or user-supplied artifact within a stage output.
// Index is 1-based and stable across selective regeneration.
type Asset struct {
	Index     int         `json:"index"`
	Ref       string      `json:"ref"` // reference string from the artifact store
	Prompt    string      `json:"prompt,omitempty"`
	Score     float64     `json:"score,omitempty"`
	Source    AssetSource `json:"source"`
	Backend   string      `json:"backend,omitempty"` // backend that produced it
	SizeBytes int64       `json:"size_bytes,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// StageOutput holds the result of one completed stage generation.
type StageOutput struct {
	Stage       Stage     `json:"stage"`
	Text        string    `json:"text,omitempty"` // story/scene text for text stages
	Assets      []Asset   `json:"assets,omitempty"`
	Ready       bool      `json:"ready"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn is one entry in the session's conversation history.
type ChatTurn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session represents one interactive generation run.
// Outputs is keyed by stage; History is append-only.
type Session struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"user_id"`
	Status          Stage                  `json:"status"`
	Prompt          string                 `json:"prompt"`
	Title           string                 `json:"title,omitempty"`
	TargetDuration  int                    `json:"target_duration"` // seconds
	Mode            Mode                   `json:"mode"`
	Outputs         map[Stage]*StageOutput `json:"outputs"`
	History         []ChatTurn             `json:"history"`
	StageData       map[string]any         `json:"stage_data,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ErrorCount      int                    `json:"error_count"`
	CancelRequested bool                   `json:"cancel_requested"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ExpiresAt       time.Time              `json:"expires_at"`
}

// Meta is a lightweight projection for listing sessions.
type Meta struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	Status    Stage     `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Output returns the output recorded for the given stage, or nil.
func (s *Session) Output(stage Stage) *StageOutput {
	if s.Outputs == nil {
		return nil
	}
	return s.Outputs[stage]
}

// SetOutput records the output for a stage, allocating the map on first use.
func (s *Session) SetOutput(stage Stage, out *StageOutput) {
	if s.Outputs == nil {
		s.Outputs = make(map[Stage]*StageOutput)
	}
	s.Outputs[stage] = out
}

// Append adds a turn to the conversation history.
func (s *Session) Append(turn ChatTurn) { s.History = append(s.History, turn) }

// ManualAssets returns manual reference assets registered via upload,
// in registration order. Returns nil when none were uploaded.
func (s *Session) ManualAssets() []Asset {
	out := s.Output(StageReferenceImage)
	if out == nil {
		return nil
	}
	var manual []Asset
	for _, a := range out.Assets {
		if a.Source == SourceManual {
			manual = append(manual, a)
		}
	}
	return manual
}
