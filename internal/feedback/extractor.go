package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"storyloom/internal/session"
)

// Completer is the minimal language-model surface the extractor needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// modificationSchema constrains what the model may hand back. Anything
// outside it is rejected and the rule fallback takes over.
const modificationSchema = `{
	"type": "object",
	"properties": {
		"tone": {"type": "string"},
		"style": {"type": "string"},
		"brightness": {"type": "string", "enum": ["increase", "decrease", ""]},
		"saturation": {"type": "string", "enum": ["increase", "decrease", ""]},
		"focus_areas": {"type": "array", "items": {"type": "string"}},
		"structure_changes": {"type": "array", "items": {"type": "string"}},
		"modify_background": {"type": "boolean"},
		"modify_character": {"type": "boolean"},
		"modify_lighting": {"type": "boolean"},
		"extra": {"type": "object"}
	},
	"additionalProperties": false
}`

const extractorSystemPrompt = `You translate user feedback on generated media into a JSON object.
Respond with a single JSON object and nothing else. Recognized fields:
tone, style, brightness ("increase"/"decrease"), saturation ("increase"/"decrease"),
focus_areas (array of strings), structure_changes (array of strings),
modify_background, modify_character, modify_lighting (booleans).
Omit fields the feedback does not mention. Put anything recognizable but
unclassifiable under "extra".`

// Extractor maps free-text feedback onto a Modification: model-assisted
// first, deterministic keyword rules as the fallback. The fallback never
// fails; worst case the result is an empty Modification.
type Extractor struct {
	llm    Completer
	schema *gojsonschema.Schema
	logger *zap.Logger
}

// NewExtractor creates an extractor. llm may be nil, in which case only
// the rule-based path runs.
func NewExtractor(llm Completer, logger *zap.Logger) (*Extractor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(modificationSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile modification schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{llm: llm, schema: schema, logger: logger}, nil
}

// Extract interprets feedback against a stage with assetCount assets.
// preselected, when non-empty, pins AffectedIndices regardless of the
// text. history supplies conversational context to the model.
func (e *Extractor) Extract(ctx context.Context, feedback string, stage session.Stage, assetCount int, preselected []int, history []session.ChatTurn) Modification {
	if strings.TrimSpace(feedback) == "" && len(preselected) == 0 {
		return Modification{}
	}

	mod := e.extractStructured(ctx, feedback, stage, history)
	mod.FeedbackText = feedback
	mod.AffectedIndices = ParseAssetIndices(feedback, assetCount, preselected)
	return mod
}

// extractStructured runs the model path and falls back to keyword rules on
// any failure: transport error, non-JSON output, or schema violation.
func (e *Extractor) extractStructured(ctx context.Context, feedback string, stage session.Stage, history []session.ChatTurn) Modification {
	if e.llm == nil || strings.TrimSpace(feedback) == "" {
		return ExtractWithRules(feedback)
	}

	raw, err := e.llm.Complete(ctx, extractorSystemPrompt, e.buildUserPrompt(feedback, stage, history))
	if err != nil {
		e.logger.Warn("model-assisted extraction failed, using rules", zap.Error(err))
		return ExtractWithRules(feedback)
	}

	doc := extractJSONObject(raw)
	if doc == "" {
		e.logger.Warn("extractor returned no JSON object, using rules")
		return ExtractWithRules(feedback)
	}

	result, err := e.schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil || !result.Valid() {
		e.logger.Warn("extractor output failed schema validation, using rules",
			zap.Error(err), zap.Any("violations", validationMessages(result)))
		return ExtractWithRules(feedback)
	}

	var mod Modification
	if err := json.Unmarshal([]byte(doc), &mod); err != nil {
		e.logger.Warn("extractor output failed to decode, using rules", zap.Error(err))
		return ExtractWithRules(feedback)
	}
	return mod
}

func (e *Extractor) buildUserPrompt(feedback string, stage session.Stage, history []session.ChatTurn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current stage: %s\n", stage)
	// A short context window is enough; the raw feedback carries the intent.
	const window = 6
	start := 0
	if len(history) > window {
		start = len(history) - window
	}
	for _, turn := range history[start:] {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
	}
	fmt.Fprintf(&b, "\nFeedback to interpret:\n%s\n", feedback)
	return b.String()
}

// extractJSONObject pulls the first top-level JSON object out of a model
// response that may be wrapped in prose or code fences.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	candidate := raw[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return ""
	}
	return candidate
}

func validationMessages(result *gojsonschema.Result) []string {
	if result == nil {
		return nil
	}
	var msgs []string
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return msgs
}
