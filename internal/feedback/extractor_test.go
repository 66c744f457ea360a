package feedback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/session"
)

type fakeCompleter struct {
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.response, f.err
}

func newTestExtractor(t *testing.T, llm Completer) *Extractor {
	t.Helper()
	e, err := NewExtractor(llm, nil)
	require.NoError(t, err)
	return e
}

func TestExtractEmptyFeedbackIsNoOp(t *testing.T) {
	llm := &fakeCompleter{}
	e := newTestExtractor(t, llm)

	mod := e.Extract(context.Background(), "   ", session.StageReferenceImage, 4, nil, nil)

	assert.True(t, mod.IsZero())
	assert.Empty(t, mod.AffectedIndices)
	assert.Zero(t, llm.calls, "empty feedback must not hit the model")
}

func TestExtractModelPath(t *testing.T) {
	llm := &fakeCompleter{response: `Here you go:
{"tone": "dramatic", "brightness": "decrease", "modify_background": true}`}
	e := newTestExtractor(t, llm)

	mod := e.Extract(context.Background(), "make the background darker and more dramatic, clips 1-2",
		session.StageStoryboard, 4, nil, nil)

	assert.Equal(t, "dramatic", mod.Tone)
	assert.Equal(t, DirectionDown, mod.Brightness)
	assert.True(t, mod.ModifyBackground)
	assert.Equal(t, []int{1, 2}, mod.AffectedIndices)
	assert.Equal(t, "make the background darker and more dramatic, clips 1-2", mod.FeedbackText)
}

func TestExtractFallsBackOnModelError(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("upstream 503")}
	e := newTestExtractor(t, llm)

	mod := e.Extract(context.Background(), "make it darker and more dramatic",
		session.StageReferenceImage, 3, nil, nil)

	// Rule fallback still recognizes the intent.
	assert.Equal(t, DirectionDown, mod.Brightness)
	assert.Equal(t, "dramatic", mod.Tone)
	assert.Equal(t, []int{1, 2, 3}, mod.AffectedIndices)
}

func TestExtractFallsBackOnSchemaViolation(t *testing.T) {
	// "brightness": "way down" violates the enum; "shiny" is an unknown key.
	llm := &fakeCompleter{response: `{"brightness": "way down", "shiny": true}`}
	e := newTestExtractor(t, llm)

	mod := e.Extract(context.Background(), "brighter please", session.StageReferenceImage, 2, nil, nil)

	assert.Equal(t, DirectionUp, mod.Brightness, "rule fallback should interpret the raw feedback")
}

func TestExtractFallsBackOnNonJSON(t *testing.T) {
	llm := &fakeCompleter{response: "sorry, I can't do that"}
	e := newTestExtractor(t, llm)

	mod := e.Extract(context.Background(), "use a watercolor style", session.StageReferenceImage, 2, nil, nil)

	assert.Equal(t, "watercolor", mod.Style)
}

func TestExtractPreselectedWithoutText(t *testing.T) {
	e := newTestExtractor(t, nil)

	mod := e.Extract(context.Background(), "", session.StageVideo, 5, []int{3}, nil)

	assert.Equal(t, []int{3}, mod.AffectedIndices)
	assert.True(t, mod.IsZero())
}

func TestExtractWithRulesNeverPanicsOnGarbage(t *testing.T) {
	for _, input := range []string{"", "????", "12345", "\x00\xff", "ALL CAPS SHOUTING"} {
		assert.NotPanics(t, func() { ExtractWithRules(input) })
	}
}
