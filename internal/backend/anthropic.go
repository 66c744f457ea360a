package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

// AnthropicBackend generates narrative text (story and storyboard scene
// descriptions) through the Anthropic Messages API. Submit performs the
// call synchronously; Poll returns the buffered result.
type AnthropicBackend struct {
	client *anthropic.Client
	model  string
	name   string
	cache  *syncResults
}

// NewAnthropicBackend creates a text-generation backend.
func NewAnthropicBackend(apiKey, model string) (*AnthropicBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return &AnthropicBackend{
		client: anthropic.NewClient(apiKey),
		model:  model,
		name:   "anthropic/" + model,
		cache:  newSyncResults(),
	}, nil
}

func (b *AnthropicBackend) Name() string { return b.name }

// Submit runs the text generation call and stores the result under a fresh
// handle.
func (b *AnthropicBackend) Submit(ctx context.Context, req Request) (Handle, error) {
	if req.Kind != KindStory {
		return Handle{}, NewError(fmt.Errorf("anthropic backend cannot generate %s assets", req.Kind), ClassNonRetryable)
	}

	text, err := b.Complete(ctx, systemPromptFor(req), req.Prompt)
	if err != nil {
		return Handle{}, err
	}

	id := b.cache.put(&Result{
		Text:      text,
		Backend:   b.name,
		SizeBytes: int64(len(text)),
	})
	return Handle{ID: id, Backend: b.name}, nil
}

func (b *AnthropicBackend) Poll(ctx context.Context, h Handle) (PollResult, error) {
	return pollSync(ctx, b.cache, h)
}

// Cancel drops any buffered result. The remote call has already finished,
// so there is nothing to abort upstream.
func (b *AnthropicBackend) Cancel(_ context.Context, h Handle) error {
	b.cache.drop(h.ID)
	return nil
}

// Complete issues a single-turn chat completion. Also used directly by the
// feedback extractor.
func (b *AnthropicBackend) Complete(ctx context.Context, system, user string) (string, error) {
	temperature := float32(0.7)
	req := anthropic.MessagesRequest{
		Model: anthropic.Model(b.model),
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(user)},
			},
		},
		MaxTokens:   4096,
		Temperature: &temperature,
	}
	if system != "" {
		req.MultiSystem = []anthropic.MessageSystemPart{{Type: "text", Text: system}}
	}

	resp, err := b.client.CreateMessages(ctx, req)
	if err != nil {
		return "", wrapAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	if text.Len() == 0 {
		return "", NewError(fmt.Errorf("anthropic returned an empty completion"), ClassRetryable)
	}
	return text.String(), nil
}

func systemPromptFor(req Request) string {
	if v, ok := req.Params["system"].(string); ok {
		return v
	}
	return ""
}

// wrapAnthropicError maps SDK errors onto the typed backend error. The SDK
// exposes the HTTP status on its APIError; anything else falls back to the
// string classifier.
func wrapAnthropicError(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		status := httpStatusForAnthropicType(apiErr.Type)
		return WrapHTTP(err, status)
	}
	return NewError(err, classifyMessage(err))
}

func httpStatusForAnthropicType(t anthropic.ErrType) int {
	switch t {
	case anthropic.ErrTypeRateLimit:
		return http.StatusTooManyRequests
	case anthropic.ErrTypeOverloaded, anthropic.ErrTypeApi:
		return http.StatusInternalServerError
	case anthropic.ErrTypeAuthentication:
		return http.StatusUnauthorized
	case anthropic.ErrTypePermission:
		return http.StatusForbidden
	case anthropic.ErrTypeNotFound:
		return http.StatusNotFound
	case anthropic.ErrTypeInvalidRequest:
		return http.StatusBadRequest
	default:
		return 0
	}
}

// classifyMessage is the fallback classifier for errors that reach us
// without structured metadata (network failures, unwrapped SDK errors).
func classifyMessage(err error) FailClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "temporary failure"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ClassRetryable
	default:
		return ClassNonRetryable
	}
}
