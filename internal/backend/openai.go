package backend

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIImageBackend generates still images through the OpenAI Images API
// (or any OpenAI-compatible endpoint via a custom base URL). Submit
// performs the call synchronously; Poll returns the buffered result.
type OpenAIImageBackend struct {
	client *openai.Client
	model  string
	name   string
	cache  *syncResults
}

// NewOpenAIImageBackend creates an image-generation backend. baseURL may be
// empty for the default OpenAI endpoint.
func NewOpenAIImageBackend(apiKey, model, baseURL string) (*OpenAIImageBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	name := "openai/" + model
	if baseURL != "" {
		name = "openai-compat/" + model
	}
	return &OpenAIImageBackend{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		name:   name,
		cache:  newSyncResults(),
	}, nil
}

func (b *OpenAIImageBackend) Name() string { return b.name }

func (b *OpenAIImageBackend) Submit(ctx context.Context, req Request) (Handle, error) {
	if req.Kind != KindImage {
		return Handle{}, NewError(fmt.Errorf("openai image backend cannot generate %s assets", req.Kind), ClassNonRetryable)
	}
	if req.Prompt == "" {
		return Handle{}, NewError(fmt.Errorf("image request has an empty prompt"), ClassNonRetryable)
	}

	resp, err := b.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          b.model,
		N:              1,
		Size:           imageSizeFor(req),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return Handle{}, wrapOpenAIError(err)
	}
	if len(resp.Data) == 0 {
		return Handle{}, NewError(fmt.Errorf("openai returned no image data"), ClassRetryable)
	}

	id := b.cache.put(&Result{
		URL:     resp.Data[0].URL,
		Backend: b.name,
	})
	return Handle{ID: id, Backend: b.name}, nil
}

func (b *OpenAIImageBackend) Poll(ctx context.Context, h Handle) (PollResult, error) {
	return pollSync(ctx, b.cache, h)
}

func (b *OpenAIImageBackend) Cancel(_ context.Context, h Handle) error {
	b.cache.drop(h.ID)
	return nil
}

func imageSizeFor(req Request) string {
	if v, ok := req.Params["size"].(string); ok && v != "" {
		return v
	}
	return openai.CreateImageSize1024x1024
}

// wrapOpenAIError maps SDK errors onto the typed backend error using the
// HTTP status the SDK reports; unwrapped errors fall back to the string
// classifier.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return WrapHTTP(err, apiErr.HTTPStatusCode)
	}
	return NewError(err, classifyMessage(err))
}
