package backend

import (
	"fmt"
	"os"
)

// Cascades holds the ordered fallback list per asset kind: primary first,
// then alternates tried only after the primary is exhausted.
type Cascades map[Kind][]Backend

// NewCascadesFromEnv builds the backend cascades from environment
// variables. At minimum ANTHROPIC_API_KEY and OPENAI_API_KEY must be set;
// everything else is optional fallback configuration.
func NewCascadesFromEnv() (Cascades, *AnthropicBackend, error) {
	cascades := make(Cascades)

	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	if anthropicKey == "" {
		return nil, nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	storyModel := envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514")
	primary, err := NewAnthropicBackend(anthropicKey, storyModel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create story backend: %w", err)
	}
	cascades[KindStory] = []Backend{primary}

	if fallbackModel := os.Getenv("STORY_FALLBACK_MODEL"); fallbackModel != "" {
		fb, err := NewAnthropicBackend(anthropicKey, fallbackModel)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create story fallback backend: %w", err)
		}
		cascades[KindStory] = append(cascades[KindStory], fb)
	}

	openaiKey := os.Getenv("OPENAI_API_KEY")
	if openaiKey == "" {
		return nil, nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	imageModel := envOr("OPENAI_IMAGE_MODEL", "dall-e-3")
	img, err := NewOpenAIImageBackend(openaiKey, imageModel, os.Getenv("OPENAI_BASE_URL"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create image backend: %w", err)
	}
	cascades[KindImage] = []Backend{img}

	// An OpenAI-compatible endpoint (e.g. a self-hosted SDXL gateway) can
	// serve as the image fallback.
	if fbURL := os.Getenv("IMAGE_FALLBACK_BASE_URL"); fbURL != "" {
		fb, err := NewOpenAIImageBackend(
			envOr("IMAGE_FALLBACK_API_KEY", openaiKey),
			envOr("IMAGE_FALLBACK_MODEL", imageModel),
			fbURL,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create image fallback backend: %w", err)
		}
		cascades[KindImage] = append(cascades[KindImage], fb)
	}

	if videoURL := os.Getenv("VIDEO_SERVICE_URL"); videoURL != "" {
		vb, err := NewHTTPVideoBackend("video-primary", videoURL, os.Getenv("VIDEO_SERVICE_API_KEY"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create video backend: %w", err)
		}
		cascades[KindVideo] = []Backend{vb}

		if fbURL := os.Getenv("VIDEO_FALLBACK_URL"); fbURL != "" {
			fb, err := NewHTTPVideoBackend("video-fallback", fbURL, os.Getenv("VIDEO_FALLBACK_API_KEY"))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create video fallback backend: %w", err)
			}
			cascades[KindVideo] = append(cascades[KindVideo], fb)
		}
	}

	return cascades, primary, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
