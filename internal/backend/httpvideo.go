package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPVideoBackend talks to an asynchronous video-generation service with
// the common submit/poll/cancel REST shape: POST returns a job ID, GET
// reports job state, DELETE aborts. This is the only backend whose work
// genuinely outlives Submit, so it is the one that exercises the adapter's
// poll loop.
type HTTPVideoBackend struct {
	baseURL string
	apiKey  string
	name    string
	client  *http.Client
}

// NewHTTPVideoBackend creates a video backend for the service at baseURL.
func NewHTTPVideoBackend(name, baseURL, apiKey string) (*HTTPVideoBackend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("video backend base URL is required")
	}
	return &HTTPVideoBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		name:    name,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (b *HTTPVideoBackend) Name() string { return b.name }

type videoSubmitRequest struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type videoSubmitResponse struct {
	ID string `json:"id"`
}

type videoJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued, running, succeeded, failed, cancelled
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b *HTTPVideoBackend) Submit(ctx context.Context, req Request) (Handle, error) {
	if req.Kind != KindVideo {
		return Handle{}, NewError(fmt.Errorf("video backend cannot generate %s assets", req.Kind), ClassNonRetryable)
	}

	body, err := json.Marshal(videoSubmitRequest{
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		return Handle{}, NewError(err, ClassNonRetryable)
	}

	var resp videoSubmitResponse
	if err := b.do(ctx, http.MethodPost, "/v1/generations", bytes.NewReader(body), &resp); err != nil {
		return Handle{}, err
	}
	if resp.ID == "" {
		return Handle{}, NewError(fmt.Errorf("video service accepted the job but returned no id"), ClassRetryable)
	}
	return Handle{ID: resp.ID, Backend: b.name}, nil
}

func (b *HTTPVideoBackend) Poll(ctx context.Context, h Handle) (PollResult, error) {
	var job videoJobResponse
	if err := b.do(ctx, http.MethodGet, "/v1/generations/"+h.ID, nil, &job); err != nil {
		return PollResult{}, err
	}

	switch job.Status {
	case "succeeded":
		return PollResult{
			Status: StatusSucceeded,
			Result: &Result{URL: job.URL, Backend: b.name},
		}, nil
	case "failed":
		return PollResult{
			Status: StatusFailed,
			Err:    NewError(fmt.Errorf("video generation failed: %s", job.Error), ClassNonRetryable),
		}, nil
	case "cancelled":
		return PollResult{Status: StatusCancelled}, nil
	default:
		return PollResult{Status: StatusPending}, nil
	}
}

// Cancel is best-effort: a 404 means the job already finished or was never
// created, which is fine.
func (b *HTTPVideoBackend) Cancel(ctx context.Context, h Handle) error {
	err := b.do(ctx, http.MethodDelete, "/v1/generations/"+h.ID, nil, nil)
	var berr *Error
	if err != nil && errors.As(err, &berr) && berr.HTTPStatus == http.StatusNotFound {
		return nil
	}
	return err
}

func (b *HTTPVideoBackend) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return NewError(err, ClassNonRetryable)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return NewError(err, ClassRetryable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return WrapHTTP(fmt.Errorf("video service %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data)), resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(fmt.Errorf("failed to decode video service response: %w", err), ClassRetryable)
	}
	return nil
}
