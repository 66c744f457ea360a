// Package backend defines the generation backend contract the orchestrator
// calls through, plus the concrete provider implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the type of asset a request produces.
type Kind string

const (
	KindStory Kind = "story" // narrative text with a scene breakdown
	KindImage Kind = "image" // still image
	KindVideo Kind = "video" // video clip
)

// Request describes one asset-generation call. Index is the 1-based asset
// slot the result belongs to within its stage.
type Request struct {
	Kind            Kind           `json:"kind"`
	Prompt          string         `json:"prompt"`
	Index           int            `json:"index"`
	DurationSeconds int            `json:"duration_seconds,omitempty"` // video clips
	Params          map[string]any `json:"params,omitempty"`
}

// Result is the terminal output of a generation call.
type Result struct {
	Text      string // populated for text kinds
	URL       string // remote location of the generated media, if any
	Data      []byte // inline media bytes, if the backend returns them directly
	Backend   string // name of the backend that produced the result
	SizeBytes int64
}

// Handle references an in-flight generation on a specific backend.
type Handle struct {
	ID      string
	Backend string
}

// Status is the observable state of a submitted generation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PollResult reports the state of a handle. Result is set only when Status
// is StatusSucceeded; Err only when StatusFailed.
type PollResult struct {
	Status Status
	Result *Result
	Err    error
}

// Backend is one generation provider. Submit must be idempotent to
// re-submission after a network-level failure. Synchronous providers may
// complete the work inside Submit and have Poll return the buffered result
// immediately.
type Backend interface {
	Name() string
	Submit(ctx context.Context, req Request) (Handle, error)
	Poll(ctx context.Context, h Handle) (PollResult, error)
	Cancel(ctx context.Context, h Handle) error
}

// FailClass says whether a backend failure is worth retrying on the same
// backend.
type FailClass string

const (
	ClassRetryable    FailClass = "retryable"     // rate limit, timeout, 5xx
	ClassNonRetryable FailClass = "non_retryable" // validation, malformed request
)

// Error carries classification metadata with a backend failure so the
// caller never has to string-match on the message.
type Error struct {
	Err        error
	Class      FailClass
	HTTPStatus int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("backend error: %s", e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an explicit class.
func NewError(err error, class FailClass) *Error {
	return &Error{Err: err, Class: class}
}

// WrapHTTP wraps err with a class derived from an HTTP status code.
func WrapHTTP(err error, status int) *Error {
	class := ClassNonRetryable
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		class = ClassRetryable
	}
	return &Error{Err: err, Class: class, HTTPStatus: status}
}

// ErrUnknownHandle is returned by Poll/Cancel for a handle the backend has
// no record of.
var ErrUnknownHandle = errors.New("unknown generation handle")
