// Package progress publishes stage progress events to whatever push
// channel the deployment wires up.
package progress

import "context"

// Status is the coarse state of a stage reported to clients.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is one progress update for a session. Payload is optional
// stage-specific detail (asset counts, refs).
type Event struct {
	SessionID string         `json:"session_id"`
	Stage     string         `json:"stage"`
	Status    Status         `json:"status"`
	Percent   int            `json:"percent"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier delivers events. Delivery is at-least-once; ordering within one
// session is best-effort.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopNotifier drops every event. Used when no push channel is configured
// and in tests.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Publish(_ context.Context, _ Event) error { return nil }

func (n *NoopNotifier) Close() error { return nil }
