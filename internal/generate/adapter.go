// Package generate implements the resilient generation adapter: retry with
// exponential backoff on one backend, fallback across an ordered cascade,
// fixed-interval polling for asynchronous jobs, and cooperative
// cancellation checked at every suspension point.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"storyloom/internal/backend"
)

// CancelCheck reports whether the user has requested cancellation. It is
// polled before every attempt, before every per-asset unit of work and on
// every poll tick; a true result supersedes retry and fallback logic.
type CancelCheck func() bool

// NeverCancelled is the check used when no cancellation source exists.
func NeverCancelled() bool { return false }

// Policy parameterizes one Generate call.
type Policy struct {
	MaxRetriesPerBackend int           // attempts per backend before falling over
	InitialDelay         time.Duration // backoff base
	MaxDelay             time.Duration // backoff cap
	Multiplier           float64       // exponential factor, e.g. 2.0
	Jitter               bool          // add 0-20% random variation
	PollInterval         time.Duration // fixed poll cadence for async jobs
	PollTimeout          time.Duration // wall-clock bound on one job's polling
}

// DefaultPolicy is tuned for external generation services: patient with
// transient failures, bounded to minutes overall.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetriesPerBackend: 3,
		InitialDelay:         2 * time.Second,
		MaxDelay:             30 * time.Second,
		Multiplier:           2.0,
		Jitter:               true,
		PollInterval:         3 * time.Second,
		PollTimeout:          5 * time.Minute,
	}
}

// ErrCancelled is the sentinel for user-initiated aborts. It is detected
// with errors.Is, never by matching the message.
var ErrCancelled = errors.New("generation cancelled by user")

// ExhaustedError reports that every backend in the cascade failed after
// its retries. LastErr is the final failure for diagnostics.
type ExhaustedError struct {
	Backends int
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d backends exhausted after %d attempts: %v", e.Backends, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Adapter runs generation calls against a fallback cascade.
type Adapter struct {
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error // stubbed in tests
}

// NewAdapter creates an adapter with the given policy.
func NewAdapter(policy Policy, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{policy: policy, logger: logger, sleep: sleepCtx}
}

// Policy returns the adapter's configured policy.
func (a *Adapter) Policy() Policy { return a.policy }

// Generate runs req against the cascade. Per backend: transient failures
// back off and retry on the same backend; non-retryable failures abandon
// the backend immediately and advance to the next one. A successful submit
// is polled to a terminal state; a poll timeout counts as a non-retryable
// failure on that backend. Cancellation short-circuits everything and
// returns ErrCancelled.
func (a *Adapter) Generate(ctx context.Context, req backend.Request, backends []backend.Backend, cancel CancelCheck) (*backend.Result, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends configured for %s generation", req.Kind)
	}
	if cancel == nil {
		cancel = NeverCancelled
	}

	var lastErr error
	totalAttempts := 0

	for _, be := range backends {
		for attempt := 1; attempt <= a.policy.MaxRetriesPerBackend; attempt++ {
			if cancel() {
				return nil, ErrCancelled
			}
			totalAttempts++

			result, err := a.attempt(ctx, be, req, cancel)
			if err == nil {
				return result, nil
			}
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				return nil, ErrCancelled
			}

			lastErr = err
			class := Classify(err)
			a.logger.Warn("generation attempt failed",
				zap.String("backend", be.Name()),
				zap.String("kind", string(req.Kind)),
				zap.Int("attempt", attempt),
				zap.String("class", string(class)),
				zap.Error(err))

			if class == backend.ClassNonRetryable {
				break // next backend
			}
			if attempt == a.policy.MaxRetriesPerBackend {
				break // retries exhausted on this backend
			}

			delay := a.backoff(attempt)
			if err := a.sleep(ctx, delay); err != nil {
				return nil, ErrCancelled
			}
		}
	}

	return nil, &ExhaustedError{Backends: len(backends), Attempts: totalAttempts, LastErr: lastErr}
}

// attempt submits once and drives the job to a terminal state.
func (a *Adapter) attempt(ctx context.Context, be backend.Backend, req backend.Request, cancel CancelCheck) (*backend.Result, error) {
	handle, err := be.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := a.poll(ctx, be, handle, cancel)
	if errors.Is(err, ErrCancelled) {
		// Best-effort remote abort; the user is not waiting for it.
		cancelCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFn()
		if cerr := be.Cancel(cancelCtx, handle); cerr != nil {
			a.logger.Debug("remote cancel failed", zap.String("backend", be.Name()), zap.Error(cerr))
		}
		return nil, ErrCancelled
	}
	return res, err
}

// poll waits for the handle to reach a terminal state at a fixed interval,
// bounded by the policy's wall-clock timeout. Timeout is reported as a
// non-retryable backend failure so the cascade falls through.
func (a *Adapter) poll(ctx context.Context, be backend.Backend, h backend.Handle, cancel CancelCheck) (*backend.Result, error) {
	deadline := time.Now().Add(a.policy.PollTimeout)

	for {
		if cancel() {
			return nil, ErrCancelled
		}

		pr, err := be.Poll(ctx, h)
		if err != nil {
			return nil, err
		}

		switch pr.Status {
		case backend.StatusSucceeded:
			if pr.Result == nil {
				return nil, backend.NewError(fmt.Errorf("backend %s reported success without a result", be.Name()), backend.ClassRetryable)
			}
			pr.Result.Backend = be.Name()
			return pr.Result, nil
		case backend.StatusFailed:
			if pr.Err != nil {
				return nil, pr.Err
			}
			return nil, backend.NewError(fmt.Errorf("backend %s reported failure without detail", be.Name()), backend.ClassRetryable)
		case backend.StatusCancelled:
			return nil, ErrCancelled
		}

		if time.Now().After(deadline) {
			return nil, backend.NewError(
				fmt.Errorf("generation on %s did not finish within %s", be.Name(), a.policy.PollTimeout),
				backend.ClassNonRetryable)
		}
		if err := a.sleep(ctx, a.policy.PollInterval); err != nil {
			return nil, ErrCancelled
		}
	}
}

// backoff computes the delay before retry number attempt+1 on the same
// backend: min(initial * mult^(attempt-1), max), with optional jitter.
func (a *Adapter) backoff(attempt int) time.Duration {
	delay := float64(a.policy.InitialDelay) * math.Pow(a.policy.Multiplier, float64(attempt-1))
	if delay > float64(a.policy.MaxDelay) {
		delay = float64(a.policy.MaxDelay)
	}
	if a.policy.Jitter {
		delay += rand.Float64() * 0.2 * delay
	}
	return time.Duration(delay)
}

// Classify returns the retry class of err. Typed backend errors carry
// their class; anything else is treated as non-retryable.
func Classify(err error) backend.FailClass {
	var berr *backend.Error
	if errors.As(err, &berr) {
		return berr.Class
	}
	return backend.ClassNonRetryable
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
