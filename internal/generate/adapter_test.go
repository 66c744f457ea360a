package generate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/backend"
)

// fakeBackend scripts Submit outcomes and, optionally, a sequence of poll
// states before the terminal one.
type fakeBackend struct {
	name        string
	submitErrs  []error // consumed per submit; nil entry means success
	submits     int
	pollPending int // number of pending polls before success
	polls       int
	cancels     int
	result      *backend.Result
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Submit(_ context.Context, _ backend.Request) (backend.Handle, error) {
	idx := f.submits
	f.submits++
	if idx < len(f.submitErrs) && f.submitErrs[idx] != nil {
		return backend.Handle{}, f.submitErrs[idx]
	}
	return backend.Handle{ID: fmt.Sprintf("job-%d", idx), Backend: f.name}, nil
}

func (f *fakeBackend) Poll(_ context.Context, _ backend.Handle) (backend.PollResult, error) {
	f.polls++
	if f.polls <= f.pollPending {
		return backend.PollResult{Status: backend.StatusPending}, nil
	}
	res := f.result
	if res == nil {
		res = &backend.Result{Text: "ok"}
	}
	return backend.PollResult{Status: backend.StatusSucceeded, Result: res}, nil
}

func (f *fakeBackend) Cancel(_ context.Context, _ backend.Handle) error {
	f.cancels++
	return nil
}

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := NewAdapter(Policy{
		MaxRetriesPerBackend: 3,
		InitialDelay:         time.Millisecond,
		MaxDelay:             5 * time.Millisecond,
		Multiplier:           2.0,
		PollInterval:         time.Millisecond,
		PollTimeout:          time.Second,
	}, nil)
	a.sleep = func(context.Context, time.Duration) error { return nil }
	return a
}

func retryableErr() error {
	return backend.NewError(errors.New("upstream returned 503"), backend.ClassRetryable)
}

func fatalErr() error {
	return backend.NewError(errors.New("invalid prompt"), backend.ClassNonRetryable)
}

func TestGenerateFallsOverAfterNonRetryable(t *testing.T) {
	primary := &fakeBackend{name: "primary", submitErrs: []error{fatalErr()}}
	fallback := &fakeBackend{name: "fallback", result: &backend.Result{Text: "from fallback"}}

	a := testAdapter(t)
	res, err := a.Generate(context.Background(), backend.Request{Kind: backend.KindStory}, []backend.Backend{primary, fallback}, nil)
	require.NoError(t, err)

	assert.Equal(t, "from fallback", res.Text)
	assert.Equal(t, "fallback", res.Backend)
	assert.Equal(t, 1, primary.submits, "non-retryable failure must not be retried on the same backend")
	assert.Equal(t, 1, fallback.submits)
}

func TestGenerateRetriesTransientOnSameBackend(t *testing.T) {
	primary := &fakeBackend{name: "primary", submitErrs: []error{retryableErr(), retryableErr(), nil}}
	fallback := &fakeBackend{name: "fallback"}

	a := testAdapter(t)
	res, err := a.Generate(context.Background(), backend.Request{Kind: backend.KindImage}, []backend.Backend{primary, fallback}, nil)
	require.NoError(t, err)

	assert.Equal(t, "primary", res.Backend)
	assert.Equal(t, 3, primary.submits)
	assert.Equal(t, 0, fallback.submits, "fallback must not be touched while the primary still has retries")
}

func TestGenerateExhaustsAllBackends(t *testing.T) {
	mk := func(name string) *fakeBackend {
		return &fakeBackend{name: name, submitErrs: []error{retryableErr(), retryableErr(), retryableErr()}}
	}
	primary, fallback := mk("primary"), mk("fallback")

	a := testAdapter(t)
	_, err := a.Generate(context.Background(), backend.Request{Kind: backend.KindImage}, []backend.Backend{primary, fallback}, nil)
	require.Error(t, err)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 2, ex.Backends)
	assert.Equal(t, 6, ex.Attempts)
	assert.ErrorContains(t, ex.LastErr, "503")
	assert.Equal(t, 3, primary.submits)
	assert.Equal(t, 3, fallback.submits)
}

func TestGenerateCancelledBeforeAnyAttempt(t *testing.T) {
	primary := &fakeBackend{name: "primary"}

	a := testAdapter(t)
	_, err := a.Generate(context.Background(), backend.Request{Kind: backend.KindVideo},
		[]backend.Backend{primary}, func() bool { return true })

	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, primary.submits, "no backend may be called after cancellation")
}

func TestGenerateCancelledDuringPollAbortsRemote(t *testing.T) {
	var polled bool
	primary := &fakeBackend{name: "primary", pollPending: 100}

	a := testAdapter(t)
	cancel := func() bool {
		// Allow submit, then cancel on the first poll check.
		if polled {
			return true
		}
		polled = true
		return false
	}
	_, err := a.Generate(context.Background(), backend.Request{Kind: backend.KindVideo},
		[]backend.Backend{primary}, cancel)

	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, primary.submits)
	assert.Equal(t, 1, primary.cancels, "in-flight remote job must get a best-effort cancel")
}

func TestGeneratePollTimeoutFallsThrough(t *testing.T) {
	primary := &fakeBackend{name: "primary", pollPending: 1 << 30}
	fallback := &fakeBackend{name: "fallback", result: &backend.Result{URL: "https://cdn/clip.mp4"}}

	a := testAdapter(t)
	a.policy.PollTimeout = 0 // first pending poll exceeds the deadline

	res, err := a.Generate(context.Background(), backend.Request{Kind: backend.KindVideo},
		[]backend.Backend{primary, fallback}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Backend)
}

func TestGenerateNoBackends(t *testing.T) {
	a := testAdapter(t)
	_, err := a.Generate(context.Background(), backend.Request{Kind: backend.KindImage}, nil, nil)
	require.Error(t, err)
}

func TestGenerateScoredKeepsBestAttempt(t *testing.T) {
	be := &fakeBackend{name: "primary"}

	a := testAdapter(t)
	scores := []float64{0.4, 0.8, 0.6}
	call := 0
	score := func(_ context.Context, res *backend.Result) (float64, error) {
		s := scores[call]
		res.Text = fmt.Sprintf("attempt-%d", call+1)
		call++
		return s, nil
	}

	res, got, err := a.GenerateScored(context.Background(), backend.Request{Kind: backend.KindImage},
		[]backend.Backend{be}, nil, score, 0.9, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.8, got, "must keep the best score seen, not the last")
	assert.Equal(t, "attempt-2", res.Text)
	assert.Equal(t, 3, be.submits)
}

func TestGenerateScoredAcceptsAtThreshold(t *testing.T) {
	be := &fakeBackend{name: "primary"}

	a := testAdapter(t)
	res, got, err := a.GenerateScored(context.Background(), backend.Request{Kind: backend.KindImage},
		[]backend.Backend{be}, nil,
		func(context.Context, *backend.Result) (float64, error) { return 0.95, nil },
		0.9, 5, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.95, got)
	assert.NotNil(t, res)
	assert.Equal(t, 1, be.submits, "loop must stop once the gate is met")
}

func TestClassifyUnknownErrorIsNonRetryable(t *testing.T) {
	assert.Equal(t, backend.ClassNonRetryable, Classify(errors.New("something odd")))
	assert.Equal(t, backend.ClassRetryable, Classify(retryableErr()))
}
