package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// syncResults buffers the outputs of backends that finish their work inside
// Submit, so Poll can hand the result back on the first call. Entries are
// removed once polled.
type syncResults struct {
	mu      sync.Mutex
	results map[string]*Result
}

func newSyncResults() *syncResults {
	return &syncResults{results: make(map[string]*Result)}
}

func (s *syncResults) put(res *Result) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.results[id] = res
	s.mu.Unlock()
	return id
}

func (s *syncResults) take(id string) (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if ok {
		delete(s.results, id)
	}
	return res, ok
}

func (s *syncResults) drop(id string) {
	s.mu.Lock()
	delete(s.results, id)
	s.mu.Unlock()
}

// pollSync is the shared Poll implementation for synchronous backends.
func pollSync(_ context.Context, cache *syncResults, h Handle) (PollResult, error) {
	res, ok := cache.take(h.ID)
	if !ok {
		return PollResult{}, ErrUnknownHandle
	}
	return PollResult{Status: StatusSucceeded, Result: res}, nil
}
