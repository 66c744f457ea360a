package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyloom/internal/artifacts"
	"storyloom/internal/backend"
	"storyloom/internal/feedback"
	"storyloom/internal/generate"
	"storyloom/internal/session"
	"storyloom/internal/workflow"
)

// syncBackend answers every request synchronously with a canned result.
type syncBackend struct {
	name string
	text string

	mu      sync.Mutex
	pending map[string]*backend.Result
}

func newSyncBackend(name, text string) *syncBackend {
	return &syncBackend{name: name, text: text, pending: make(map[string]*backend.Result)}
}

func (b *syncBackend) Name() string { return b.name }

func (b *syncBackend) Submit(_ context.Context, req backend.Request) (backend.Handle, error) {
	res := &backend.Result{Backend: b.name}
	if b.text != "" {
		res.Text = b.text
	} else {
		res.URL = fmt.Sprintf("https://assets.test/%s/%d/%s", req.Kind, req.Index, uuid.NewString())
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.pending[id] = res
	b.mu.Unlock()
	return backend.Handle{ID: id, Backend: b.name}, nil
}

func (b *syncBackend) Poll(_ context.Context, h backend.Handle) (backend.PollResult, error) {
	b.mu.Lock()
	res, ok := b.pending[h.ID]
	delete(b.pending, h.ID)
	b.mu.Unlock()
	if !ok {
		return backend.PollResult{}, backend.ErrUnknownHandle
	}
	return backend.PollResult{Status: backend.StatusSucceeded, Result: res}, nil
}

func (b *syncBackend) Cancel(_ context.Context, _ backend.Handle) error { return nil }

const storyText = "A quiet cove.\n\n1. Cliffs at sunrise.\n2. A rowboat slips out.\n3. The cove empties at dusk."

func newTestServer(t *testing.T) (*httptest.Server, *session.SQLiteStore) {
	t.Helper()

	store, err := session.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	assets, err := artifacts.NewLocalStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	adapter := generate.NewAdapter(generate.Policy{
		MaxRetriesPerBackend: 1,
		InitialDelay:         time.Millisecond,
		MaxDelay:             time.Millisecond,
		Multiplier:           1,
		PollInterval:         time.Millisecond,
		PollTimeout:          time.Second,
	}, zap.NewNop())

	extractor, err := feedback.NewExtractor(nil, zap.NewNop())
	require.NoError(t, err)

	cascades := backend.Cascades{
		backend.KindStory: {newSyncBackend("story", storyText)},
		backend.KindImage: {newSyncBackend("image", "")},
		backend.KindVideo: {newSyncBackend("video", "")},
	}
	machine := workflow.NewMachine(store, adapter, extractor, nil, assets, cascades, nil, nil,
		workflow.Config{ReferenceImageCount: 2, SecondsPerScene: 5, Workers: 2}, zap.NewNop())
	t.Cleanup(machine.Close)

	handler := NewHandler(machine, nil, []string{"*"}, zap.NewNop())
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func waitReady(t *testing.T, store *session.SQLiteStore, id string, stage session.Stage) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		out := s.Output(stage)
		return out != nil && out.Ready
	}, 5*time.Second, 5*time.Millisecond)
}

func TestMissingUserHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	res, _ := doJSON(t, srv, http.MethodGet, "/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateAndGetSession(t *testing.T) {
	srv, store := newTestServer(t)

	res, body := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice",
		map[string]any{"prompt": "a quiet cove", "target_duration": 15})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "story", body["status"])

	waitReady(t, store, id, session.StageStory)

	res, body = doJSON(t, srv, http.MethodGet, "/v1/sessions/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body["ready_stages"], "story")
}

func TestCreateSessionRejectsEmptyPrompt(t *testing.T) {
	srv, _ := newTestServer(t)
	res, _ := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice", map[string]any{"prompt": "  "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetMissingSessionIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	res, _ := doJSON(t, srv, http.MethodGet, "/v1/sessions/"+uuid.NewString(), "alice", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestForeignSessionIs403(t *testing.T) {
	srv, store := newTestServer(t)

	res, body := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice", map[string]any{"prompt": "a quiet cove"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	waitReady(t, store, id, session.StageStory)

	res, _ = doJSON(t, srv, http.MethodGet, "/v1/sessions/"+id+"/full", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestApproveWrongStageIs400(t *testing.T) {
	srv, store := newTestServer(t)

	res, body := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice", map[string]any{"prompt": "a quiet cove"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	waitReady(t, store, id, session.StageStory)

	res, body = doJSON(t, srv, http.MethodPost, "/v1/sessions/"+id+"/approve", "alice",
		map[string]any{"stage": "storyboard"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "storyboard", body["requested_stage"])
	assert.Equal(t, "story", body["current_stage"])
}

func TestApproveAdvancesStage(t *testing.T) {
	srv, store := newTestServer(t)

	res, body := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice",
		map[string]any{"prompt": "a quiet cove", "target_duration": 10})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	waitReady(t, store, id, session.StageStory)

	res, body = doJSON(t, srv, http.MethodPost, "/v1/sessions/"+id+"/approve", "alice",
		map[string]any{"stage": "story"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "reference_image", body["status"])
	waitReady(t, store, id, session.StageReferenceImage)
}

func TestRegenerateAfterCancelReports200(t *testing.T) {
	srv, store := newTestServer(t)

	res, body := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice", map[string]any{"prompt": "a quiet cove"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	waitReady(t, store, id, session.StageStory)

	res, _ = doJSON(t, srv, http.MethodPost, "/v1/sessions/"+id+"/cancel", "alice", nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	res, body = doJSON(t, srv, http.MethodPost, "/v1/sessions/"+id+"/regenerate", "alice",
		map[string]any{"stage": "story"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
}

func TestUploadManualAsset(t *testing.T) {
	srv, store := newTestServer(t)

	res, body := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice", map[string]any{"prompt": "a quiet cove"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	waitReady(t, store, id, session.StageStory)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "cove.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/sessions/"+id+"/assets", &buf)
	require.NoError(t, err)
	req.Header.Set(userHeader, "alice")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	upRes, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer upRes.Body.Close()
	require.Equal(t, http.StatusCreated, upRes.StatusCode)

	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, s.ManualAssets(), 1)
}

func TestDeleteSession(t *testing.T) {
	srv, store := newTestServer(t)

	res, body := doJSON(t, srv, http.MethodPost, "/v1/sessions", "alice", map[string]any{"prompt": "a quiet cove"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id := body["id"].(string)
	waitReady(t, store, id, session.StageStory)

	res, _ = doJSON(t, srv, http.MethodDelete, "/v1/sessions/"+id, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, srv, http.MethodDelete, "/v1/sessions/"+id, "alice", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = doJSON(t, srv, http.MethodGet, "/v1/sessions/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSearchUnconfiguredIs503(t *testing.T) {
	srv, _ := newTestServer(t)
	res, _ := doJSON(t, srv, http.MethodGet, "/v1/sessions/search?q=cove", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}
