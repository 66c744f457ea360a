package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/session"
)

type recordingUploader struct {
	mu    sync.Mutex
	calls []uploadCall
}

type uploadCall struct {
	userID      string
	sessionID   string
	filename    string
	data        []byte
	contentType string
}

func (u *recordingUploader) UploadManualAsset(_ context.Context, userID, id, filename string, data []byte, contentType string) (*session.Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, uploadCall{userID, id, filename, data, contentType})
	return &session.Session{ID: id, UserID: userID}, nil
}

func (u *recordingUploader) snapshot() []uploadCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uploadCall(nil), u.calls...)
}

func newWatchRig(t *testing.T) (string, *session.SQLiteStore, *recordingUploader, *DropWatcher) {
	t.Helper()
	store, err := session.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := filepath.Join(t.TempDir(), "drop")
	uploader := &recordingUploader{}
	w, err := NewDropWatcher(root, store, uploader, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	return root, store, uploader, w
}

func seedSession(t *testing.T, store *session.SQLiteStore, userID string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, store.Create(context.Background(), &session.Session{
		ID:     id,
		UserID: userID,
		Status: session.StageStory,
		Prompt: "a harbor town",
	}))
	return id
}

func TestDroppedFileIsRegisteredAndConsumed(t *testing.T) {
	root, store, uploader, w := newWatchRig(t)
	id := seedSession(t, store, "alice")

	require.NoError(t, w.Start())
	defer w.Stop()

	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, "reference.png")
	require.NoError(t, os.WriteFile(file, []byte("png bytes"), 0o644))

	require.Eventually(t, func() bool {
		return len(uploader.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	call := uploader.snapshot()[0]
	assert.Equal(t, "alice", call.userID)
	assert.Equal(t, id, call.sessionID)
	assert.Equal(t, "reference.png", call.filename)
	assert.Equal(t, []byte("png bytes"), call.data)
	assert.Equal(t, "image/png", call.contentType)

	require.Eventually(t, func() bool {
		_, err := os.Stat(file)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond, "consumed file should be removed")
}

func TestPreexistingFilesAreIngestedOnStart(t *testing.T) {
	root, store, uploader, w := newWatchRig(t)
	id := seedSession(t, store, "bob")

	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.jpg"), []byte("jpeg"), 0o644))

	require.NoError(t, w.Start())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(uploader.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "early.jpg", uploader.snapshot()[0].filename)
}

func TestFileForUnknownSessionIsIgnored(t *testing.T) {
	root, _, uploader, w := newWatchRig(t)

	require.NoError(t, w.Start())
	defer w.Stop()

	dir := filepath.Join(root, "no-such-session")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.png"), []byte("data"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, uploader.snapshot())
}
