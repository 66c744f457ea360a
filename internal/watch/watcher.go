// Package watch ingests manual reference assets from a local drop
// directory. Files placed under <dropDir>/<sessionID>/ are registered on
// the session and then consumed.
package watch

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"storyloom/internal/session"
)

// Uploader registers a manual asset on a session. Implemented by the
// workflow machine.
type Uploader interface {
	UploadManualAsset(ctx context.Context, userID, id, filename string, data []byte, contentType string) (*session.Session, error)
}

// DropWatcher watches the drop directory and registers dropped files as
// manual assets on their session. The session's owner is resolved from
// the store; the drop directory is operator-controlled.
type DropWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	store    session.Store
	uploader Uploader
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDropWatcher creates a watcher over root, creating the directory if
// needed.
func NewDropWatcher(root string, store session.Store, uploader Uploader, logger *zap.Logger) (*DropWatcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create drop directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DropWatcher{
		root:     root,
		watcher:  w,
		store:    store,
		uploader: uploader,
		debounce: 500 * time.Millisecond,
		logger:   logger,
		pending:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start watches the root and any pre-existing session subdirectories, and
// ingests files already sitting in them.
func (w *DropWatcher) Start() error {
	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch drop directory: %w", err)
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to list drop directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, entry.Name())
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("failed to watch session drop directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		w.mu.Lock()
		for _, f := range files {
			if !f.IsDir() {
				w.pending[filepath.Join(dir, f.Name())] = true
			}
		}
		w.mu.Unlock()
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and waits for in-flight ingestion.
func (w *DropWatcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *DropWatcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("drop watcher error", zap.Error(err))
		}
	}
}

func (w *DropWatcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			// New session directory.
			if filepath.Dir(event.Name) == w.root {
				if err := w.watcher.Add(event.Name); err != nil {
					w.logger.Warn("failed to watch new session drop directory",
						zap.String("dir", event.Name), zap.Error(err))
				}
			}
			return
		}
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	// Only files one level deep belong to a session.
	if filepath.Dir(filepath.Dir(event.Name)) != w.root {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = true
	w.mu.Unlock()
}

func (w *DropWatcher) debounceLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *DropWatcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for _, p := range paths {
		if err := w.ingest(p); err != nil {
			w.logger.Warn("failed to ingest dropped asset", zap.String("path", p), zap.Error(err))
		}
	}
}

// ingest registers one dropped file on its session and removes it from
// the drop directory.
func (w *DropWatcher) ingest(path string) error {
	sessionID := filepath.Base(filepath.Dir(path))
	filename := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		// Still being written; the next Write event retries it.
		w.mu.Lock()
		w.pending[path] = true
		w.mu.Unlock()
		return nil
	}

	sess, err := w.store.Get(w.ctx, sessionID)
	if err != nil {
		return fmt.Errorf("no session %s for dropped asset: %w", sessionID, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := w.uploader.UploadManualAsset(w.ctx, sess.UserID, sessionID, filename, data, contentType); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove consumed drop file", zap.String("path", path), zap.Error(err))
	}
	w.logger.Info("registered dropped manual asset",
		zap.String("session", sessionID), zap.String("file", filename))
	return nil
}
