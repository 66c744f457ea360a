// Package workflow drives one session through the ordered generation
// stages and enforces the approve/regenerate protocol.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyloom/internal/artifacts"
	"storyloom/internal/backend"
	"storyloom/internal/feedback"
	"storyloom/internal/generate"
	"storyloom/internal/progress"
	"storyloom/internal/session"
)

// SessionIndexer receives completed sessions for search indexing. Optional.
type SessionIndexer interface {
	Index(sess *session.Session) error
	Remove(sessionID string) error
}

// Config tunes per-stage generation.
type Config struct {
	ReferenceImageCount int     // images generated in the reference stage
	MaxScenes           int     // upper bound on storyboard scenes
	SecondsPerScene     int     // target clip length, drives scene count
	QualityThreshold    float64 // quality gate for image generation
	QualityMaxAttempts  int     // attempts per image before keeping the best
	Workers             int     // bounded pool size for per-asset batches
}

// DefaultConfig matches the interactive product defaults.
func DefaultConfig() Config {
	return Config{
		ReferenceImageCount: 4,
		MaxScenes:           12,
		SecondsPerScene:     5,
		QualityThreshold:    0.7,
		QualityMaxAttempts:  3,
		Workers:             4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReferenceImageCount <= 0 {
		c.ReferenceImageCount = d.ReferenceImageCount
	}
	if c.MaxScenes <= 0 {
		c.MaxScenes = d.MaxScenes
	}
	if c.SecondsPerScene <= 0 {
		c.SecondsPerScene = d.SecondsPerScene
	}
	if c.QualityMaxAttempts <= 0 {
		c.QualityMaxAttempts = d.QualityMaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Machine is the stage state machine. All mutations go through the
// session store; per-session operation locks keep approve/regenerate
// calls on the same session from interleaving.
type Machine struct {
	store     session.Store
	adapter   *generate.Adapter
	extractor *feedback.Extractor
	notifier  progress.Notifier
	assets    artifacts.Store
	cascades  backend.Cascades
	scorer    generate.ScoreFunc
	indexer   SessionIndexer
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	opLocks map[string]*sync.Mutex
	wg      sync.WaitGroup
}

// NewMachine wires the orchestrator. notifier, assets, scorer and indexer
// may be nil; nil scorer disables the quality gate.
func NewMachine(
	store session.Store,
	adapter *generate.Adapter,
	extractor *feedback.Extractor,
	notifier progress.Notifier,
	assetStore artifacts.Store,
	cascades backend.Cascades,
	scorer generate.ScoreFunc,
	indexer SessionIndexer,
	cfg Config,
	logger *zap.Logger,
) *Machine {
	if notifier == nil {
		notifier = progress.NewNoopNotifier()
	}
	if assetStore == nil {
		assetStore = artifacts.NewNoopStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:     store,
		adapter:   adapter,
		extractor: extractor,
		notifier:  notifier,
		assets:    assetStore,
		cascades:  cascades,
		scorer:    scorer,
		indexer:   indexer,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		opLocks:   make(map[string]*sync.Mutex),
	}
}

// Close waits for in-flight background stage generations to finish.
func (m *Machine) Close() {
	m.wg.Wait()
}

// opLock returns the mutex serializing approve/regenerate work for a
// session.
func (m *Machine) opLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.opLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.opLocks[id] = l
	}
	return l
}

// Start creates a new session in the story stage and kicks off its
// generation in the background.
func (m *Machine) Start(ctx context.Context, userID, prompt string, targetDuration int, mode session.Mode, title string) (*session.Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, validationf("prompt is required")
	}
	if userID == "" {
		return nil, validationf("user id is required")
	}
	if mode == "" {
		mode = session.ModeInteractive
	}
	if mode != session.ModeInteractive && mode != session.ModeAuto {
		return nil, validationf("unknown mode %q", mode)
	}
	if targetDuration <= 0 {
		targetDuration = 30
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         session.StageStory,
		Prompt:         prompt,
		Title:          title,
		TargetDuration: targetDuration,
		Mode:           mode,
		History: []session.ChatTurn{
			{Role: session.RoleUser, Text: prompt, At: now},
		},
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.launchStage(sess.ID, session.StageStory)
	return sess, nil
}

// GetStatus returns the session's stage projection after an ownership
// check.
func (m *Machine) GetStatus(ctx context.Context, userID, id string) (*StatusView, error) {
	sess, err := m.ownedSession(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return statusView(sess), nil
}

// GetFull returns the whole session after an ownership check.
func (m *Machine) GetFull(ctx context.Context, userID, id string) (*session.Session, error) {
	return m.ownedSession(ctx, userID, id)
}

// List returns the caller's sessions, newest first.
func (m *Machine) List(ctx context.Context, userID string) ([]session.Meta, error) {
	return m.store.List(ctx, userID)
}

// Approve accepts the current stage and advances the session. The next
// stage's generation is launched before the new status is visible to the
// caller; from the story stage, previously uploaded manual reference
// assets skip the reference_image stage entirely.
func (m *Machine) Approve(ctx context.Context, userID, id string, stage session.Stage, notes string, selected []int) (*session.Session, error) {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	var next session.Stage
	updated, err := m.store.Update(ctx, id, func(s *session.Session) error {
		if s.UserID != userID {
			return ErrForbidden
		}
		if s.Status != stage {
			return &StageMismatchError{Requested: stage, Current: s.Status}
		}
		out := s.Output(stage)
		if out == nil || !out.Ready {
			return validationf("stage %s has no completed output to approve", stage)
		}

		if len(selected) > 0 {
			if err := selectAssets(out, selected); err != nil {
				return err
			}
		}
		if notes != "" {
			s.Append(session.ChatTurn{Role: session.RoleUser, Text: notes, At: time.Now().UTC()})
		}

		next = stage.Next()
		if stage == session.StageStory && len(s.ManualAssets()) > 0 {
			// Manual reference assets stand in for the generated ones.
			manual := s.Output(session.StageReferenceImage)
			manual.Ready = true
			manual.GeneratedAt = time.Now().UTC()
			next = session.StageStoryboard
		}
		s.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if next.IsWorking() {
		m.launchStage(id, next)
	} else {
		m.finishSession(updated)
	}
	return updated, nil
}

// Regenerate redoes part or all of the current stage according to the
// user's feedback. The session's status does not change. The call is
// synchronous: when it returns, the stage output reflects the plan.
func (m *Machine) Regenerate(ctx context.Context, userID, id string, stage session.Stage, feedbackText string, preselected []int) (*session.Session, error) {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.ownedSession(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != stage {
		return nil, &StageMismatchError{Requested: stage, Current: sess.Status}
	}
	out := sess.Output(stage)
	if out == nil || !out.Ready {
		return nil, validationf("stage %s has no completed output to regenerate", stage)
	}

	mod := m.extractor.Extract(ctx, feedbackText, stage, len(out.Assets), preselected, sess.History)
	if len(mod.AffectedIndices) == 0 && strings.TrimSpace(feedbackText) == "" && len(preselected) == 0 {
		// Bare regenerate: redo the whole stage.
		mod.AffectedIndices = allIndices(len(out.Assets))
	}

	updated, err := m.regenerateStage(ctx, sess, stage, feedbackText, mod)
	if err != nil {
		return nil, m.recordStageFailure(ctx, id, stage, err)
	}
	return updated, nil
}

// Delete removes a session, its search index entry, and its stored
// artifacts reference root. In-flight generation for the session observes
// the missing row as a cancellation.
func (m *Machine) Delete(ctx context.Context, userID, id string) error {
	if _, err := m.ownedSession(ctx, userID, id); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	if m.indexer != nil {
		if err := m.indexer.Remove(id); err != nil {
			m.logger.Warn("failed to deindex deleted session",
				zap.String("session", id), zap.Error(err))
		}
	}
	return nil
}

// Cancel requests cooperative cancellation of the session's in-flight
// generation work.
func (m *Machine) Cancel(ctx context.Context, userID, id string) error {
	_, err := m.store.Update(ctx, id, func(s *session.Session) error {
		if s.UserID != userID {
			return ErrForbidden
		}
		s.CancelRequested = true
		return nil
	})
	return err
}

// UploadManualAsset registers user-supplied media as a manual reference
// asset. Manual assets registered before the story stage is approved make
// the workflow skip reference image generation.
func (m *Machine) UploadManualAsset(ctx context.Context, userID, id, filename string, data []byte, contentType string) (*session.Session, error) {
	if len(data) == 0 {
		return nil, validationf("uploaded asset is empty")
	}
	if filename == "" {
		return nil, validationf("uploaded asset needs a filename")
	}

	ref, err := m.assets.Put(ctx, path.Join(id, "manual", filename), data, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store manual asset: %w", err)
	}

	return m.store.Update(ctx, id, func(s *session.Session) error {
		if s.UserID != userID {
			return ErrForbidden
		}
		out := s.Output(session.StageReferenceImage)
		if out == nil {
			out = &session.StageOutput{Stage: session.StageReferenceImage}
			s.SetOutput(session.StageReferenceImage, out)
		}
		out.Assets = append(out.Assets, session.Asset{
			Index:     len(out.Assets) + 1,
			Ref:       ref,
			Source:    session.SourceManual,
			SizeBytes: int64(len(data)),
			CreatedAt: time.Now().UTC(),
		})
		return nil
	})
}

// ownedSession loads a session and enforces ownership.
func (m *Machine) ownedSession(ctx context.Context, userID, id string) (*session.Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// cancelCheck builds the cooperative cancellation predicate for a session:
// it reads the persisted flag so a Cancel call from any process instance
// is observed at the next suspension point.
func (m *Machine) cancelCheck(id string) generate.CancelCheck {
	return func() bool {
		sess, err := m.store.Get(context.Background(), id)
		if err != nil {
			// A vanished (expired) session has nobody waiting on it.
			return true
		}
		return sess.CancelRequested
	}
}

// selectAssets narrows a stage output to the chosen indices, reindexing
// the survivors.
func selectAssets(out *session.StageOutput, selected []int) error {
	byIndex := make(map[int]session.Asset, len(out.Assets))
	for _, a := range out.Assets {
		byIndex[a.Index] = a
	}
	kept := make([]session.Asset, 0, len(selected))
	seen := make(map[int]bool, len(selected))
	for _, idx := range selected {
		a, ok := byIndex[idx]
		if !ok {
			return validationf("selected index %d does not exist", idx)
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		kept = append(kept, a)
	}
	for i := range kept {
		kept[i].Index = i + 1
	}
	out.Assets = kept
	return nil
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// StatusView is the read-only projection returned by GetStatus.
type StatusView struct {
	ID          string        `json:"id"`
	Status      session.Stage `json:"status"`
	Title       string        `json:"title,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorCount  int           `json:"error_count,omitempty"`
	ReadyStages []string      `json:"ready_stages"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

func statusView(s *session.Session) *StatusView {
	v := &StatusView{
		ID:          s.ID,
		Status:      s.Status,
		Title:       s.Title,
		Error:       s.Error,
		ErrorCount:  s.ErrorCount,
		ReadyStages: []string{},
		UpdatedAt:   s.UpdatedAt,
		ExpiresAt:   s.ExpiresAt,
	}
	for _, stage := range []session.Stage{session.StageStory, session.StageReferenceImage, session.StageStoryboard, session.StageVideo} {
		if out := s.Output(stage); out != nil && out.Ready {
			v.ReadyStages = append(v.ReadyStages, string(stage))
		}
	}
	return v
}

// recordStageFailure maps a generation failure onto session state:
// cancellation leaves the session in its prior stable stage with the
// cancel flag cleared; anything else moves it to the error state. The
// original error is returned for the caller.
func (m *Machine) recordStageFailure(ctx context.Context, id string, stage session.Stage, genErr error) error {
	cancelled := errors.Is(genErr, generate.ErrCancelled)

	_, err := m.store.Update(ctx, id, func(s *session.Session) error {
		if cancelled {
			s.CancelRequested = false
			s.Error = "cancelled by user"
			return nil
		}
		s.Status = session.StageError
		s.Error = genErr.Error()
		s.ErrorCount++
		return nil
	})
	if err != nil {
		m.logger.Error("failed to record stage failure",
			zap.String("session", id), zap.String("stage", string(stage)), zap.Error(err))
	}

	status := progress.StatusFailed
	message := genErr.Error()
	if cancelled {
		message = "cancelled by user"
	}
	m.publish(progress.Event{
		SessionID: id,
		Stage:     string(stage),
		Status:    status,
		Percent:   100,
		Message:   message,
	})
	return genErr
}

func (m *Machine) publish(ev progress.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.notifier.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish progress event",
			zap.String("session", ev.SessionID), zap.Error(err))
	}
}

// finishSession marks terminal housekeeping once a session reaches
// complete: a progress event and search indexing.
func (m *Machine) finishSession(sess *session.Session) {
	m.publish(progress.Event{
		SessionID: sess.ID,
		Stage:     string(session.StageComplete),
		Status:    progress.StatusCompleted,
		Percent:   100,
		Message:   "session complete",
	})
	if m.indexer != nil {
		if err := m.indexer.Index(sess); err != nil {
			m.logger.Warn("failed to index completed session",
				zap.String("session", sess.ID), zap.Error(err))
		}
	}
}
