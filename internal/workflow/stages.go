package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storyloom/internal/backend"
	"storyloom/internal/feedback"
	"storyloom/internal/generate"
	"storyloom/internal/progress"
	"storyloom/internal/regen"
	"storyloom/internal/session"
)

const storySystemPrompt = `You are a story writer for short videos. Write a vivid, visual
narrative for the user's idea, sized to the requested duration. End with a
numbered scene list, one line per scene, each describing a single shot.`

const sceneListSystemPrompt = `You break a story into a storyboard. Respond with a numbered
list only: one line per scene, each a self-contained visual description of
a single shot suitable as an image-generation prompt.`

// launchStage runs a stage generation in the background. The session's
// status was already set to the stage by start/approve.
func (m *Machine) launchStage(id string, stage session.Stage) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runStage(context.Background(), id, stage)
	}()
}

func (m *Machine) runStage(ctx context.Context, id string, stage session.Stage) {
	m.publish(progress.Event{
		SessionID: id,
		Stage:     string(stage),
		Status:    progress.StatusInProgress,
		Percent:   0,
		Message:   fmt.Sprintf("generating %s", stage),
	})

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Error("stage run lost its session", zap.String("session", id), zap.Error(err))
		return
	}

	out, err := m.generateStage(ctx, sess, stage)
	if err != nil {
		_ = m.recordStageFailure(ctx, id, stage, err)
		return
	}
	out.Stage = stage
	out.Ready = true
	out.GeneratedAt = time.Now().UTC()

	updated, err := m.store.Update(ctx, id, func(s *session.Session) error {
		s.SetOutput(stage, out)
		s.Append(session.ChatTurn{
			Role: session.RoleAssistant,
			Text: stageSummary(stage, out),
			At:   time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		m.logger.Error("failed to persist stage output", zap.String("session", id), zap.Error(err))
		return
	}

	m.publish(progress.Event{
		SessionID: id,
		Stage:     string(stage),
		Status:    progress.StatusCompleted,
		Percent:   100,
		Message:   stageSummary(stage, out),
		Payload:   map[string]any{"assets": len(out.Assets)},
	})

	if updated.Mode == session.ModeAuto {
		m.autoAdvance(ctx, updated, stage)
	}
}

// autoAdvance performs the approve transition without user interaction.
func (m *Machine) autoAdvance(ctx context.Context, sess *session.Session, stage session.Stage) {
	var next session.Stage
	updated, err := m.store.Update(ctx, sess.ID, func(s *session.Session) error {
		if s.Status != stage {
			return &StageMismatchError{Requested: stage, Current: s.Status}
		}
		next = stage.Next()
		if stage == session.StageStory && len(s.ManualAssets()) > 0 {
			out := s.Output(session.StageReferenceImage)
			out.Ready = true
			out.GeneratedAt = time.Now().UTC()
			next = session.StageStoryboard
		}
		s.Status = next
		return nil
	})
	if err != nil {
		m.logger.Error("auto advance failed", zap.String("session", sess.ID), zap.Error(err))
		return
	}
	if next.IsWorking() {
		m.launchStage(sess.ID, next)
	} else {
		m.finishSession(updated)
	}
}

func (m *Machine) generateStage(ctx context.Context, sess *session.Session, stage session.Stage) (*session.StageOutput, error) {
	cancel := m.cancelCheck(sess.ID)
	switch stage {
	case session.StageStory:
		return m.generateStory(ctx, sess, cancel)
	case session.StageReferenceImage:
		return m.generateReferenceImages(ctx, sess, cancel)
	case session.StageStoryboard:
		return m.generateStoryboard(ctx, sess, cancel)
	case session.StageVideo:
		return m.generateVideo(ctx, sess, cancel)
	default:
		return nil, fmt.Errorf("stage %s has no generation step", stage)
	}
}

func (m *Machine) generateStory(ctx context.Context, sess *session.Session, cancel generate.CancelCheck) (*session.StageOutput, error) {
	req := backend.Request{
		Kind:   backend.KindStory,
		Prompt: storyUserPrompt(sess.Prompt, sess.TargetDuration),
		Index:  1,
		Params: map[string]any{"system": storySystemPrompt},
	}
	res, err := m.adapter.Generate(ctx, req, m.cascades[backend.KindStory], cancel)
	if err != nil {
		return nil, err
	}

	asset, err := m.materialize(ctx, sess.ID, session.StageStory, 1, req.Prompt, res, 0)
	if err != nil {
		return nil, err
	}
	return &session.StageOutput{
		Text:   res.Text,
		Assets: []session.Asset{asset},
	}, nil
}

func (m *Machine) generateReferenceImages(ctx context.Context, sess *session.Session, cancel generate.CancelCheck) (*session.StageOutput, error) {
	story := ""
	if out := sess.Output(session.StageStory); out != nil {
		story = out.Text
	}

	reqs := make([]backend.Request, 0, m.cfg.ReferenceImageCount)
	for i := 1; i <= m.cfg.ReferenceImageCount; i++ {
		reqs = append(reqs, backend.Request{
			Kind:   backend.KindImage,
			Prompt: referenceImagePrompt(sess.Prompt, story, i),
			Index:  i,
		})
	}

	assets, err := m.generateBatch(ctx, sess.ID, session.StageReferenceImage, backend.KindImage, reqs, cancel)
	if err != nil {
		return nil, err
	}
	return &session.StageOutput{Assets: reindex(assets)}, nil
}

func (m *Machine) generateStoryboard(ctx context.Context, sess *session.Session, cancel generate.CancelCheck) (*session.StageOutput, error) {
	storyOut := sess.Output(session.StageStory)
	if storyOut == nil || storyOut.Text == "" {
		return nil, fmt.Errorf("storyboard generation needs a completed story stage")
	}

	sceneCount := sess.TargetDuration / m.cfg.SecondsPerScene
	if sceneCount < 1 {
		sceneCount = 1
	}
	if sceneCount > m.cfg.MaxScenes {
		sceneCount = m.cfg.MaxScenes
	}

	scenes, err := m.scenePrompts(ctx, storyOut.Text, sceneCount, cancel)
	if err != nil {
		return nil, err
	}

	reqs := make([]backend.Request, 0, len(scenes))
	for i, scene := range scenes {
		reqs = append(reqs, backend.Request{
			Kind:   backend.KindImage,
			Prompt: scene,
			Index:  i + 1,
		})
	}

	assets, err := m.generateBatch(ctx, sess.ID, session.StageStoryboard, backend.KindImage, reqs, cancel)
	if err != nil {
		return nil, err
	}
	return &session.StageOutput{Assets: reindex(assets)}, nil
}

func (m *Machine) generateVideo(ctx context.Context, sess *session.Session, cancel generate.CancelCheck) (*session.StageOutput, error) {
	board := sess.Output(session.StageStoryboard)
	if board == nil || len(board.Assets) == 0 {
		return nil, fmt.Errorf("video generation needs a completed storyboard stage")
	}
	if len(m.cascades[backend.KindVideo]) == 0 {
		return nil, fmt.Errorf("no video backends configured")
	}

	reqs := make([]backend.Request, 0, len(board.Assets))
	for i, scene := range board.Assets {
		reqs = append(reqs, backend.Request{
			Kind:            backend.KindVideo,
			Prompt:          scene.Prompt,
			Index:           i + 1,
			DurationSeconds: m.cfg.SecondsPerScene,
		})
	}

	assets, err := m.generateBatch(ctx, sess.ID, session.StageVideo, backend.KindVideo, reqs, cancel)
	if err != nil {
		return nil, err
	}
	return &session.StageOutput{Assets: reindex(assets)}, nil
}

// scenePrompts asks the text backend for a numbered scene list and parses
// it. A parse miss falls back to the story's own scene list when present.
func (m *Machine) scenePrompts(ctx context.Context, story string, count int, cancel generate.CancelCheck) ([]string, error) {
	req := backend.Request{
		Kind:   backend.KindStory,
		Prompt: fmt.Sprintf("Break this story into exactly %d scenes:\n\n%s", count, story),
		Index:  1,
		Params: map[string]any{"system": sceneListSystemPrompt},
	}
	res, err := m.adapter.Generate(ctx, req, m.cascades[backend.KindStory], cancel)
	if err != nil {
		return nil, err
	}

	scenes := parseNumberedScenes(res.Text)
	if len(scenes) == 0 {
		scenes = parseNumberedScenes(story)
	}
	if len(scenes) == 0 {
		return nil, fmt.Errorf("scene breakdown produced no usable scenes")
	}
	if len(scenes) > count {
		scenes = scenes[:count]
	}
	return scenes, nil
}

var sceneLinePattern = regexp.MustCompile(`(?m)^\s*(\d+)[.):\-]\s+(.+?)\s*$`)

func parseNumberedScenes(text string) []string {
	var scenes []string
	for _, match := range sceneLinePattern.FindAllStringSubmatch(text, -1) {
		scenes = append(scenes, match[2])
	}
	return scenes
}

// generateBatch runs per-asset generation concurrently under the bounded
// worker pool and returns the successful assets keyed by request index.
// Individual failures never abort siblings; the batch fails only when no
// asset succeeded, and cancellation of any unit fails the whole batch as
// cancelled.
func (m *Machine) generateBatch(ctx context.Context, sessID string, stage session.Stage, kind backend.Kind, reqs []backend.Request, cancel generate.CancelCheck) (map[int]session.Asset, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("empty %s generation batch", kind)
	}

	type unit struct {
		asset session.Asset
		err   error
		ok    bool
	}
	units := make([]unit, len(reqs))
	var done int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for i := range reqs {
		i := i
		req := reqs[i]
		g.Go(func() error {
			if cancel() {
				units[i].err = generate.ErrCancelled
				return nil
			}

			var (
				res   *backend.Result
				score float64
				err   error
			)
			backends := m.cascades[kind]
			if m.scorer != nil && kind == backend.KindImage {
				res, score, err = m.adapter.GenerateScored(gctx, req, backends, cancel,
					m.scorer, m.cfg.QualityThreshold, m.cfg.QualityMaxAttempts, nil)
			} else {
				res, err = m.adapter.Generate(gctx, req, backends, cancel)
			}
			if err != nil {
				units[i].err = err
				m.logger.Warn("asset generation failed",
					zap.String("session", sessID),
					zap.String("stage", string(stage)),
					zap.Int("index", req.Index),
					zap.Error(err))
			} else {
				asset, merr := m.materialize(gctx, sessID, stage, req.Index, req.Prompt, res, score)
				if merr != nil {
					units[i].err = merr
				} else {
					units[i].asset = asset
					units[i].ok = true
				}
			}

			n := atomic.AddInt32(&done, 1)
			m.publish(progress.Event{
				SessionID: sessID,
				Stage:     string(stage),
				Status:    progress.StatusInProgress,
				Percent:   int(n) * 100 / len(reqs),
				Message:   fmt.Sprintf("generated %d of %d %s assets", n, len(reqs), kind),
			})
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[int]session.Asset, len(reqs))
	var firstErr error
	for i, u := range units {
		if u.ok {
			results[reqs[i].Index] = u.asset
			continue
		}
		if errors.Is(u.err, generate.ErrCancelled) {
			return nil, generate.ErrCancelled
		}
		if firstErr == nil {
			firstErr = u.err
		}
	}
	if len(results) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("batch produced no assets")
		}
		return nil, firstErr
	}
	return results, nil
}

// materialize turns a backend result into a session asset, writing inline
// bytes through the artifact store and keeping remote URLs as-is.
func (m *Machine) materialize(ctx context.Context, sessID string, stage session.Stage, index int, prompt string, res *backend.Result, score float64) (session.Asset, error) {
	asset := session.Asset{
		Index:     index,
		Prompt:    prompt,
		Score:     score,
		Source:    session.SourceGenerated,
		Backend:   res.Backend,
		SizeBytes: res.SizeBytes,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case len(res.Data) > 0:
		ref, err := m.assets.Put(ctx, path.Join(sessID, string(stage), fmt.Sprintf("%d", index)), res.Data, contentTypeFor(stage))
		if err != nil {
			return session.Asset{}, fmt.Errorf("failed to store asset: %w", err)
		}
		asset.Ref = ref
		asset.SizeBytes = int64(len(res.Data))
	case res.URL != "":
		asset.Ref = res.URL
	case res.Text != "":
		ref, err := m.assets.Put(ctx, path.Join(sessID, string(stage), fmt.Sprintf("%d.txt", index)), []byte(res.Text), "text/plain; charset=utf-8")
		if err != nil {
			return session.Asset{}, fmt.Errorf("failed to store text asset: %w", err)
		}
		asset.Ref = ref
		asset.SizeBytes = int64(len(res.Text))
	default:
		return session.Asset{}, fmt.Errorf("backend %s returned an empty result", res.Backend)
	}
	return asset, nil
}

func contentTypeFor(stage session.Stage) string {
	switch stage {
	case session.StageVideo:
		return "video/mp4"
	case session.StageStory:
		return "text/plain; charset=utf-8"
	default:
		return "image/png"
	}
}

// reindex collapses a result map into a dense, index-ordered asset list.
// Initial generation may legitimately end up with fewer assets than
// requested (partial batch failure), so survivors are renumbered.
func reindex(results map[int]session.Asset) []session.Asset {
	keys := make([]int, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]session.Asset, 0, len(keys))
	for i, k := range keys {
		a := results[k]
		a.Index = i + 1
		out = append(out, a)
	}
	return out
}

// regenerateStage applies a modification to the current stage's output,
// regenerating only the affected indices.
func (m *Machine) regenerateStage(ctx context.Context, sess *session.Session, stage session.Stage, feedbackText string, mod feedback.Modification) (*session.Session, error) {
	cancel := m.cancelCheck(sess.ID)
	out := sess.Output(stage)

	var (
		newAssets []session.Asset
		newText   string
	)

	switch stage {
	case session.StageStory:
		req := backend.Request{
			Kind:   backend.KindStory,
			Prompt: regen.PromptWithModification(storyUserPrompt(sess.Prompt, sess.TargetDuration), mod),
			Index:  1,
			Params: map[string]any{"system": storySystemPrompt},
		}
		res, err := m.adapter.Generate(ctx, req, m.cascades[backend.KindStory], cancel)
		if err != nil {
			return nil, err
		}
		asset, err := m.materialize(ctx, sess.ID, stage, 1, req.Prompt, res, 0)
		if err != nil {
			return nil, err
		}
		newAssets = []session.Asset{asset}
		newText = res.Text

	default:
		kind := backend.KindImage
		if stage == session.StageVideo {
			kind = backend.KindVideo
		}
		plan, err := regen.BuildPlan(out.Assets, mod, kind)
		if err != nil {
			return nil, validationf("%v", err)
		}

		var reqs []backend.Request
		for _, step := range plan.Steps {
			if step.Action == regen.ActionRegenerate {
				req := step.Request
				if kind == backend.KindVideo {
					req.DurationSeconds = m.cfg.SecondsPerScene
				}
				reqs = append(reqs, req)
			}
		}
		if len(reqs) == 0 {
			// Explicit out-of-range reference: nothing to do.
			return sess, nil
		}

		replacements, err := m.generateBatch(ctx, sess.ID, stage, kind, reqs, cancel)
		if err != nil {
			return nil, err
		}
		newAssets = regen.Merge(plan, replacements)
		newText = out.Text
	}

	updated, err := m.store.Update(ctx, sess.ID, func(s *session.Session) error {
		cur := s.Output(stage)
		if cur == nil {
			return fmt.Errorf("stage %s output vanished during regeneration", stage)
		}
		cur.Assets = newAssets
		cur.Text = newText
		cur.GeneratedAt = time.Now().UTC()
		if feedbackText != "" {
			s.Append(session.ChatTurn{Role: session.RoleUser, Text: feedbackText, At: time.Now().UTC()})
		}
		s.Append(session.ChatTurn{
			Role: session.RoleAssistant,
			Text: fmt.Sprintf("Regenerated %d of %d %s assets.", len(mod.AffectedIndices), len(newAssets), stage),
			At:   time.Now().UTC(),
		})
		appendEditHistory(s, stage, mod)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(progress.Event{
		SessionID: sess.ID,
		Stage:     string(stage),
		Status:    progress.StatusCompleted,
		Percent:   100,
		Message:   fmt.Sprintf("regenerated %d %s assets", len(mod.AffectedIndices), stage),
		Payload:   map[string]any{"affected": mod.AffectedIndices},
	})
	return updated, nil
}

// appendEditHistory records the applied modification in the session's
// per-stage bookkeeping.
func appendEditHistory(s *session.Session, stage session.Stage, mod feedback.Modification) {
	if s.StageData == nil {
		s.StageData = make(map[string]any)
	}
	key := "edits:" + string(stage)
	history, _ := s.StageData[key].([]any)
	history = append(history, map[string]any{
		"feedback": mod.FeedbackText,
		"indices":  mod.AffectedIndices,
		"at":       time.Now().UTC().Format(time.RFC3339),
	})
	s.StageData[key] = history
}

func stageSummary(stage session.Stage, out *session.StageOutput) string {
	switch stage {
	case session.StageStory:
		return "Story draft ready for review."
	default:
		return fmt.Sprintf("Generated %d %s assets.", len(out.Assets), stage)
	}
}

func storyUserPrompt(prompt string, targetDuration int) string {
	return fmt.Sprintf("Write a story for a %d-second video about: %s", targetDuration, prompt)
}

func referenceImagePrompt(prompt, story string, i int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Key visual %d for a short video about: %s.", i, prompt)
	if story != "" {
		excerpt := story
		if len(excerpt) > 400 {
			excerpt = excerpt[:400]
		}
		fmt.Fprintf(&b, " Story context: %s", excerpt)
	}
	return b.String()
}
