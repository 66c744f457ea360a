package generate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"storyloom/internal/backend"
)

// ScoreFunc rates a generated result; higher is better. It must be free of
// side effects from the adapter's point of view.
type ScoreFunc func(ctx context.Context, res *backend.Result) (float64, error)

// AdjustFunc optionally rewrites the request between quality attempts
// (e.g. tightening the prompt). attempt is 1-based for the attempt being
// prepared. A nil AdjustFunc reuses the request unchanged.
type AdjustFunc func(req backend.Request, attempt int) backend.Request

// GenerateScored runs a quality-gated generation loop: a result is accepted
// as soon as score >= threshold; otherwise the adapter is invoked again, up
// to maxAttempts. If the threshold is never met, the best-scoring result
// seen is returned rather than the last one.
func (a *Adapter) GenerateScored(
	ctx context.Context,
	req backend.Request,
	backends []backend.Backend,
	cancel CancelCheck,
	score ScoreFunc,
	threshold float64,
	maxAttempts int,
	adjust AdjustFunc,
) (*backend.Result, float64, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		best      *backend.Result
		bestScore float64
	)

	current := req
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cancel != nil && cancel() {
			return nil, 0, ErrCancelled
		}

		res, err := a.Generate(ctx, current, backends, cancel)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return nil, 0, err
			}
			// A fully exhausted cascade mid-loop: keep whatever we already
			// have rather than discarding an acceptable earlier attempt.
			if best != nil {
				a.logger.Warn("quality loop attempt failed, keeping best so far",
					zap.Int("attempt", attempt), zap.Float64("best_score", bestScore), zap.Error(err))
				return best, bestScore, nil
			}
			return nil, 0, err
		}

		s, err := score(ctx, res)
		if err != nil {
			return nil, 0, err
		}

		if s >= threshold {
			return res, s, nil
		}
		if best == nil || s > bestScore {
			best, bestScore = res, s
		}
		a.logger.Info("quality gate not met",
			zap.Int("attempt", attempt),
			zap.Float64("score", s),
			zap.Float64("threshold", threshold))

		if adjust != nil && attempt < maxAttempts {
			current = adjust(current, attempt+1)
		}
	}

	return best, bestScore, nil
}
