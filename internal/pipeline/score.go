package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/monitoring"
	"github.com/sells-group/newshound/internal/oracle"
	"github.com/sells-group/newshound/internal/resilience"
)

const sentinelRationale = "oracle response could not be used; sentinel score assigned"

// callOracle runs fn under the pipeline's guard, counting every attempt.
func callOracle[T any](ctx context.Context, r *run, stage string, fn func(ctx context.Context) (T, error)) (T, error) {
	val, res, err := resilience.Call(ctx, r.p.guard, func(ctx context.Context) (T, error) {
		r.countCall(stage)
		return fn(ctx)
	})
	r.p.metrics.OracleCall(stage, outcome(err))
	if res.Attempts > 1 {
		r.log.Debug("pipeline: oracle call retried",
			zap.String("stage", stage),
			zap.Int("attempts", res.Attempts),
			zap.Int("timeouts", res.TimedOut),
		)
	}
	return val, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return monitoring.OutcomeOK
	case errors.Is(err, oracle.ErrMalformed):
		return monitoring.OutcomeMalformed
	case resilience.IsTimeout(err):
		return monitoring.OutcomeTimeout
	}
	return monitoring.OutcomeUnavailable
}

// degradable reports whether err should fall back to a sentinel rather
// than abort the run.
func degradable(err error) bool {
	return errors.Is(err, oracle.ErrMalformed) || resilience.IsTimeout(err)
}

// scoreAll scores items concurrently with at most Concurrency calls in
// flight. Any non-degradable oracle failure cancels the rest and is
// returned. The result is ordered by score, highest first, and every item
// gets a ref ("i1", "i2", ...) in that order.
func (r *run) scoreAll(items []model.RawItem, hints map[string]int) ([]model.ScoredItem, error) {
	out := make([]model.ScoredItem, len(items))

	g, gctx := errgroup.WithContext(r.ctx)
	g.SetLimit(r.p.settings.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			s, err := r.scoreOne(gctx, item, hints[item.Fingerprint()])
			if err != nil {
				return eris.Wrapf(err, "score %q", item.Title)
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	m := &r.result.Metrics
	for i := range out {
		out[i].Ref = fmt.Sprintf("i%d", i+1)
		m.Scored++
		if out[i].ParseFailure {
			m.ParseFailures++
		}
		if out[i].Clamped {
			m.Clamped++
		}
	}
	r.p.metrics.AddItems("scored", m.Scored)
	return out, nil
}

// scoreOne asks the oracle once, retries once with the strict instruction
// after a malformed answer, and falls back to the sentinel. A timeout has
// already been retried by the guard and goes straight to the sentinel.
func (r *run) scoreOne(ctx context.Context, item model.RawItem, hint int) (model.ScoredItem, error) {
	s := model.ScoredItem{
		RawItem:     item,
		Fingerprint: item.Fingerprint(),
		RegexHint:   hint,
	}
	in := oracle.ScoreInput{
		Title:          item.Title,
		Summary:        item.Summary,
		URL:            item.URL,
		SourceID:       item.SourceID,
		SourceCategory: item.SourceCategory,
		PublishedDate:  item.PublishedDate,
		RegexHint:      hint,
	}
	log := r.log.With(zap.String("fingerprint", s.Fingerprint))

	for _, strict := range []bool{false, true} {
		prop, err := callOracle(ctx, r, oracle.StageScore, func(ctx context.Context) (oracle.ScoreProposal, error) {
			return r.p.oracle.Score(ctx, in, strict)
		})
		if err == nil {
			cat := model.Category(prop.Category)
			if !cat.Valid() {
				err = eris.Wrapf(oracle.ErrMalformed, "unknown category %q", prop.Category)
			} else {
				return applyScore(s, prop, log), nil
			}
		}

		switch {
		case resilience.IsTimeout(err):
			log.Warn("pipeline: scoring timed out twice, using sentinel")
			s = sentinel(s)
			s.TimedOut = true
			return s, nil
		case errors.Is(err, oracle.ErrMalformed):
			log.Warn("pipeline: malformed score", zap.Bool("strict", strict), zap.Error(err))
		default:
			return s, err
		}
	}

	log.Warn("pipeline: scoring failed after strict retry, using sentinel")
	return sentinel(s), nil
}

func applyScore(s model.ScoredItem, prop oracle.ScoreProposal, log *zap.Logger) model.ScoredItem {
	score, clamped := model.ClampScore(prop.Score)
	if clamped {
		log.Warn("pipeline: score out of range, clamped",
			zap.Int("proposed", prop.Score),
			zap.Int("clamped", score),
		)
	}
	s.Score = score
	s.Clamped = clamped
	s.Category = model.Category(prop.Category)
	s.Rationale = prop.Rationale
	s.Vaporware = prop.Vaporware
	return s
}

func sentinel(s model.ScoredItem) model.ScoredItem {
	s.Score = model.SentinelScore
	s.Category = model.CategoryOutOfScope
	s.Rationale = sentinelRationale
	s.Vaporware = false
	s.ParseFailure = true
	return s
}
