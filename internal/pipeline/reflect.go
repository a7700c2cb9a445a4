package pipeline

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/oracle"
)

const (
	assessmentApprove       = "APPROVE"
	assessmentNeedsRevision = "NEEDS_REVISION"
)

// reflect runs the reviewer over the draft and applies what it proposes.
// The reviewer only proposes: scores move by at most MaxAdjustmentDelta,
// theme significance is always re-derived from the adjusted max score, and
// every change keeps the original value. scored and d are updated in place.
func (r *run) reflect(scored []model.ScoredItem, d *draft) error {
	r.result.ReviewState = model.ReviewStateUnderReview

	in := oracle.ReviewInput{Themes: d.themes, Brief: d.brief}
	for _, it := range scored {
		if it.ParseFailure {
			continue
		}
		if len(in.Items) == r.p.settings.SynthesisMaxItems {
			break
		}
		in.Items = append(in.Items, synthesisInput(it))
	}

	var prop *oracle.ReviewProposal
	for _, strict := range []bool{false, true} {
		out, err := callOracle(r.ctx, r, oracle.StageReview, func(ctx context.Context) (oracle.ReviewProposal, error) {
			return r.p.oracle.Review(ctx, in, strict)
		})
		if err == nil {
			prop = &out
			break
		}
		if !degradable(err) {
			return err
		}
		r.log.Warn("pipeline: review unusable", zap.Bool("strict", strict), zap.Error(err))
	}

	if prop == nil {
		r.log.Warn("pipeline: finalizing without review")
		r.result.Review = &model.ReviewSummary{
			Assessment: assessmentNeedsRevision,
			Notes:      "reviewer response could not be used; draft finalized unreviewed",
			Degraded:   true,
		}
		return nil
	}

	index := make(map[string]int, len(scored))
	for i, it := range scored {
		index[it.Ref] = i
	}

	r.result.Metrics.Adjustments = r.applyAdjustments(scored, index, prop.Adjustments)

	var vaporware []string
	for _, ref := range dedupeRefs(prop.VaporwareRefs) {
		i, ok := index[ref]
		if !ok {
			continue
		}
		scored[i].Vaporware = true
		vaporware = append(vaporware, ref)
	}

	refreshThemes(d.themes, scoreIndex(scored))
	flags := significanceFlags(d.themes, prop.SignificanceFlags)
	sortThemes(d.themes)
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	var picks []string
	for _, ref := range dedupeRefs(prop.TopPicks) {
		if _, ok := index[ref]; ok {
			picks = append(picks, ref)
		}
	}

	assessment := strings.ToUpper(strings.TrimSpace(prop.Assessment))
	if assessment != assessmentApprove {
		assessment = assessmentNeedsRevision
	}
	quality, _ := model.ClampScore(prop.QualityScore)

	summary := &model.ReviewSummary{
		Assessment:        assessment,
		QualityScore:      quality,
		MissedSignals:     nonEmpty(prop.MissedSignals),
		TopPicks:          picks,
		VaporwareRefs:     vaporware,
		SignificanceFlags: flags,
		Notes:             strings.TrimSpace(prop.Notes),
	}
	if n := auditReview(summary, d.allowed); n > 0 {
		r.result.Metrics.FabricatedLinksRemoved += n
		r.log.Warn("pipeline: removed links from review", zap.Int("count", n))
	}
	r.result.Review = summary

	r.log.Info("pipeline: review applied",
		zap.String("assessment", assessment),
		zap.Int("quality", quality),
		zap.Int("adjustments", r.result.Metrics.Adjustments),
		zap.Int("vaporware", len(vaporware)),
	)
	return nil
}

// applyAdjustments applies the first proposal per known ref and returns
// how many scores changed. Sentinel items are never adjusted.
func (r *run) applyAdjustments(scored []model.ScoredItem, index map[string]int, props []oracle.ScoreAdjustmentProposal) int {
	delta := r.p.settings.MaxAdjustmentDelta
	seen := make(map[string]bool)
	applied := 0
	for _, a := range props {
		ref := strings.TrimSpace(a.Ref)
		i, ok := index[ref]
		if !ok || seen[ref] {
			continue
		}
		seen[ref] = true
		it := &scored[i]
		if it.ParseFailure {
			continue
		}

		target, _ := model.ClampScore(a.AdjustedScore)
		bounded := false
		lo, hi := it.Score-delta, it.Score+delta
		switch {
		case target < lo:
			target, bounded = lo, true
		case target > hi:
			target, bounded = hi, true
		}
		if target == it.Score {
			continue
		}

		reason := strings.TrimSpace(a.Reason)
		it.Adjustment = &model.Adjustment{
			OriginalScore:     it.Score,
			OriginalRationale: it.Rationale,
			ProposedScore:     a.AdjustedScore,
			AdjustedScore:     target,
			Reason:            reason,
			Bounded:           bounded,
		}
		if bounded {
			r.log.Debug("pipeline: adjustment bounded",
				zap.String("ref", ref),
				zap.Int("proposed", a.AdjustedScore),
				zap.Int("applied", target),
			)
		}
		it.Score = target
		if reason != "" {
			it.Rationale = reason
		}
		applied++
	}
	return applied
}

// significanceFlags records reviewer re-rating requests against the themes
// they name. The applied level is the one derived from the theme's max
// score, so a flag can only confirm or be overruled by the scores.
func significanceFlags(themes []model.Theme, props []oracle.SignificanceProposal) []model.SignificanceFlag {
	var out []model.SignificanceFlag
	for _, p := range props {
		name := strings.TrimSpace(p.Theme)
		for _, t := range themes {
			if !strings.EqualFold(t.Name, name) {
				continue
			}
			out = append(out, model.SignificanceFlag{
				Theme:    t.Name,
				Proposed: model.Significance(strings.ToLower(strings.TrimSpace(p.Significance))),
				Applied:  t.Significance,
				Reason:   strings.TrimSpace(p.Reason),
			})
			break
		}
	}
	return out
}

func auditReview(s *model.ReviewSummary, allowed map[string]bool) int {
	total := 0
	var n int
	s.Notes, n = stripLinks(s.Notes, allowed)
	total += n
	for i := range s.MissedSignals {
		s.MissedSignals[i], n = stripLinks(s.MissedSignals[i], allowed)
		total += n
	}
	for i := range s.SignificanceFlags {
		s.SignificanceFlags[i].Reason, n = stripLinks(s.SignificanceFlags[i].Reason, allowed)
		total += n
	}
	return total
}

func dedupeRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	var out []string
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
