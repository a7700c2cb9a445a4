package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/oracle"
)

// draft is the synthesis output awaiting reflection.
type draft struct {
	themes []model.Theme
	brief  model.ExecutiveBrief
	// sent are the items offered to the synthesis oracle.
	sent []model.ScoredItem
	// allowed holds the normalized URLs of every scored item.
	allowed map[string]bool
}

// synthesize clusters the themable items and writes the brief. Malformed or
// timed-out synthesis degrades to category grouping; only an unavailable
// oracle is an error.
func (r *run) synthesize(scored []model.ScoredItem) (*draft, error) {
	s := r.p.settings
	d := &draft{allowed: allowedURLs(scored)}

	var eligible []model.ScoredItem
	for _, it := range scored {
		if it.ParseFailure || it.Category == model.CategoryOutOfScope {
			continue
		}
		eligible = append(eligible, it)
	}

	if len(eligible) == 0 {
		d.themes = []model.Theme{}
		d.brief = model.ExecutiveBrief{
			TLDR:              "No in-scope developments this period.",
			Summary:           fmt.Sprintf("%d items were scored and none fell within scope.", len(scored)),
			OverallAssessment: model.AssessmentQuietWeek,
		}
		return d, nil
	}

	n := min(len(eligible), s.SynthesisMaxItems)
	d.sent = eligible[:n]
	var overflow []model.ScoredItem
	for _, it := range eligible[n:] {
		if it.Score > s.LowSignalCeiling {
			overflow = append(overflow, it)
		}
	}

	inputs := make([]oracle.SynthesisInput, 0, len(d.sent))
	for _, it := range d.sent {
		inputs = append(inputs, synthesisInput(it))
	}

	var prop *oracle.SynthesisProposal
	for _, strict := range []bool{false, true} {
		out, err := callOracle(r.ctx, r, oracle.StageSynthesize, func(ctx context.Context) (oracle.SynthesisProposal, error) {
			return r.p.oracle.Synthesize(ctx, inputs, strict)
		})
		if err == nil {
			prop = &out
			break
		}
		if !degradable(err) {
			return nil, err
		}
		r.log.Warn("pipeline: synthesis unusable", zap.Bool("strict", strict), zap.Error(err))
	}

	var proposals []oracle.ThemeProposal
	if prop != nil {
		proposals = prop.Themes
	} else {
		r.log.Warn("pipeline: synthesis degraded to category grouping")
		proposals = groupByCategory(d.sent)
	}

	themed := append(append([]model.ScoredItem{}, d.sent...), overflow...)
	scores := scoreIndex(themed)
	d.themes = buildThemes(proposals, d.sent, overflow)
	d.themes = enforceThemeBounds(d.themes, scores, s)
	d.brief = buildBrief(prop, themed)

	removed := auditDraft(d)
	r.result.Metrics.FabricatedLinksRemoved += removed
	if removed > 0 {
		r.log.Warn("pipeline: removed links not present in input", zap.Int("count", removed))
	}

	for _, t := range d.themes {
		r.result.Metrics.Themed += len(t.ItemRefs)
	}
	r.p.metrics.AddItems("themed", r.result.Metrics.Themed)
	return d, nil
}

func synthesisInput(it model.ScoredItem) oracle.SynthesisInput {
	return oracle.SynthesisInput{
		Ref:       it.Ref,
		Title:     it.Title,
		URL:       it.URL,
		Score:     it.Score,
		Category:  it.Category,
		Rationale: it.Rationale,
		Vaporware: it.Vaporware,
	}
}

func scoreIndex(items []model.ScoredItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.Ref] = it.Score
	}
	return out
}

// groupByCategory is the deterministic clustering used when the oracle
// cannot synthesize.
func groupByCategory(items []model.ScoredItem) []oracle.ThemeProposal {
	var order []model.Category
	groups := make(map[model.Category][]string)
	for _, it := range items {
		if _, ok := groups[it.Category]; !ok {
			order = append(order, it.Category)
		}
		groups[it.Category] = append(groups[it.Category], it.Ref)
	}
	out := make([]oracle.ThemeProposal, 0, len(order))
	for _, c := range order {
		out = append(out, oracle.ThemeProposal{Name: categoryTitle(c), ItemRefs: groups[c]})
	}
	return out
}

var categoryTitles = map[model.Category]string{
	model.CategoryImplantableBCI: "Implantable BCI",
	model.CategoryECoGSEEG:       "ECoG and sEEG",
	model.CategoryStimulation:    "Neural Stimulation",
	model.CategoryMaterials:      "Materials and Biocompatibility",
	model.CategoryRegulatory:     "Regulatory",
	model.CategoryFunding:        "Funding",
	model.CategoryAnimalStudy:    "Animal Studies",
	model.CategoryMethods:        "Methods",
}

func categoryTitle(c model.Category) string {
	if t, ok := categoryTitles[c]; ok {
		return t
	}
	return string(c)
}

// buildThemes turns proposals into themes. Unknown refs are dropped, an item
// claimed by several themes stays with the first, empty themes vanish, and
// themes with the same name are merged. Items nobody claimed, plus the
// overflow, form the residual theme.
func buildThemes(props []oracle.ThemeProposal, sent, overflow []model.ScoredItem) []model.Theme {
	known := make(map[string]bool, len(sent))
	for _, it := range sent {
		known[it.Ref] = true
	}

	assigned := make(map[string]bool)
	byName := make(map[string]int)
	var themes []model.Theme
	for i, tp := range props {
		var refs []string
		for _, ref := range tp.ItemRefs {
			ref = strings.TrimSpace(ref)
			if !known[ref] || assigned[ref] {
				continue
			}
			assigned[ref] = true
			refs = append(refs, ref)
		}
		if len(refs) == 0 {
			continue
		}

		name := strings.TrimSpace(tp.Name)
		if name == "" {
			name = fmt.Sprintf("Theme %d", i+1)
		}
		key := strings.ToLower(name)
		if idx, ok := byName[key]; ok {
			themes[idx].ItemRefs = append(themes[idx].ItemRefs, refs...)
			continue
		}

		proposed := model.Significance(strings.ToLower(strings.TrimSpace(tp.Significance)))
		if !proposed.Valid() {
			proposed = ""
		}
		byName[key] = len(themes)
		themes = append(themes, model.Theme{
			Name:                 name,
			ProposedSignificance: proposed,
			Narrative:            strings.TrimSpace(tp.Narrative),
			ItemRefs:             refs,
		})
	}

	var residual []string
	titles := make(map[string]string)
	for _, it := range sent {
		if !assigned[it.Ref] {
			residual = append(residual, it.Ref)
			titles[it.Ref] = it.Title
		}
	}
	for _, it := range overflow {
		residual = append(residual, it.Ref)
		titles[it.Ref] = it.Title
	}
	if len(residual) > 0 {
		themes = append(themes, model.Theme{
			Name:      model.ResidualThemeName,
			Residual:  true,
			ItemRefs:  residual,
			Narrative: residualNarrative(residual, titles),
		})
	}
	return themes
}

func residualNarrative(refs []string, titles map[string]string) string {
	if len(refs) == 1 {
		return fmt.Sprintf("One further item: %q.", titles[refs[0]])
	}
	return fmt.Sprintf("%d further items that did not fit a larger theme, led by %q.", len(refs), titles[refs[0]])
}

// refreshThemes recomputes each theme's max score and significance. A
// single high-scoring item lifts the whole theme.
func refreshThemes(themes []model.Theme, scores map[string]int) {
	for i := range themes {
		top := 0
		for _, ref := range themes[i].ItemRefs {
			top = max(top, scores[ref])
		}
		themes[i].MaxScore = top
		themes[i].Significance = model.SignificanceForScore(top)
	}
}

// enforceThemeBounds applies the clustering invariants: fewer than ThemeMin
// groups (or a week where nothing clears the low-signal ceiling) collapses
// to one theme, and more than ThemeMax merges the lowest-significance themes
// into the residual theme. One item or none is returned as is.
func enforceThemeBounds(themes []model.Theme, scores map[string]int, s Settings) []model.Theme {
	refreshThemes(themes, scores)

	items := 0
	lowSignal := true
	for _, t := range themes {
		items += len(t.ItemRefs)
		if t.MaxScore > s.LowSignalCeiling {
			lowSignal = false
		}
	}
	if items <= 1 || len(themes) <= 1 {
		sortThemes(themes)
		return themes
	}

	if lowSignal || len(themes) < s.ThemeMin {
		themes = collapse(themes)
		refreshThemes(themes, scores)
		return themes
	}

	for len(themes) > s.ThemeMax {
		themes = mergeLowest(themes)
		refreshThemes(themes, scores)
	}
	sortThemes(themes)
	return themes
}

// collapse folds every theme into the highest-ranked one.
func collapse(themes []model.Theme) []model.Theme {
	sortThemes(themes)
	head := themes[0]
	head.ItemRefs = append([]string{}, head.ItemRefs...)
	for _, t := range themes[1:] {
		head.ItemRefs = append(head.ItemRefs, t.ItemRefs...)
	}
	return []model.Theme{head}
}

// mergeLowest reduces the theme count by one. The lowest-ranked theme is
// folded into the residual theme; without a residual theme, the two
// lowest-ranked themes become it.
func mergeLowest(themes []model.Theme) []model.Theme {
	residual := -1
	var order []int
	for i, t := range themes {
		if t.Residual {
			residual = i
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool { return lessTheme(themes[order[a]], themes[order[b]]) })

	drop := map[int]bool{order[0]: true}
	if residual >= 0 {
		themes[residual].ItemRefs = append(themes[residual].ItemRefs, themes[order[0]].ItemRefs...)
	} else {
		drop[order[1]] = true
		refs := append(append([]string{}, themes[order[0]].ItemRefs...), themes[order[1]].ItemRefs...)
		themes = append(themes, model.Theme{
			Name:      model.ResidualThemeName,
			Residual:  true,
			ItemRefs:  refs,
			Narrative: fmt.Sprintf("Smaller threads merged from %q and %q.", themes[order[0]].Name, themes[order[1]].Name),
		})
	}

	out := make([]model.Theme, 0, len(themes)-len(drop))
	for i, t := range themes {
		if !drop[i] {
			out = append(out, t)
		}
	}
	return out
}

// lessTheme orders themes from least to most significant.
func lessTheme(a, b model.Theme) bool {
	if a.Significance.Rank() != b.Significance.Rank() {
		return a.Significance.Rank() < b.Significance.Rank()
	}
	if a.MaxScore != b.MaxScore {
		return a.MaxScore < b.MaxScore
	}
	return len(a.ItemRefs) < len(b.ItemRefs)
}

// sortThemes puts the most significant first and the residual theme last.
func sortThemes(themes []model.Theme) {
	sort.SliceStable(themes, func(i, j int) bool {
		if themes[i].Residual != themes[j].Residual {
			return !themes[i].Residual
		}
		return lessTheme(themes[j], themes[i])
	})
}

// buildBrief assembles the executive brief from the proposal, referencing
// only themed items. A nil proposal yields the deterministic brief.
func buildBrief(prop *oracle.SynthesisProposal, themed []model.ScoredItem) model.ExecutiveBrief {
	known := make(map[string]bool, len(themed))
	for _, it := range themed {
		known[it.Ref] = true
	}

	top := 0
	for _, it := range themed {
		top = max(top, it.Score)
	}
	derived := model.AssessmentQuietWeek
	switch {
	case top >= 9:
		derived = model.AssessmentMajorDevelopments
	case top >= 7:
		derived = model.AssessmentActiveWeek
	}

	b := model.ExecutiveBrief{OverallAssessment: derived}
	if prop != nil {
		b.TLDR = strings.TrimSpace(prop.TLDR)
		b.Summary = strings.TrimSpace(prop.Summary)
		for _, w := range prop.WhatToWatch {
			if w = strings.TrimSpace(w); w != "" {
				b.WhatToWatch = append(b.WhatToWatch, w)
			}
		}
		switch a := model.OverallAssessment(strings.ToLower(strings.TrimSpace(prop.OverallAssessment))); a {
		case model.AssessmentQuietWeek, model.AssessmentActiveWeek, model.AssessmentMajorDevelopments:
			b.OverallAssessment = a
		}
		seen := make(map[string]bool)
		for _, ref := range prop.TopRefs {
			ref = strings.TrimSpace(ref)
			if known[ref] && !seen[ref] {
				seen[ref] = true
				b.TopRefs = append(b.TopRefs, ref)
			}
		}
	} else {
		b.Degraded = true
	}

	if len(b.TopRefs) == 0 {
		ranked := append([]model.ScoredItem{}, themed...)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
		for _, it := range ranked[:min(3, len(ranked))] {
			b.TopRefs = append(b.TopRefs, it.Ref)
		}
	}
	if b.TLDR == "" && len(themed) > 0 {
		lead := themed[0]
		for _, it := range themed {
			if it.Ref == b.TopRefs[0] {
				lead = it
			}
		}
		b.TLDR = fmt.Sprintf("Top item: %s (score %d).", lead.Title, lead.Score)
	}
	if b.Summary == "" {
		b.Summary = fmt.Sprintf("%d items themed; highest score %d.", len(themed), top)
	}
	return b
}

var linkPattern = regexp.MustCompile(`(?i)https?://[^\s<>"'()\[\]]+`)

func normalizeURL(u string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
}

func allowedURLs(items []model.ScoredItem) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		if it.URL != "" {
			out[normalizeURL(it.URL)] = true
		}
	}
	return out
}

// stripLinks removes every URL in text that is not in allowed and returns
// the cleaned text and the number removed.
func stripLinks(text string, allowed map[string]bool) (string, int) {
	removed := 0
	out := linkPattern.ReplaceAllStringFunc(text, func(u string) string {
		trimmed := strings.TrimRight(u, ".,;:!?")
		if allowed[normalizeURL(trimmed)] {
			return u
		}
		removed++
		return u[len(trimmed):]
	})
	if removed == 0 {
		return text, 0
	}
	return strings.Join(strings.Fields(out), " "), removed
}

// auditDraft strips fabricated links from the brief and theme narratives.
func auditDraft(d *draft) int {
	total := 0
	clean := func(s *string) {
		var n int
		*s, n = stripLinks(*s, d.allowed)
		total += n
	}
	clean(&d.brief.TLDR)
	clean(&d.brief.Summary)
	for i := range d.brief.WhatToWatch {
		clean(&d.brief.WhatToWatch[i])
	}
	for i := range d.themes {
		clean(&d.themes[i].Narrative)
	}
	return total
}
