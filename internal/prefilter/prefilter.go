// Package prefilter is the deterministic regex triage applied to raw items
// before any oracle call.
package prefilter

import (
	"regexp"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/config"
	"github.com/sells-group/newshound/internal/model"
)

const (
	defaultHint = 4
	// outOfDomainCap bounds the hint for items matching an exclusion pattern
	// without a strict-scope term.
	outOfDomainCap = 6
	// strictGate is the lowest hint that requires a strict-scope match.
	strictGate  = 9
	suppressCap = 2
)

type hint struct {
	score int
	re    *regexp.Regexp
}

// Filter holds the compiled pattern sets. It is immutable and safe for
// concurrent use.
type Filter struct {
	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	strict   []*regexp.Regexp
	high     []hint
	low      []hint
	suppress []*regexp.Regexp
	override []*regexp.Regexp
}

// New compiles cfg. Patterns are case-insensitive. An empty include set is
// an error since nothing could ever be in scope.
func New(cfg config.PrefilterConfig) (*Filter, error) {
	if len(cfg.Include) == 0 {
		return nil, eris.New("prefilter: include pattern set is empty")
	}

	f := &Filter{}
	var err error
	if f.include, err = compileAll("include", cfg.Include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileAll("exclude", cfg.Exclude); err != nil {
		return nil, err
	}
	if f.strict, err = compileAll("strict", cfg.Strict); err != nil {
		return nil, err
	}
	if f.suppress, err = compileAll("suppress", cfg.Suppress); err != nil {
		return nil, err
	}
	if f.override, err = compileAll("suppress_override", cfg.SuppressOverride); err != nil {
		return nil, err
	}
	if f.high, err = compileHints("high_hints", cfg.HighHints); err != nil {
		return nil, err
	}
	if f.low, err = compileHints("low_hints", cfg.LowHints); err != nil {
		return nil, err
	}
	return f, nil
}

func compile(set, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "prefilter: compile %s pattern %q", set, pattern)
	}
	return re, nil
}

func compileAll(set string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compile(set, p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func compileHints(set string, hints []config.HintPattern) ([]hint, error) {
	out := make([]hint, 0, len(hints))
	for _, h := range hints {
		if h.Score < model.MinScore || h.Score > model.MaxScore {
			return nil, eris.Errorf("prefilter: %s score %d outside [%d,%d]", set, h.Score, model.MinScore, model.MaxScore)
		}
		re, err := compile(set, h.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, hint{score: h.Score, re: re})
	}
	return out, nil
}

func anyMatch(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func text(item model.RawItem) string {
	return item.Title + "\n" + item.Summary
}

// IsInScope reports whether the item mentions a domain term. Items that
// match an exclusion pattern are out of scope unless a strict-scope term is
// also present; ambiguous acronyms are left for the scoring oracle.
func (f *Filter) IsInScope(item model.RawItem) bool {
	t := text(item)
	if !anyMatch(f.include, t) {
		return false
	}
	if anyMatch(f.exclude, t) && !anyMatch(f.strict, t) {
		return false
	}
	return true
}

// IsStrict reports whether the item matches a strict-scope pattern.
func (f *Filter) IsStrict(item model.RawItem) bool {
	return anyMatch(f.strict, text(item))
}

// RegexScore is a deterministic relevance hint in [1,10]. It orders items
// for scoring and is shown to the oracle as context; it never replaces an
// oracle score.
func (f *Filter) RegexScore(item model.RawItem) int {
	t := text(item)
	score := defaultHint

	for _, h := range f.high {
		if h.score > score && h.re.MatchString(t) {
			score = h.score
		}
	}
	for _, h := range f.low {
		if h.score < score && h.re.MatchString(t) {
			score = h.score
		}
	}

	if anyMatch(f.suppress, t) && !anyMatch(f.override, t) {
		score = min(score, suppressCap)
	}

	strict := anyMatch(f.strict, t)
	if score > outOfDomainCap && anyMatch(f.exclude, t) && !strict {
		score = outOfDomainCap
	}
	if score >= strictGate && !strict {
		score = outOfDomainCap
	}

	clamped, _ := model.ClampScore(score)
	return clamped
}

// SourceCount is the per-source pre-filter yield.
type SourceCount struct {
	Fetched int `json:"fetched"`
	InScope int `json:"in_scope"`
}

// Result is the outcome of Apply.
type Result struct {
	// InScope holds one item per fingerprint, ordered by hint descending.
	InScope []model.RawItem
	// Hints maps fingerprint to regex hint.
	Hints map[string]int
	// Sources counts fetched and in-scope items per source before
	// collapsing duplicates.
	Sources map[string]SourceCount
	// Duplicates counts in-scope items dropped because an earlier item had
	// the same fingerprint.
	Duplicates int
}

// Apply filters items, collapses same-fingerprint repeats within the batch
// and orders survivors by hint. Applying it twice to the same input yields
// the same result.
func (f *Filter) Apply(items []model.RawItem) Result {
	res := Result{
		Hints:   make(map[string]int),
		Sources: make(map[string]SourceCount),
	}

	for _, item := range items {
		sc := res.Sources[item.SourceID]
		sc.Fetched++

		if f.IsInScope(item) {
			sc.InScope++
			fp := item.Fingerprint()
			if _, dup := res.Hints[fp]; dup {
				res.Duplicates++
			} else {
				res.Hints[fp] = f.RegexScore(item)
				res.InScope = append(res.InScope, item)
			}
		}
		res.Sources[item.SourceID] = sc
	}

	sort.SliceStable(res.InScope, func(i, j int) bool {
		return res.Hints[res.InScope[i].Fingerprint()] > res.Hints[res.InScope[j].Fingerprint()]
	})
	return res
}
