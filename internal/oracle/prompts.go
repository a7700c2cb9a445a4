package oracle

import (
	"bytes"
	"os"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Prompt names. These are also the keys of the overrides file.
const (
	PromptSystem     = "system"
	PromptScore      = "score_item"
	PromptSynthesize = "synthesize"
	PromptReview     = "review"
	PromptStrict     = "strict"
)

const defaultSystem = `You are a senior neurotechnology research analyst specializing in implantable brain-computer interfaces, intracranial recording (ECoG, sEEG, iEEG) and neural stimulation.

SCORING CRITERIA (most to least significant):
- 9-10: human implant or first-in-human, FDA milestone (IDE, PMA, De Novo, 510(k)), pivotal clinical trial
- 7-8: ECoG/sEEG/iEEG recording, single-unit or spiking data, microstimulation, closed-loop BCI
- 5-6: materials and biocompatibility, animal BCI studies, neural decoding methods
- 3-4: tangentially related neuroscience that is not BCI or implant focused
- 1-2: out of scope (scalp EEG wearables, marketing, unrelated clinical work)

CATEGORIES: implantable_bci, ecog_seeg, stimulation, materials, regulatory, funding, animal_study, methods, out_of_scope

If an item is not about implantable neural interfaces, intracranial recording or BCI, score it 1-3 whatever keywords it contains. Prefer peer-reviewed work over press releases. Call out vaporware and marketing.

Only cite items and links that appear in the input. Respond with a single JSON object and nothing else.`

const defaultScore = `Score this item for relevance to implantable neurotechnology.

TITLE: {{.Title}}
SOURCE: {{.SourceID}} ({{.SourceCategory}})
{{- if .PublishedDate}}
PUBLISHED: {{.PublishedDate.Format "2006-01-02"}}
{{- end}}
{{- if .URL}}
URL: {{.URL}}
{{- end}}
KEYWORD PRE-SCORE: {{.RegexHint}} (a regex estimate; judge the content yourself)
ABSTRACT/SUMMARY: {{.Summary}}

Respond in JSON:
{"score": <integer 1-10>,
 "category": "<one of the categories>",
 "assessment": "<1-2 sentences: what this is and why it matters or does not>",
 "vaporware": <true|false>}`

const defaultSynthesize = `Here are {{len .Items}} scored research items from the past week. Each line starts with the item's ref.

{{range .Items -}}
- {{.Ref}} [{{.Score}}] ({{.Category}}) {{truncate .Title 100}}
  {{truncate .Rationale 150}}
{{end}}
TASK: group these into {{.ThemeMin}}-{{.ThemeMax}} coherent themes based on what the items are about, not on source or score.

For each theme:
1. Name it concisely (for example "Speech Decoding Advances" or "Electrode Longevity")
2. List the refs of the items that belong to it; an item belongs to at most one theme
3. Rate significance: routine, notable or breakthrough
4. Write a 2-3 sentence narrative: what happened and why it matters

Then write the brief: a one-line TL;DR, a 1-2 sentence summary of the week, up to three things to watch, and the refs of the most important items.

Respond in JSON:
{"themes": [{"name": "...", "items": ["i1", "i2"], "significance": "routine|notable|breakthrough", "narrative": "..."}],
 "overall_assessment": "quiet_week|active_week|major_developments",
 "tldr": "...",
 "summary": "...",
 "what_to_watch": ["..."],
 "top_items": ["i1"]}`

const defaultReview = `You are a Principal Investigator reviewing a weekly neurotechnology briefing prepared by a research associate.

SCORED ITEMS:
{{range .Items -}}
- {{.Ref}} [{{.Score}}] ({{.Category}}) {{truncate .Title 100}}{{if .Vaporware}} [flagged vaporware]{{end}}
{{end}}
THEMES:
{{range .Themes -}}
- {{.Name}} ({{.Significance}}): {{join .ItemRefs ", "}}
  {{.Narrative}}
{{end}}
BRIEF ({{.Brief.OverallAssessment}}):
TL;DR: {{.Brief.TLDR}}
{{.Brief.Summary}}

REVIEW CHECKLIST:
1. Are any scores miscalibrated? A scalp EEG headset should not score above 5; a first-in-human implant should not score below 8.
2. Is any theme's significance wrong?
3. Are there vaporware or hype items scored too high?
4. Are there missed signals: items the associate scored too low that deserve attention?
5. Which items are the top picks?

Respond in JSON:
{"assessment": "APPROVE|NEEDS_REVISION",
 "quality_score": <integer 1-10>,
 "score_adjustments": [{"ref": "i3", "adjusted_score": <integer 1-10>, "reason": "..."}],
 "significance_flags": [{"theme": "<theme name>", "significance": "routine|notable|breakthrough", "reason": "..."}],
 "vaporware_flags": ["i7"],
 "missed_signals": ["..."],
 "top_picks": ["i1"],
 "reviewer_notes": "2-3 sentences"}`

const defaultStrict = `Your previous answer could not be parsed. Reply with exactly one JSON object matching the format above. Do not add prose, markdown or code fences. Use only the allowed enum values and integers in range.`

// Prompts holds the compiled prompt templates.
type Prompts struct {
	system string
	strict string
	tmpl   *template.Template
}

var funcs = template.FuncMap{
	"truncate": truncate,
	"join":     strings.Join,
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() *Prompts {
	p, err := compile(map[string]string{})
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPrompts reads a YAML file mapping prompt names to template text and
// layers it over the defaults. An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return DefaultPrompts(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "oracle: read prompts %s", path)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, eris.Wrapf(err, "oracle: parse prompts %s", path)
	}
	for name := range overrides {
		switch name {
		case PromptSystem, PromptScore, PromptSynthesize, PromptReview, PromptStrict:
		default:
			return nil, eris.Errorf("oracle: unknown prompt %q in %s", name, path)
		}
	}

	return compile(overrides)
}

func compile(overrides map[string]string) (*Prompts, error) {
	pick := func(name, def string) string {
		if v, ok := overrides[name]; ok && strings.TrimSpace(v) != "" {
			return v
		}
		return def
	}

	root := template.New("prompts").Funcs(funcs).Option("missingkey=error")
	for name, def := range map[string]string{
		PromptScore:      defaultScore,
		PromptSynthesize: defaultSynthesize,
		PromptReview:     defaultReview,
	} {
		if _, err := root.New(name).Parse(pick(name, def)); err != nil {
			return nil, eris.Wrapf(err, "oracle: parse prompt %s", name)
		}
	}

	return &Prompts{
		system: pick(PromptSystem, defaultSystem),
		strict: pick(PromptStrict, defaultStrict),
		tmpl:   root,
	}, nil
}

// System returns the rubric sent as the cached system block.
func (p *Prompts) System() string { return p.system }

// Render executes the named template. strict appends the stricter
// instruction used after a malformed answer.
func (p *Prompts) Render(name string, data any, strict bool) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", eris.Wrapf(err, "oracle: render prompt %s", name)
	}
	if strict {
		buf.WriteString("\n\n")
		buf.WriteString(p.strict)
	}
	return buf.String(), nil
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
