package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/config"
	"github.com/sells-group/newshound/internal/cost"
	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/resilience"
	"github.com/sells-group/newshound/pkg/anthropic"
)

// Config selects models and prompt bounds for the Anthropic oracle.
type Config struct {
	ScoringModel    string
	SynthesisModel  string
	ReviewModel     string
	MaxTokens       int64
	ThemeMin        int
	ThemeMax        int
	SummaryMaxChars int
	CacheTTL        string
}

// ConfigFrom derives the oracle settings from application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ScoringModel:    cfg.Anthropic.ScoringModel,
		SynthesisModel:  cfg.Anthropic.SynthesisModel,
		ReviewModel:     cfg.Anthropic.ReviewModel,
		MaxTokens:       cfg.Anthropic.MaxTokens,
		ThemeMin:        cfg.Pipeline.ThemeMin,
		ThemeMax:        cfg.Pipeline.ThemeMax,
		SummaryMaxChars: cfg.Pipeline.SummaryMaxChars,
		CacheTTL:        "5m",
	}
}

// Anthropic implements Oracle on top of the Messages API.
type Anthropic struct {
	client  anthropic.Client
	prompts *Prompts
	cfg     Config
	usage   *UsageTracker
	calc    *cost.Calculator
}

// NewAnthropic creates an Anthropic-backed oracle. A nil prompts uses the
// defaults and a nil usage tracker disables accounting.
func NewAnthropic(client anthropic.Client, prompts *Prompts, cfg Config, usage *UsageTracker) *Anthropic {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.ThemeMin <= 0 {
		cfg.ThemeMin = 2
	}
	if cfg.ThemeMax < cfg.ThemeMin {
		cfg.ThemeMax = 5
	}
	return &Anthropic{
		client:  client,
		prompts: prompts,
		cfg:     cfg,
		usage:   usage,
		calc:    cost.NewCalculator(cost.DefaultRates()),
	}
}

// Score asks the scoring model to judge one item.
func (a *Anthropic) Score(ctx context.Context, in ScoreInput, strict bool) (ScoreProposal, error) {
	in.Summary = truncate(in.Summary, a.cfg.SummaryMaxChars)
	text, err := a.call(ctx, StageScore, a.cfg.ScoringModel, PromptScore, in, strict)
	if err != nil {
		return ScoreProposal{}, err
	}
	return parseScore(text)
}

type synthesisData struct {
	Items    []SynthesisInput
	ThemeMin int
	ThemeMax int
}

// Synthesize asks the synthesis model to cluster items and write the brief.
func (a *Anthropic) Synthesize(ctx context.Context, items []SynthesisInput, strict bool) (SynthesisProposal, error) {
	data := synthesisData{Items: items, ThemeMin: a.cfg.ThemeMin, ThemeMax: a.cfg.ThemeMax}
	text, err := a.call(ctx, StageSynthesize, a.cfg.SynthesisModel, PromptSynthesize, data, strict)
	if err != nil {
		return SynthesisProposal{}, err
	}

	var out SynthesisProposal
	if err := decode(text, &out); err != nil {
		return SynthesisProposal{}, eris.Wrap(err, "synthesize")
	}
	if len(out.Themes) == 0 && len(items) > 0 {
		return SynthesisProposal{}, eris.Wrap(ErrMalformed, "synthesize: no themes")
	}
	return out, nil
}

// Review asks the review model to critique a draft.
func (a *Anthropic) Review(ctx context.Context, in ReviewInput, strict bool) (ReviewProposal, error) {
	text, err := a.call(ctx, StageReview, a.cfg.ReviewModel, PromptReview, in, strict)
	if err != nil {
		return ReviewProposal{}, err
	}

	var out ReviewProposal
	if err := decode(text, &out); err != nil {
		return ReviewProposal{}, eris.Wrap(err, "review")
	}
	out.Assessment = strings.ToUpper(strings.TrimSpace(out.Assessment))
	if out.Assessment == "" {
		return ReviewProposal{}, eris.Wrap(ErrMalformed, "review: missing assessment")
	}
	return out, nil
}

func (a *Anthropic) call(ctx context.Context, stage, modelName, prompt string, data any, strict bool) (string, error) {
	user, err := a.prompts.Render(prompt, data, strict)
	if err != nil {
		return "", err
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     modelName,
		MaxTokens: a.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(a.prompts.System(), a.cfg.CacheTTL),
		Messages:  []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", classify(err)
	}

	usage := a.calc.Usage(modelName, model.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	})
	if a.usage != nil {
		a.usage.Record(stage, usage)
	}
	zap.L().Debug("oracle call",
		zap.String("stage", stage),
		zap.String("model", modelName),
		zap.Bool("strict", strict),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Float64("cost_usd", usage.Cost),
	)

	if resp.StopReason == "max_tokens" {
		zap.L().Warn("oracle: response truncated at max tokens", zap.String("stage", stage))
	}
	return resp.Text(), nil
}

// classify maps client errors onto the oracle error taxonomy: retryable
// statuses become resilience.TransientError, other API refusals wrap
// ErrUnavailable, and everything else passes through for the retry layer
// to judge.
func classify(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return eris.Wrapf(ErrUnavailable, "status %d: %v", apiErr.StatusCode, err)
	}
	return err
}

// maxRawScore bounds a proposed score before rounding. Anything beyond it is
// out of range either way and is clamped later.
const maxRawScore = 1e6

func parseScore(text string) (ScoreProposal, error) {
	var raw struct {
		Score      *json.Number `json:"score"`
		Category   string       `json:"category"`
		Assessment string       `json:"assessment"`
		Rationale  string       `json:"rationale"`
		Vaporware  bool         `json:"vaporware"`
	}
	if err := decode(text, &raw); err != nil {
		return ScoreProposal{}, eris.Wrap(err, "score")
	}
	if raw.Score == nil {
		return ScoreProposal{}, eris.Wrap(ErrMalformed, "score: missing score")
	}
	f, err := raw.Score.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return ScoreProposal{}, eris.Wrapf(ErrMalformed, "score: not a number: %s", raw.Score.String())
	}

	// Bound in float space so the int conversion cannot wrap.
	f = math.Max(-maxRawScore, math.Min(f, maxRawScore))

	rationale := raw.Assessment
	if rationale == "" {
		rationale = raw.Rationale
	}
	return ScoreProposal{
		Score:     int(math.Round(f)),
		Category:  strings.ToLower(strings.TrimSpace(raw.Category)),
		Rationale: strings.TrimSpace(rationale),
		Vaporware: raw.Vaporware,
	}, nil
}

// decode unmarshals the JSON object in text into v, returning ErrMalformed
// when there is none.
func decode(text string, v any) error {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return eris.Wrap(ErrMalformed, "empty response")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return eris.Wrapf(ErrMalformed, "decode: %v", err)
	}
	return nil
}

// cleanJSON strips markdown code fences and any prose around the outermost
// JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
