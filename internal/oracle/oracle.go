// Package oracle defines the contracts of the three language-model calls the
// pipeline makes (scoring, synthesis and review) and an Anthropic-backed
// implementation of them. Oracles only propose; the pipeline validates and
// applies every proposal.
package oracle

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/model"
)

// Stage names used for usage accounting and metrics.
const (
	StageScore      = "score"
	StageSynthesize = "synthesize"
	StageReview     = "review"
)

var (
	// ErrMalformed means the oracle answered but the answer could not be
	// decoded into the expected shape.
	ErrMalformed = eris.New("oracle: malformed response")

	// ErrUnavailable means the oracle refused the call in a way retrying will
	// not fix (authentication, bad request, exhausted quota).
	ErrUnavailable = eris.New("oracle: unavailable")
)

// ScoreInput is everything the scoring oracle sees about one item.
type ScoreInput struct {
	Title          string
	Summary        string
	URL            string
	SourceID       string
	SourceCategory model.SourceCategory
	PublishedDate  *time.Time
	RegexHint      int
}

// ScoreProposal is the scoring oracle's raw judgment. Score may be outside
// [1,10] and Category may be unknown; the pipeline validates both.
type ScoreProposal struct {
	Score     int
	Category  string
	Rationale string
	Vaporware bool
}

// SynthesisInput is one scored item offered for clustering.
type SynthesisInput struct {
	Ref       string
	Title     string
	URL       string
	Score     int
	Category  model.Category
	Rationale string
	Vaporware bool
}

// ThemeProposal is one cluster as proposed by the oracle.
type ThemeProposal struct {
	Name         string   `json:"name"`
	ItemRefs     []string `json:"items"`
	Significance string   `json:"significance"`
	Narrative    string   `json:"narrative"`
}

// SynthesisProposal is the synthesis oracle's raw output.
type SynthesisProposal struct {
	Themes            []ThemeProposal `json:"themes"`
	OverallAssessment string          `json:"overall_assessment"`
	TLDR              string          `json:"tldr"`
	Summary           string          `json:"summary"`
	WhatToWatch       []string        `json:"what_to_watch"`
	TopRefs           []string        `json:"top_items"`
}

// ReviewInput is the draft handed to the reviewer.
type ReviewInput struct {
	Items  []SynthesisInput
	Themes []model.Theme
	Brief  model.ExecutiveBrief
}

// ScoreAdjustmentProposal asks for an item's score to change.
type ScoreAdjustmentProposal struct {
	Ref           string `json:"ref"`
	AdjustedScore int    `json:"adjusted_score"`
	Reason        string `json:"reason"`
}

// SignificanceProposal asks for a theme to be re-rated.
type SignificanceProposal struct {
	Theme        string `json:"theme"`
	Significance string `json:"significance"`
	Reason       string `json:"reason"`
}

// ReviewProposal is the reviewer's raw verdict.
type ReviewProposal struct {
	Assessment        string                    `json:"assessment"`
	QualityScore      int                       `json:"quality_score"`
	Adjustments       []ScoreAdjustmentProposal `json:"score_adjustments"`
	SignificanceFlags []SignificanceProposal    `json:"significance_flags"`
	VaporwareRefs     []string                  `json:"vaporware_flags"`
	MissedSignals     []string                  `json:"missed_signals"`
	TopPicks          []string                  `json:"top_picks"`
	Notes             string                    `json:"reviewer_notes"`
}

// Scorer judges a single item. strict asks for the stricter instruction
// used on the retry after a malformed answer.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput, strict bool) (ScoreProposal, error)
}

// Synthesizer clusters scored items and writes the executive brief.
type Synthesizer interface {
	Synthesize(ctx context.Context, items []SynthesisInput, strict bool) (SynthesisProposal, error)
}

// Reviewer critiques a draft.
type Reviewer interface {
	Review(ctx context.Context, in ReviewInput, strict bool) (ReviewProposal, error)
}

// Oracle bundles all three calls.
type Oracle interface {
	Scorer
	Synthesizer
	Reviewer
}
