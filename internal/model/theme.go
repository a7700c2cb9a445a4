package model

// Significance rates a theme.
type Significance string

const (
	SignificanceRoutine      Significance = "routine"
	SignificanceNotable      Significance = "notable"
	SignificanceBreakthrough Significance = "breakthrough"
)

// Rank orders significance levels; unknown values rank lowest.
func (s Significance) Rank() int {
	switch s {
	case SignificanceBreakthrough:
		return 2
	case SignificanceNotable:
		return 1
	}
	return 0
}

// Valid reports whether s is a known level.
func (s Significance) Valid() bool {
	switch s {
	case SignificanceRoutine, SignificanceNotable, SignificanceBreakthrough:
		return true
	}
	return false
}

// SignificanceForScore maps a single item score to the tier it implies.
func SignificanceForScore(score int) Significance {
	switch {
	case score >= 9:
		return SignificanceBreakthrough
	case score >= 7:
		return SignificanceNotable
	}
	return SignificanceRoutine
}

// ResidualThemeName names the catch-all theme for items that did not cluster.
const ResidualThemeName = "Uncategorized"

// Theme is a named cluster of scored items.
type Theme struct {
	Name                 string       `json:"name"`
	Significance         Significance `json:"significance"`
	ProposedSignificance Significance `json:"proposed_significance,omitempty"`
	Narrative            string       `json:"narrative"`
	ItemRefs             []string     `json:"item_refs"`
	MaxScore             int          `json:"max_score"`
	Residual             bool         `json:"residual,omitempty"`
}

// OverallAssessment summarizes how eventful the period was.
type OverallAssessment string

const (
	AssessmentQuietWeek         OverallAssessment = "quiet_week"
	AssessmentActiveWeek        OverallAssessment = "active_week"
	AssessmentMajorDevelopments OverallAssessment = "major_developments"
)

// ExecutiveBrief is the narrative handed to rendering collaborators.
type ExecutiveBrief struct {
	TLDR              string            `json:"tldr"`
	Summary           string            `json:"summary"`
	WhatToWatch       []string          `json:"what_to_watch,omitempty"`
	OverallAssessment OverallAssessment `json:"overall_assessment"`
	TopRefs           []string          `json:"top_refs,omitempty"`
	// Degraded is set when the brief was assembled without the oracle.
	Degraded bool `json:"degraded,omitempty"`
}
