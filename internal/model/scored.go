package model

// Category is the closed set of labels the scoring oracle may choose from.
type Category string

const (
	CategoryImplantableBCI Category = "implantable_bci"
	CategoryECoGSEEG       Category = "ecog_seeg"
	CategoryStimulation    Category = "stimulation"
	CategoryMaterials      Category = "materials"
	CategoryRegulatory     Category = "regulatory"
	CategoryFunding        Category = "funding"
	CategoryAnimalStudy    Category = "animal_study"
	CategoryMethods        Category = "methods"
	CategoryOutOfScope     Category = "out_of_scope"
)

// Categories lists every valid category in rubric order.
var Categories = []Category{
	CategoryImplantableBCI,
	CategoryECoGSEEG,
	CategoryStimulation,
	CategoryMaterials,
	CategoryRegulatory,
	CategoryFunding,
	CategoryAnimalStudy,
	CategoryMethods,
	CategoryOutOfScope,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

const (
	// MinScore and MaxScore bound every oracle relevance score.
	MinScore = 1
	MaxScore = 10

	// SentinelScore is assigned when the oracle could not produce a usable score.
	SentinelScore = 1
)

// ClampScore forces s into [MinScore, MaxScore] and reports whether it moved.
func ClampScore(s int) (int, bool) {
	switch {
	case s < MinScore:
		return MinScore, true
	case s > MaxScore:
		return MaxScore, true
	}
	return s, false
}

// ScoredItem is a RawItem with the oracle's relevance judgment attached.
type ScoredItem struct {
	RawItem
	Fingerprint  string      `json:"fingerprint"`
	Ref          string      `json:"ref,omitempty"`
	RegexHint    int         `json:"regex_hint"`
	Score        int         `json:"score"`
	Category     Category    `json:"category"`
	Rationale    string      `json:"rationale"`
	Vaporware    bool        `json:"vaporware"`
	ParseFailure bool        `json:"parse_failure,omitempty"`
	Clamped      bool        `json:"clamped,omitempty"`
	TimedOut     bool        `json:"timed_out,omitempty"`
	Adjustment   *Adjustment `json:"adjustment,omitempty"`
}

// Adjustment records a reflection change to a score. The pre-reflection
// values are always kept.
type Adjustment struct {
	OriginalScore     int    `json:"original_score"`
	OriginalRationale string `json:"original_rationale"`
	ProposedScore     int    `json:"proposed_score"`
	AdjustedScore     int    `json:"adjusted_score"`
	Reason            string `json:"reason"`
	Bounded           bool   `json:"bounded,omitempty"`
}

// OriginalScore returns the pre-reflection score.
func (s ScoredItem) OriginalScore() int {
	if s.Adjustment != nil {
		return s.Adjustment.OriginalScore
	}
	return s.Score
}

// IsAlert reports whether the item reaches the priority alert threshold.
func (s ScoredItem) IsAlert(threshold int) bool {
	return s.Score >= threshold && !s.ParseFailure
}
