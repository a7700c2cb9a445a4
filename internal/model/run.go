package model

import "time"

// RunStatus represents the current state of a triage run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusQuietWeek RunStatus = "quiet_week"
	RunStatusFailed    RunStatus = "failed"
	// RunStatusDryRun marks a run that stopped after triage without calling
	// the oracle or persisting anything.
	RunStatusDryRun RunStatus = "dry_run"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusQuietWeek || s == RunStatusFailed || s == RunStatusDryRun
}

// ReviewState tracks the reflection state machine.
type ReviewState string

const (
	ReviewStateDraft       ReviewState = "draft"
	ReviewStateUnderReview ReviewState = "under_review"
	ReviewStateFinalized   ReviewState = "finalized"
)

// Run represents a single persisted triage run.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunPhase represents a phase within a run.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseStatus represents the current state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult holds the outcome of a pipeline phase.
type PhaseResult struct {
	Name       string         `json:"name"`
	Status     PhaseStatus    `json:"status"`
	Duration   int64          `json:"duration_ms"`
	TokenUsage TokenUsage     `json:"token_usage"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunFailure explains why a run produced no brief.
type RunFailure struct {
	Stage    string `json:"stage"`
	InFlight int    `json:"in_flight"`
	Message  string `json:"message"`
}

// RunMetrics counts items through each stage plus oracle usage.
type RunMetrics struct {
	Fetched                int            `json:"fetched"`
	FetchFailures          int            `json:"fetch_failures"`
	InScope                int            `json:"in_scope"`
	SkippedByDedup         int            `json:"skipped_by_dedup"`
	Scored                 int            `json:"scored"`
	ParseFailures          int            `json:"parse_failures"`
	Clamped                int            `json:"clamped"`
	Themed                 int            `json:"themed"`
	Adjustments            int            `json:"adjustments"`
	Alerts                 int            `json:"alerts"`
	FabricatedLinksRemoved int            `json:"fabricated_links_removed"`
	Discovered             int            `json:"discovered"`
	OracleCalls            int            `json:"oracle_calls"`
	OracleCallsByStage     map[string]int `json:"oracle_calls_by_stage,omitempty"`
	Usage                  TokenUsage     `json:"usage"`
}

// SignificanceFlag records a reviewer request to re-rate a theme.
type SignificanceFlag struct {
	Theme    string       `json:"theme"`
	Proposed Significance `json:"proposed"`
	Applied  Significance `json:"applied"`
	Reason   string       `json:"reason"`
}

// ReviewSummary is the reviewer's verdict as applied by the pipeline.
type ReviewSummary struct {
	Assessment        string             `json:"assessment"`
	QualityScore      int                `json:"quality_score"`
	MissedSignals     []string           `json:"missed_signals,omitempty"`
	TopPicks          []string           `json:"top_picks,omitempty"`
	VaporwareRefs     []string           `json:"vaporware_refs,omitempty"`
	SignificanceFlags []SignificanceFlag `json:"significance_flags,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	Degraded          bool               `json:"degraded,omitempty"`
}

// RunResult is everything a run hands to downstream collaborators.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Status      RunStatus              `json:"status"`
	ReviewState ReviewState            `json:"review_state,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	ScoredItems []ScoredItem           `json:"scored_items"`
	Themes      []Theme                `json:"themes"`
	Brief       *ExecutiveBrief        `json:"brief,omitempty"`
	Alerts      []ScoredItem           `json:"alerts"`
	Review      *ReviewSummary         `json:"review,omitempty"`
	History     map[string]DedupRecord `json:"history,omitempty"`
	Sources     map[string]Source      `json:"sources,omitempty"`
	Metrics     RunMetrics             `json:"metrics"`
	Phases      []PhaseResult          `json:"phases,omitempty"`
	Failure     *RunFailure            `json:"failure,omitempty"`
}

// WithoutSnapshots returns a shallow copy with the state snapshots removed,
// which is what gets written to the run log.
func (r RunResult) WithoutSnapshots() RunResult {
	r.History = nil
	r.Sources = nil
	return r
}
