package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/store"
)

// Snapshot holds a point-in-time view of recent runs.
type Snapshot struct {
	RunsTotal  int `json:"runs_total"`
	Complete   int `json:"complete"`
	QuietWeeks int `json:"quiet_weeks"`
	Failed     int `json:"failed"`
	Running    int `json:"running"`
	DryRuns    int `json:"dry_runs"`

	// FailRate is failed over finished runs, excluding dry runs.
	FailRate   float64 `json:"fail_rate"`
	CostUSD    float64 `json:"cost_usd"`
	AvgCostUSD float64 `json:"avg_cost_usd"`

	Alerts        int `json:"alerts"`
	ParseFailures int `json:"parse_failures"`
	FetchFailures int `json:"fetch_failures"`

	// ConsecutiveFailures counts failed runs since the last success.
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRunAt           time.Time `json:"last_run_at,omitzero"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`

	LookbackRuns int       `json:"lookback_runs"`
	CollectedAt  time.Time `json:"collected_at"`
}

// RunLister is the part of the run log the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector summarises the run log.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new run-history collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect summarises the most recent lookbackRuns runs.
func (c *Collector) Collect(ctx context.Context, lookbackRuns int) (*Snapshot, error) {
	if lookbackRuns <= 0 {
		lookbackRuns = 12
	}
	snap := &Snapshot{
		LookbackRuns: lookbackRuns,
		CollectedAt:  c.now().UTC(),
	}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: lookbackRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	costed := 0
	streak := true
	// Runs arrive newest first.
	for i, r := range runs {
		if i == 0 {
			snap.LastRunAt = r.CreatedAt
		}
		switch r.Status {
		case model.RunStatusComplete, model.RunStatusQuietWeek:
			if r.Status == model.RunStatusComplete {
				snap.Complete++
			} else {
				snap.QuietWeeks++
			}
			if snap.LastSuccessAt.IsZero() {
				snap.LastSuccessAt = r.CreatedAt
			}
			streak = false
		case model.RunStatusFailed:
			snap.Failed++
			if streak {
				snap.ConsecutiveFailures++
			}
		case model.RunStatusRunning:
			snap.Running++
		case model.RunStatusDryRun:
			snap.DryRuns++
		}

		if r.Result == nil {
			continue
		}
		m := r.Result.Metrics
		snap.CostUSD += m.Usage.Cost
		if m.OracleCalls > 0 {
			costed++
		}
		snap.Alerts += m.Alerts
		snap.ParseFailures += m.ParseFailures
		snap.FetchFailures += m.FetchFailures
	}

	if finished := snap.Complete + snap.QuietWeeks + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if costed > 0 {
		snap.AvgCostUSD = snap.CostUSD / float64(costed)
	}
	return snap, nil
}
