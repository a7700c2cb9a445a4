// Package schedule runs the triage pipeline on a weekly Temporal schedule.
package schedule

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/pipeline"
)

const (
	// WorkflowName is the registered name of the weekly workflow.
	WorkflowName = "WeeklyTriage"
	// ActivityName is the registered name of the run activity.
	ActivityName = "RunTriage"

	defaultRunTimeout = 60 * time.Minute
)

// TriageInput parameterizes one scheduled run.
type TriageInput struct {
	DryRun      bool `json:"dry_run"`
	TimeoutMins int  `json:"timeout_mins"`
}

func (in TriageInput) timeout() time.Duration {
	if in.TimeoutMins <= 0 {
		return defaultRunTimeout
	}
	return time.Duration(in.TimeoutMins) * time.Minute
}

// TriageSummary is what a run reports back to Temporal. The full result
// stays in the run log.
type TriageSummary struct {
	RunID      string            `json:"run_id"`
	Status     model.RunStatus   `json:"status"`
	Assessment string            `json:"assessment,omitempty"`
	Scored     int               `json:"scored"`
	Themes     int               `json:"themes"`
	Alerts     int               `json:"alerts"`
	CostUSD    float64           `json:"cost_usd"`
	Failure    *model.RunFailure `json:"failure,omitempty"`
}

// Summarize condenses a run result.
func Summarize(res *model.RunResult) TriageSummary {
	if res == nil {
		return TriageSummary{}
	}
	s := TriageSummary{
		RunID:   res.RunID,
		Status:  res.Status,
		Scored:  res.Metrics.Scored,
		Themes:  len(res.Themes),
		Alerts:  len(res.Alerts),
		CostUSD: res.Metrics.Usage.Cost,
		Failure: res.Failure,
	}
	if res.Brief != nil {
		s.Assessment = string(res.Brief.OverallAssessment)
	}
	return s
}

// WeeklyTriage executes one pipeline run. The activity is never retried: a
// failed run is reported, not re-run behind the operator's back.
func WeeklyTriage(ctx workflow.Context, in TriageInput) (*TriageSummary, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting weekly triage", "dry_run", in.DryRun)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.timeout(),
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var out TriageSummary
	if err := workflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, &out); err != nil {
		logger.Error("Weekly triage failed", "error", err)
		return nil, err
	}

	logger.Info("Weekly triage complete",
		"run_id", out.RunID,
		"status", out.Status,
		"alerts", out.Alerts)
	return &out, nil
}

// Runner executes a pipeline run.
type Runner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (*model.RunResult, error)
}

// Activities hosts the activity implementations.
type Activities struct {
	runner Runner
}

// NewActivities binds the activities to a runner.
func NewActivities(r Runner) *Activities {
	return &Activities{runner: r}
}

// RunTriage runs the pipeline once. Failures are non-retryable application
// errors carrying the failed summary as details.
func (a *Activities) RunTriage(ctx context.Context, in TriageInput) (*TriageSummary, error) {
	log := zap.L().With(zap.String("component", "schedule.activity"))

	res, err := a.runner.Run(ctx, pipeline.RunOptions{DryRun: in.DryRun})
	summary := Summarize(res)
	if err != nil {
		errType := "RunFailed"
		if errors.Is(err, pipeline.ErrLocked) {
			errType = "RunLocked"
		}
		log.Error("schedule: triage run failed", zap.String("type", errType), zap.Error(err))
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), errType, err, summary)
	}

	log.Info("schedule: triage run complete",
		zap.String("run_id", summary.RunID),
		zap.String("status", string(summary.Status)),
	)
	return &summary, nil
}
