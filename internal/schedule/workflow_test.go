package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/pipeline"
)

type fakeRunner struct {
	calls  atomic.Int32
	dryRun bool
	result *model.RunResult
	err    error
}

func (f *fakeRunner) Run(_ context.Context, opts pipeline.RunOptions) (*model.RunResult, error) {
	f.calls.Add(1)
	f.dryRun = opts.DryRun
	return f.result, f.err
}

func completeResult() *model.RunResult {
	return &model.RunResult{
		RunID:  "run-1",
		Status: model.RunStatusComplete,
		Themes: []model.Theme{{Name: "Speech"}, {Name: "Funding"}},
		Alerts: []model.ScoredItem{{Ref: "i1", Score: 10}},
		Brief:  &model.ExecutiveBrief{OverallAssessment: model.AssessmentMajorDevelopments},
		Metrics: model.RunMetrics{
			Scored: 14,
			Usage:  model.TokenUsage{Cost: 0.42},
		},
	}
}

func newEnv(r Runner) *testsuite.TestWorkflowEnvironment {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	Register(env, NewActivities(r))
	return env
}

func TestWeeklyTriage(t *testing.T) {
	t.Run("completes with summary", func(t *testing.T) {
		runner := &fakeRunner{result: completeResult()}
		env := newEnv(runner)

		env.ExecuteWorkflow(WorkflowName, TriageInput{TimeoutMins: 30})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var out TriageSummary
		require.NoError(t, env.GetWorkflowResult(&out))
		assert.Equal(t, "run-1", out.RunID)
		assert.Equal(t, model.RunStatusComplete, out.Status)
		assert.Equal(t, string(model.AssessmentMajorDevelopments), out.Assessment)
		assert.Equal(t, 14, out.Scored)
		assert.Equal(t, 2, out.Themes)
		assert.Equal(t, 1, out.Alerts)
		assert.InDelta(t, 0.42, out.CostUSD, 0.0001)
		assert.Equal(t, int32(1), runner.calls.Load())
		assert.False(t, runner.dryRun)
	})

	t.Run("dry run is passed through", func(t *testing.T) {
		runner := &fakeRunner{result: &model.RunResult{Status: model.RunStatusDryRun}}
		env := newEnv(runner)

		env.ExecuteWorkflow(WeeklyTriage, TriageInput{DryRun: true})

		require.NoError(t, env.GetWorkflowError())
		assert.True(t, runner.dryRun)
	})

	t.Run("failed run is not retried", func(t *testing.T) {
		failed := &model.RunResult{
			RunID:   "run-2",
			Status:  model.RunStatusFailed,
			Failure: &model.RunFailure{Stage: pipeline.StageScore, InFlight: 3, Message: "oracle unavailable"},
		}
		runner := &fakeRunner{result: failed, err: errors.New("pipeline: score: oracle unavailable")}
		env := newEnv(runner)

		env.ExecuteWorkflow(WorkflowName, TriageInput{})

		require.True(t, env.IsWorkflowCompleted())
		err := env.GetWorkflowError()
		require.Error(t, err)
		assert.Equal(t, int32(1), runner.calls.Load())

		var appErr *temporal.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "RunFailed", appErr.Type())
		assert.True(t, appErr.NonRetryable())

		var details TriageSummary
		require.NoError(t, appErr.Details(&details))
		assert.Equal(t, "run-2", details.RunID)
		require.NotNil(t, details.Failure)
		assert.Equal(t, pipeline.StageScore, details.Failure.Stage)
	})
}

func TestRunTriage_Locked(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	acts := NewActivities(&fakeRunner{err: pipeline.ErrLocked})
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.RunTriage, TriageInput{})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "RunLocked", appErr.Type())
}

func TestRunTriage_Activity(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	acts := NewActivities(&fakeRunner{result: completeResult()})
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.RunTriage, TriageInput{})
	require.NoError(t, err)
	var out TriageSummary
	require.NoError(t, val.Get(&out))
	assert.Equal(t, "run-1", out.RunID)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, TriageSummary{}, Summarize(nil))

	s := Summarize(&model.RunResult{RunID: "r", Status: model.RunStatusQuietWeek})
	assert.Equal(t, model.RunStatusQuietWeek, s.Status)
	assert.Empty(t, s.Assessment)
}
