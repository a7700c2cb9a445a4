package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/config"
)

// ScheduleCreator is the part of client.ScheduleClient used here.
type ScheduleCreator interface {
	Create(ctx context.Context, options client.ScheduleOptions) (client.ScheduleHandle, error)
}

// Options builds the weekly schedule definition. Overlapping runs are
// skipped since only one run may hold the run lock.
func Options(cfg config.TemporalConfig) client.ScheduleOptions {
	in := TriageInput{TimeoutMins: cfg.RunTimeoutMins}
	return client.ScheduleOptions{
		ID: cfg.ScheduleID,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{cfg.Cron},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:                 cfg.ScheduleID + "-run",
			Workflow:           WorkflowName,
			Args:               []any{in},
			TaskQueue:          cfg.TaskQueue,
			WorkflowRunTimeout: in.timeout() + 5*time.Minute,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	}
}

// EnsureSchedule creates the weekly schedule. An existing schedule with the
// same ID is left alone and reported as not created.
func EnsureSchedule(ctx context.Context, sc ScheduleCreator, cfg config.TemporalConfig) (bool, error) {
	if cfg.ScheduleID == "" || cfg.Cron == "" || cfg.TaskQueue == "" {
		return false, eris.New("schedule: schedule id, cron and task queue are required")
	}
	_, err := sc.Create(ctx, Options(cfg))
	if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		zap.L().Info("schedule: already exists", zap.String("schedule_id", cfg.ScheduleID))
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "schedule: create %s", cfg.ScheduleID)
	}
	zap.L().Info("schedule: created",
		zap.String("schedule_id", cfg.ScheduleID),
		zap.String("cron", cfg.Cron),
		zap.String("task_queue", cfg.TaskQueue),
	)
	return true, nil
}

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: dial temporal %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker registers the workflow and activity on the task queue. One run
// executes at a time.
func NewWorker(c client.Client, cfg config.TemporalConfig, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 1,
	})
	Register(w, acts)
	return w
}

// Registrar is implemented by workers and test environments.
type Registrar interface {
	RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options activity.RegisterOptions)
}

// Register adds the workflow and activity under their fixed names.
func Register(r Registrar, acts *Activities) {
	r.RegisterWorkflowWithOptions(WeeklyTriage, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions(acts.RunTriage, activity.RegisterOptions{Name: ActivityName})
}
