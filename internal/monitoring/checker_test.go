package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/newshound/internal/config"
	"github.com/sells-group/newshound/internal/model"
)

func TestChecker_Check(t *testing.T) {
	runs := &fakeRuns{runs: []model.Run{
		{ID: "2", Status: model.RunStatusFailed, CreatedAt: week(0)},
		{ID: "1", Status: model.RunStatusFailed, CreatedAt: week(1)},
	}}
	cfg := testMonitoringConfig()
	checker := NewChecker(newTestCollector(runs), NewAlerter(cfg), cfg)

	h, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Healthy())
	assert.Equal(t, []AlertType{AlertConsecutiveFailures}, alertTypes(h.Alerts))
	assert.Equal(t, 2, h.Snapshot.Failed)
}

func TestChecker_CheckHealthy(t *testing.T) {
	cfg := testMonitoringConfig()
	checker := NewChecker(newTestCollector(&fakeRuns{}), NewAlerter(cfg), cfg)

	h, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, FailureRateThreshold: 0.10}
	checker := NewChecker(newTestCollector(&fakeRuns{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(&fakeRuns{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
