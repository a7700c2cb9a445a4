package monitoring

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/config"
)

// AlertType identifies the kind of health alert.
type AlertType string

const (
	AlertFailureRate         AlertType = "failure_rate"
	AlertConsecutiveFailures AlertType = "consecutive_failures"
	AlertCostOverrun         AlertType = "cost_overrun"
	AlertStale               AlertType = "stale"
)

// minFinishedForRate keeps one bad week from tripping the failure-rate alert.
const minFinishedForRate = 4

// Alert is one breached health threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds.
type Alerter struct {
	cfg config.MonitoringConfig
	log *zap.Logger
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg, log: zap.L()}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.Complete + snap.QuietWeeks + snap.Failed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedForRate && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %d runs)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100, snap.Failed, finished, snap.LookbackRuns,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.ConsecutiveFailures >= 2 {
		alerts = append(alerts, Alert{
			Type:      AlertConsecutiveFailures,
			Severity:  "high",
			Message:   fmt.Sprintf("last %d runs failed", snap.ConsecutiveFailures),
			Details:   map[string]any{"consecutive_failures": snap.ConsecutiveFailures},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "medium",
			Message: fmt.Sprintf(
				"oracle cost $%.2f exceeds threshold $%.2f over last %d runs",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackRuns,
			),
			Details: map[string]any{
				"cost_usd":      snap.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"runs_total":    snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleAfterDays > 0 && !snap.LastRunAt.IsZero() {
		if age := now.Sub(snap.LastRunAt); age > time.Duration(a.cfg.StaleAfterDays)*24*time.Hour {
			alerts = append(alerts, Alert{
				Type:      AlertStale,
				Severity:  "medium",
				Message:   fmt.Sprintf("no run for %d days", int(age.Hours()/24)),
				Details:   map[string]any{"last_run_at": snap.LastRunAt},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// Report logs each alert at warn level and returns how many were logged.
func (a *Alerter) Report(alerts []Alert) int {
	for _, alert := range alerts {
		a.log.Warn("monitoring: "+alert.Message,
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.Any("details", alert.Details),
		)
	}
	return len(alerts)
}
