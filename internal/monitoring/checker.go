package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/config"
)

// Health is the result of one check.
type Health struct {
	Snapshot *Snapshot `json:"snapshot"`
	Alerts   []Alert   `json:"alerts"`
}

// Healthy reports whether no alert fired.
func (h Health) Healthy() bool { return len(h.Alerts) == 0 }

// Checker runs periodic health checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Check collects a snapshot and evaluates it.
func (c *Checker) Check(ctx context.Context) (Health, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackRuns)
	if err != nil {
		return Health{}, err
	}
	return Health{Snapshot: snap, Alerts: c.alerter.Evaluate(snap)}, nil
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_runs", c.cfg.LookbackRuns),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	h, err := c.Check(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect run history", zap.Error(err))
		return
	}
	if h.Healthy() {
		log.Debug("monitoring: no alerts triggered")
		return
	}
	log.Info("monitoring: health check complete",
		zap.Int("alerts_triggered", c.alerter.Report(h.Alerts)),
	)
}
