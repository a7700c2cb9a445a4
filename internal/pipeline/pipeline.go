// Package pipeline runs the weekly triage: fetch, regex pre-filter, dedup
// against history, oracle scoring, clustering and synthesis, and reflection.
// Dedup history and source registry writes happen only at two checkpoints,
// after pre-filter (fetch stats) and after reflection is finalized.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/config"
	"github.com/sells-group/newshound/internal/dedup"
	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/monitoring"
	"github.com/sells-group/newshound/internal/oracle"
	"github.com/sells-group/newshound/internal/prefilter"
	"github.com/sells-group/newshound/internal/registry"
	"github.com/sells-group/newshound/internal/resilience"
	"github.com/sells-group/newshound/internal/store"
)

// Settings are the pipeline thresholds and bounds.
type Settings struct {
	ScoreThreshold     int
	AlertThreshold     int
	ThemeMin           int
	ThemeMax           int
	LowSignalCeiling   int
	MaxAdjustmentDelta int
	ColdDays           int
	MaxSources         int
	Concurrency        int
	SynthesisMaxItems  int
	DiscoveryMinScore  int
	DiscoveryMinHits   int
	LockPath           string
}

// SettingsFrom copies the pipeline section of cfg.
func SettingsFrom(cfg *config.Config) Settings {
	p := cfg.Pipeline
	return Settings{
		ScoreThreshold:     p.ScoreThreshold,
		AlertThreshold:     p.AlertThreshold,
		ThemeMin:           p.ThemeMin,
		ThemeMax:           p.ThemeMax,
		LowSignalCeiling:   p.LowSignalCeiling,
		MaxAdjustmentDelta: p.MaxAdjustmentDelta,
		ColdDays:           p.ColdDays,
		MaxSources:         p.MaxSources,
		Concurrency:        p.Concurrency,
		SynthesisMaxItems:  p.SynthesisMaxItems,
		DiscoveryMinScore:  p.DiscoveryMinScore,
		DiscoveryMinHits:   p.DiscoveryMinHits,
		LockPath:           p.LockPath,
	}
}

func (s Settings) withDefaults() Settings {
	if s.ScoreThreshold <= 0 {
		s.ScoreThreshold = 7
	}
	if s.AlertThreshold <= 0 {
		s.AlertThreshold = 9
	}
	if s.ThemeMin <= 0 {
		s.ThemeMin = 2
	}
	if s.ThemeMax < s.ThemeMin {
		s.ThemeMax = max(5, s.ThemeMin)
	}
	if s.LowSignalCeiling <= 0 {
		s.LowSignalCeiling = 5
	}
	if s.ColdDays <= 0 {
		s.ColdDays = 30
	}
	if s.MaxSources <= 0 {
		s.MaxSources = 40
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 5
	}
	if s.SynthesisMaxItems <= 0 {
		s.SynthesisMaxItems = 30
	}
	if s.DiscoveryMinScore <= 0 {
		s.DiscoveryMinScore = s.ScoreThreshold
	}
	if s.DiscoveryMinHits <= 0 {
		s.DiscoveryMinHits = 2
	}
	return s
}

// Pipeline orchestrates one triage run at a time.
type Pipeline struct {
	settings Settings
	store    store.Store
	oracle   oracle.Oracle
	filter   *prefilter.Filter
	fetcher  Fetcher
	curated  []model.Source
	guard    resilience.Guard
	usage    *oracle.UsageTracker
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithUsage reads token usage from the tracker the oracle records into.
func WithUsage(u *oracle.UsageTracker) Option {
	return func(p *Pipeline) { p.usage = u }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithGuard overrides the oracle call policy.
func WithGuard(g resilience.Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithSettings overrides the thresholds taken from config.
func WithSettings(s Settings) Option {
	return func(p *Pipeline) { p.settings = s.withDefaults() }
}

// New builds a pipeline. Pattern sets and curated sources are compiled here
// so configuration errors surface before any oracle cost.
func New(cfg *config.Config, st store.Store, orc oracle.Oracle, fetcher Fetcher, opts ...Option) (*Pipeline, error) {
	filter, err := prefilter.New(cfg.Prefilter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build prefilter")
	}
	curated, err := registry.Curated(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: curated sources")
	}

	breakers := resilience.NewBreakers(resilience.FromCircuitConfig(cfg.Circuit))
	p := &Pipeline{
		settings: SettingsFrom(cfg).withDefaults(),
		store:    st,
		oracle:   orc,
		filter:   filter,
		fetcher:  fetcher,
		curated:  curated,
		guard: resilience.Guard{
			Retry:   resilience.FromRetryConfig(cfg.Retry),
			Breaker: breakers.Get("anthropic"),
			Timeout: time.Duration(cfg.Anthropic.TimeoutSecs) * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RunOptions tune a single run.
type RunOptions struct {
	// DryRun stops after pre-filter and dedup: no oracle calls, no writes.
	DryRun bool
}

// run is the per-run state.
type run struct {
	p        *Pipeline
	ctx      context.Context
	log      *zap.Logger
	result   *model.RunResult
	history  *dedup.History
	registry *registry.Registry
	dryRun   bool
	started  time.Time

	usageStart model.TokenUsage

	callsMu sync.Mutex
	calls   map[string]int
}

// Run executes one triage run. On failure it returns the failed RunResult
// (no themes, brief or alerts) together with a *StageError.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*model.RunResult, error) {
	if !opts.DryRun && p.settings.LockPath != "" {
		lock, err := AcquireLock(p.settings.LockPath)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				zap.L().Warn("pipeline: release lock", zap.Error(err))
			}
		}()
	}

	r := &run{
		p:      p,
		ctx:    ctx,
		dryRun: opts.DryRun,
		calls:  make(map[string]int),
		result: &model.RunResult{
			Status:      model.RunStatusRunning,
			ScoredItems: []model.ScoredItem{},
			Themes:      []model.Theme{},
			Alerts:      []model.ScoredItem{},
		},
	}
	r.started = p.now().UTC()
	r.result.StartedAt = r.started
	if p.usage != nil {
		r.usageStart = p.usage.Total()
	}

	if !opts.DryRun {
		rec, err := p.store.CreateRun(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
		r.result.RunID = rec.ID
	}
	r.log = zap.L().With(zap.String("run_id", r.result.RunID))
	r.log.Info("pipeline: starting run", zap.Bool("dry_run", opts.DryRun))

	err := r.execute()
	return r.finish(err)
}

func (r *run) execute() error {
	p := r.p
	ctx := r.ctx

	_ = r.phase(StageLoad, func() (map[string]any, error) {
		r.history = dedup.Load(ctx, p.store, p.settings.ScoreThreshold)
		r.registry = registry.Load(ctx, p.store, p.curated, p.settings.MaxSources)
		return map[string]any{"history": r.history.Len(), "sources": r.registry.Len()}, nil
	})

	var batch model.FetchBatch
	if err := r.phase(StageFetch, func() (map[string]any, error) {
		var err error
		batch, err = p.fetcher.Fetch(ctx, r.registry.Enabled())
		return map[string]any{"items": len(batch.Items), "failed": len(batch.Failed)}, err
	}); err != nil {
		return stageErr(StageFetch, 0, err)
	}

	var toScore []model.RawItem
	var hints map[string]int
	_ = r.phase(StagePrefilter, func() (map[string]any, error) {
		toScore, hints = r.triage(batch)
		m := r.result.Metrics
		return map[string]any{"in_scope": m.InScope, "skipped": m.SkippedByDedup, "to_score": len(toScore)}, nil
	})

	if r.dryRun {
		r.result.Status = model.RunStatusDryRun
		return nil
	}

	// Checkpoint 1: fetch yield is final once pre-filter has run.
	if err := r.registry.Save(ctx, p.store); err != nil {
		r.log.Warn("pipeline: save fetch stats", zap.Error(err))
	}

	if len(toScore) == 0 {
		r.log.Info("pipeline: nothing to score, quiet week")
		r.skipPhases(StageScore, StageSynthesize, StageReflect)
		r.result.Status = model.RunStatusQuietWeek
		return r.persist(nil)
	}

	var scored []model.ScoredItem
	if err := r.phase(StageScore, func() (map[string]any, error) {
		var err error
		scored, err = r.scoreAll(toScore, hints)
		m := r.result.Metrics
		return map[string]any{"scored": m.Scored, "parse_failures": m.ParseFailures, "clamped": m.Clamped}, err
	}); err != nil {
		return stageErr(StageScore, len(toScore), err)
	}
	r.result.ScoredItems = scored

	var d *draft
	if err := r.phase(StageSynthesize, func() (map[string]any, error) {
		var err error
		d, err = r.synthesize(scored)
		if err != nil {
			return nil, err
		}
		return map[string]any{"themes": len(d.themes), "themed": r.result.Metrics.Themed, "degraded": d.brief.Degraded}, nil
	}); err != nil {
		return stageErr(StageSynthesize, len(scored), err)
	}
	r.result.ReviewState = model.ReviewStateDraft

	if err := r.phase(StageReflect, func() (map[string]any, error) {
		err := r.reflect(scored, d)
		return map[string]any{"adjustments": r.result.Metrics.Adjustments}, err
	}); err != nil {
		return stageErr(StageReflect, len(scored), err)
	}

	r.result.ScoredItems = scored
	r.result.Themes = d.themes
	r.result.Brief = &d.brief
	r.result.ReviewState = model.ReviewStateFinalized
	r.result.Status = model.RunStatusComplete
	return r.persist(scored)
}

// persist is checkpoint 2: finalized scores go to dedup history, yield and
// discoveries go to the registry.
func (r *run) persist(scored []model.ScoredItem) error {
	p := r.p
	now := r.started
	s := p.settings

	alerts := []model.ScoredItem{}
	highBySource := make(map[string]int)
	for _, it := range scored {
		r.history.RecordScored(it, now)
		if it.IsAlert(s.AlertThreshold) {
			alerts = append(alerts, it)
		}
		if !it.ParseFailure && it.Score >= s.ScoreThreshold {
			highBySource[it.SourceID]++
		}
	}
	r.result.Alerts = alerts
	r.result.Metrics.Alerts = len(alerts)

	for id, n := range highBySource {
		r.registry.RecordScores(id, n)
	}
	discovered := r.registry.ProposeDiscoveries(scored, registry.DiscoveryRule{
		MinScore: s.DiscoveryMinScore,
		MinHits:  s.DiscoveryMinHits,
		ColdDays: s.ColdDays,
	}, now)
	for _, d := range discovered {
		r.log.Info("pipeline: discovered source", zap.String("source", d.ID), zap.String("domain", d.URL))
	}
	r.result.Metrics.Discovered = len(discovered)

	// Cold discovered sources stay enabled; pruning happens only when a new
	// discovery needs room under the cap.
	r.registry.RefreshStatus(now, s.ColdDays)
	if removed := r.registry.EnforceCap(s.MaxSources); len(removed) > 0 {
		r.log.Info("pipeline: registry over cap, removed sources", zap.Strings("sources", removed))
	}

	return r.phase(StagePersist, func() (map[string]any, error) {
		if err := r.history.Save(r.ctx, p.store); err != nil {
			return nil, stageErr(StagePersist, len(scored), err)
		}
		if err := r.registry.Save(r.ctx, p.store); err != nil {
			return nil, stageErr(StagePersist, len(scored), err)
		}
		r.result.History = r.history.Snapshot()
		r.result.Sources = r.registry.Snapshot()
		return map[string]any{"history": r.history.Len(), "sources": r.registry.Len()}, nil
	})
}

func (r *run) finish(err error) (*model.RunResult, error) {
	p := r.p
	res := r.result

	res.Metrics.OracleCalls, res.Metrics.OracleCallsByStage = r.callCounts()
	if p.usage != nil {
		res.Metrics.Usage = p.usage.Total().Since(r.usageStart)
	}

	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			se = stageErr(StagePersist, len(res.ScoredItems), err)
			err = se
		}
		res.Status = model.RunStatusFailed
		res.ReviewState = ""
		res.Themes = []model.Theme{}
		res.Brief = nil
		res.Alerts = []model.ScoredItem{}
		res.Review = nil
		res.History = nil
		res.Sources = nil
		res.Failure = &model.RunFailure{Stage: se.Stage, InFlight: se.InFlight, Message: se.Err.Error()}
		r.log.Error("pipeline: run failed",
			zap.String("stage", se.Stage),
			zap.Int("in_flight", se.InFlight),
			zap.Error(se.Err),
		)
	}

	res.FinishedAt = p.now().UTC()
	duration := res.FinishedAt.Sub(res.StartedAt)

	if !r.dryRun && res.RunID != "" {
		// The run log write must not be skipped because the caller gave up.
		if finishErr := p.store.FinishRun(context.WithoutCancel(r.ctx), res.RunID, res); finishErr != nil {
			r.log.Warn("pipeline: record run result", zap.Error(finishErr))
		}
		p.metrics.RunFinished(string(res.Status), duration, res.Metrics.Usage.Cost)
	}

	r.log.Info("pipeline: run finished",
		zap.String("status", string(res.Status)),
		zap.Duration("duration", duration),
		zap.Int("fetched", res.Metrics.Fetched),
		zap.Int("in_scope", res.Metrics.InScope),
		zap.Int("scored", res.Metrics.Scored),
		zap.Int("alerts", res.Metrics.Alerts),
		zap.Int("oracle_calls", res.Metrics.OracleCalls),
		zap.Float64("cost_usd", res.Metrics.Usage.Cost),
	)
	return res, err
}

// phase tracks a stage in the run log and the result's phase list.
func (r *run) phase(name string, fn func() (map[string]any, error)) error {
	p := r.p
	var rec *model.RunPhase
	if !r.dryRun && r.result.RunID != "" {
		var err error
		rec, err = p.store.CreatePhase(r.ctx, r.result.RunID, name)
		if err != nil {
			r.log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(err))
		}
	}

	var before model.TokenUsage
	if p.usage != nil {
		before = p.usage.Total()
	}
	start := time.Now()
	meta, fnErr := fn()
	duration := time.Since(start).Milliseconds()

	pr := model.PhaseResult{Name: name, Duration: duration, Metadata: meta}
	if p.usage != nil {
		pr.TokenUsage = p.usage.Total().Since(before)
	}
	if fnErr != nil {
		pr.Status = model.PhaseStatusFailed
		pr.Error = fnErr.Error()
		r.log.Error("pipeline: phase failed", zap.String("phase", name), zap.Int64("duration_ms", duration), zap.Error(fnErr))
	} else {
		pr.Status = model.PhaseStatusComplete
		r.log.Info("pipeline: phase complete", zap.String("phase", name), zap.Int64("duration_ms", duration))
	}

	if rec != nil {
		if err := p.store.CompletePhase(context.WithoutCancel(r.ctx), rec.ID, &pr); err != nil {
			r.log.Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(err))
		}
	}
	r.result.Phases = append(r.result.Phases, pr)
	return fnErr
}

func (r *run) skipPhases(names ...string) {
	for _, n := range names {
		r.result.Phases = append(r.result.Phases, model.PhaseResult{Name: n, Status: model.PhaseStatusSkipped})
	}
}

func (r *run) countCall(stage string) {
	r.callsMu.Lock()
	r.calls[stage]++
	r.callsMu.Unlock()
}

func (r *run) callCounts() (int, map[string]int) {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	total := 0
	out := make(map[string]int, len(r.calls))
	for k, v := range r.calls {
		out[k] = v
		total += v
	}
	return total, out
}
