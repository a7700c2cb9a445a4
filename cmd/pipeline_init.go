package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/feeds"
	"github.com/sells-group/newshound/internal/monitoring"
	"github.com/sells-group/newshound/internal/oracle"
	"github.com/sells-group/newshound/internal/pipeline"
	"github.com/sells-group/newshound/internal/store"
	anthropicpkg "github.com/sells-group/newshound/pkg/anthropic"
)

// pipelineEnv holds the store, clients and pipeline needed by the run,
// serve and worker commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Metrics  *monitoring.Metrics
	Usage    *oracle.UsageTracker
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and builds the
// pipeline. A nil fetcher uses the live feed collector. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string, fetcher pipeline.Fetcher) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	prompts, err := oracle.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	usage := oracle.NewUsageTracker()
	metrics := monitoring.NewMetrics()

	client := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithRequestTimeout(time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second),
	)
	orc := oracle.NewAnthropic(client, prompts, oracle.ConfigFrom(cfg), usage)

	if fetcher == nil {
		fetcher = feeds.NewCollector(cfg)
		if cfg.Tavily.Key == "" {
			zap.L().Warn("tavily key not set, search sources will be skipped")
		}
	}

	p, err := pipeline.New(cfg, st, orc, fetcher,
		pipeline.WithUsage(usage),
		pipeline.WithMetrics(metrics),
	)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build pipeline")
	}

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("curated_sources", len(cfg.Sources)),
		zap.String("scoring_model", cfg.Anthropic.ScoringModel),
	)

	return &pipelineEnv{
		Store:    st,
		Pipeline: p,
		Metrics:  metrics,
		Usage:    usage,
	}, nil
}
