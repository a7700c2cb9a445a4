package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "data", cfg.Store.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Pipeline.ScoreThreshold)
	assert.Equal(t, 9, cfg.Pipeline.AlertThreshold)
	assert.Equal(t, 2, cfg.Pipeline.ThemeMin)
	assert.Equal(t, 5, cfg.Pipeline.ThemeMax)
	assert.Equal(t, 30, cfg.Pipeline.ColdDays)
	assert.Equal(t, 40, cfg.Pipeline.MaxSources)
	assert.Equal(t, 5, cfg.Pipeline.Concurrency)
	assert.Equal(t, 3, cfg.Pipeline.MaxAdjustmentDelta)
	assert.Equal(t, 60, cfg.Anthropic.TimeoutSecs)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.ScoringModel)
	assert.NotEmpty(t, cfg.Prefilter.Include)
	assert.Len(t, cfg.Prefilter.HighHints, len(DefaultPrefilter().HighHints))
	assert.Equal(t, 10, cfg.Prefilter.HighHints[0].Score)
	assert.Len(t, cfg.Tavily.Queries, 5)
	assert.Equal(t, "newshound", cfg.Temporal.TaskQueue)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
pipeline:
  concurrency: 8
prefilter:
  include:
    - '\bneuromodulation\b'
sources:
  - id: custom
    name: Custom Feed
    category: press
    type: rss
    url: https://example.com/feed.xml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, []string{`\bneuromodulation\b`}, cfg.Prefilter.Include)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "custom", cfg.Sources[0].ID)
	// Defaults still apply for unset values
	assert.Equal(t, 7, cfg.Pipeline.ScoreThreshold)
	assert.NotEmpty(t, cfg.Prefilter.Exclude)
}

func TestLoadWatchlist(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
watchlist:
  - name: Synchron
    aliases: [synchron, stentrode]
    rss: https://synchron.substack.com/feed
  - name: Paradromics
  - name: Dormant Co
    enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Watchlist, 3)
	assert.Equal(t, "https://synchron.substack.com/feed", cfg.Watchlist[0].RSS)

	active := cfg.ActiveWatchlist()
	require.Len(t, active, 2)
	assert.Equal(t, []string{"synchron", "stentrode"}, active[0].SearchTerms())
	assert.Equal(t, []string{"paradromics"}, active[1].SearchTerms())

	valid := validDefaults()
	valid.Watchlist = cfg.Watchlist
	assert.NoError(t, valid.Validate("run"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("NEWSHOUND_STORE_DRIVER", "postgres")
	t.Setenv("NEWSHOUND_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("NEWSHOUND_PIPELINE_SCORE_THRESHOLD", "8")
	t.Setenv("NEWSHOUND_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.ScoreThreshold)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [driver"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "file"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Pipeline = PipelineConfig{
		ScoreThreshold:     7,
		AlertThreshold:     9,
		ThemeMin:           2,
		ThemeMax:           5,
		ColdDays:           30,
		MaxSources:         40,
		Concurrency:        5,
		MaxAdjustmentDelta: 3,
	}
	cfg.Prefilter = DefaultPrefilter()
	cfg.Server.Port = 8080
	cfg.Temporal = TemporalConfig{HostPort: "localhost:7233", TaskQueue: "q", Cron: "0 7 * * MON"}
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
	assert.NoError(t, validDefaults().Validate("worker"))
}

func TestValidateRun_MissingKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "run", verr.Mode)

	// Dry runs never reach the oracle.
	assert.NoError(t, cfg.Validate("dry-run"))
}

func TestValidate_EmptyIncludePatterns(t *testing.T) {
	cfg := validDefaults()
	cfg.Prefilter.Include = nil

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefilter.include must contain at least one pattern")
}

func TestValidate_InvalidPattern(t *testing.T) {
	cfg := validDefaults()
	cfg.Prefilter.Exclude = []string{`(unclosed`}

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefilter.exclude")
}

func TestValidate_HintScoreRange(t *testing.T) {
	cfg := validDefaults()
	cfg.Prefilter.HighHints = []HintPattern{{Score: 11, Pattern: `x`}}

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score must be between 1 and 10")
}

func TestValidate_Thresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"score threshold", func(c *Config) { c.Pipeline.ScoreThreshold = 0 }, "score_threshold"},
		{"alert threshold", func(c *Config) { c.Pipeline.AlertThreshold = 11 }, "alert_threshold"},
		{"theme bounds", func(c *Config) { c.Pipeline.ThemeMin = 6 }, "theme bounds"},
		{"concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }, "concurrency"},
		{"max sources", func(c *Config) { c.Pipeline.MaxSources = 0 }, "max_sources"},
		{"cold days", func(c *Config) { c.Pipeline.ColdDays = 0 }, "cold_days"},
		{"adjustment delta", func(c *Config) { c.Pipeline.MaxAdjustmentDelta = 10 }, "max_adjustment_delta"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("run")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_Watchlist(t *testing.T) {
	tests := []struct {
		name  string
		entry []WatchlistEntry
		want  string
	}{
		{"missing name", []WatchlistEntry{{Aliases: []string{"x"}}}, "watchlist[0].name is required"},
		{"duplicate", []WatchlistEntry{{Name: "Synchron"}, {Name: "synchron"}}, "duplicate company"},
		{"bad rss", []WatchlistEntry{{Name: "Synchron", RSS: "ftp://synchron.example.com/feed"}}, "rss must be an http(s) url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			cfg.Watchlist = tt.entry
			err := cfg.Validate("run")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/newshound"
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Store.Driver = "mongo"
	err = cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not one of")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateSchedule(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("schedule"))

	cfg.Temporal.Cron = ""
	err := cfg.Validate("schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.cron is required")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
