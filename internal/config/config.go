package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline    PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Prefilter   PrefilterConfig  `yaml:"prefilter" mapstructure:"prefilter"`
	Sources     []SourceConfig   `yaml:"sources" mapstructure:"sources"`
	Watchlist   []WatchlistEntry `yaml:"watchlist" mapstructure:"watchlist"`
	Fetch       FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	PubMed      PubMedConfig     `yaml:"pubmed" mapstructure:"pubmed"`
	Tavily      TavilyConfig     `yaml:"tavily" mapstructure:"tavily"`
	Retry       RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server      ServerConfig     `yaml:"server" mapstructure:"server"`
	Temporal    TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring  MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig        `yaml:"log" mapstructure:"log"`
	PromptsFile string           `yaml:"prompts_file" mapstructure:"prompts_file"`
}

// StoreConfig configures where dedup history, the source registry and the
// run log are persisted.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // file, sqlite, postgres
	Dir         string `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds oracle credentials and model choices.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	ScoringModel   string `yaml:"scoring_model" mapstructure:"scoring_model"`
	SynthesisModel string `yaml:"synthesis_model" mapstructure:"synthesis_model"`
	ReviewModel    string `yaml:"review_model" mapstructure:"review_model"`
	MaxTokens      int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig configures triage thresholds and bounds.
type PipelineConfig struct {
	ScoreThreshold     int    `yaml:"score_threshold" mapstructure:"score_threshold"`
	AlertThreshold     int    `yaml:"alert_threshold" mapstructure:"alert_threshold"`
	ThemeMin           int    `yaml:"theme_min" mapstructure:"theme_min"`
	ThemeMax           int    `yaml:"theme_max" mapstructure:"theme_max"`
	LowSignalCeiling   int    `yaml:"low_signal_ceiling" mapstructure:"low_signal_ceiling"`
	MaxAdjustmentDelta int    `yaml:"max_adjustment_delta" mapstructure:"max_adjustment_delta"`
	ColdDays           int    `yaml:"cold_days" mapstructure:"cold_days"`
	MaxSources         int    `yaml:"max_sources" mapstructure:"max_sources"`
	Concurrency        int    `yaml:"concurrency" mapstructure:"concurrency"`
	SynthesisMaxItems  int    `yaml:"synthesis_max_items" mapstructure:"synthesis_max_items"`
	SummaryMaxChars    int    `yaml:"summary_max_chars" mapstructure:"summary_max_chars"`
	LockPath           string `yaml:"lock_path" mapstructure:"lock_path"`
	DiscoveryMinScore  int    `yaml:"discovery_min_score" mapstructure:"discovery_min_score"`
	DiscoveryMinHits   int    `yaml:"discovery_min_hits" mapstructure:"discovery_min_hits"`
}

// HintPattern pairs a regex with the relevance hint it implies.
type HintPattern struct {
	Score   int    `yaml:"score" mapstructure:"score"`
	Pattern string `yaml:"pattern" mapstructure:"pattern"`
}

// PrefilterConfig holds the regex sets used for triage. Patterns are
// matched case-insensitively.
type PrefilterConfig struct {
	Include          []string      `yaml:"include" mapstructure:"include"`
	Exclude          []string      `yaml:"exclude" mapstructure:"exclude"`
	Strict           []string      `yaml:"strict" mapstructure:"strict"`
	HighHints        []HintPattern `yaml:"high_hints" mapstructure:"high_hints"`
	LowHints         []HintPattern `yaml:"low_hints" mapstructure:"low_hints"`
	Suppress         []string      `yaml:"suppress" mapstructure:"suppress"`
	SuppressOverride []string      `yaml:"suppress_override" mapstructure:"suppress_override"`
}

// SourceConfig declares a curated source.
type SourceConfig struct {
	ID       string `yaml:"id" mapstructure:"id"`
	Name     string `yaml:"name" mapstructure:"name"`
	Category string `yaml:"category" mapstructure:"category"`
	Type     string `yaml:"type" mapstructure:"type"`
	URL      string `yaml:"url" mapstructure:"url"`
	Disabled bool   `yaml:"disabled" mapstructure:"disabled"`
}

// WatchlistEntry is a tracked company. Its aliases are folded into the
// search queries and its RSS feed, when set, is fetched as a curated source.
type WatchlistEntry struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Aliases []string `yaml:"aliases" mapstructure:"aliases"`
	RSS     string   `yaml:"rss" mapstructure:"rss"`
	Enabled *bool    `yaml:"enabled" mapstructure:"enabled"`
}

// Active reports whether the entry is tracked. Entries are enabled unless
// set otherwise.
func (w WatchlistEntry) Active() bool { return w.Enabled == nil || *w.Enabled }

// SearchTerms returns the aliases, or the lowercased name when none are set.
func (w WatchlistEntry) SearchTerms() []string {
	var out []string
	for _, a := range w.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 && strings.TrimSpace(w.Name) != "" {
		out = append(out, strings.ToLower(strings.TrimSpace(w.Name)))
	}
	return out
}

// ActiveWatchlist returns the enabled watchlist entries.
func (c *Config) ActiveWatchlist() []WatchlistEntry {
	var out []WatchlistEntry
	for _, w := range c.Watchlist {
		if w.Active() {
			out = append(out, w)
		}
	}
	return out
}

// FetchConfig configures the fetch layer.
type FetchConfig struct {
	UserAgent         string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int    `yaml:"max_retries" mapstructure:"max_retries"`
	MaxItemsPerSource int    `yaml:"max_items_per_source" mapstructure:"max_items_per_source"`
	LookbackDays      int    `yaml:"lookback_days" mapstructure:"lookback_days"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// PubMedConfig configures the E-utilities client.
type PubMedConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	Query   string `yaml:"query" mapstructure:"query"`
	RetMax  int    `yaml:"retmax" mapstructure:"retmax"`
}

// TavilyConfig configures wideband web search.
type TavilyConfig struct {
	Key        string   `yaml:"key" mapstructure:"key"`
	BaseURL    string   `yaml:"base_url" mapstructure:"base_url"`
	Queries    []string `yaml:"queries" mapstructure:"queries"`
	MaxResults int      `yaml:"max_results" mapstructure:"max_results"`
	Days       int      `yaml:"days" mapstructure:"days"`
}

// RetryConfig configures oracle retry behavior.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the oracle circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the read-only API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// TemporalConfig configures scheduled execution.
type TemporalConfig struct {
	HostPort       string `yaml:"host_port" mapstructure:"host_port"`
	Namespace      string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue      string `yaml:"task_queue" mapstructure:"task_queue"`
	ScheduleID     string `yaml:"schedule_id" mapstructure:"schedule_id"`
	Cron           string `yaml:"cron" mapstructure:"cron"`
	RunTimeoutMins int    `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
}

// MonitoringConfig configures the run-history snapshot and health checks.
type MonitoringConfig struct {
	LookbackRuns         int     `yaml:"lookback_runs" mapstructure:"lookback_runs"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	StaleAfterDays       int     `yaml:"stale_after_days" mapstructure:"stale_after_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("NEWSHOUND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so that
	// AutomaticEnv can bind them during Unmarshal.
	v.SetDefault("anthropic.key", "")
	v.SetDefault("tavily.key", "")
	v.SetDefault("pubmed.api_key", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("prompts_file", "")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("anthropic.scoring_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.synthesis_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.review_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_secs", 60)

	v.SetDefault("pipeline.score_threshold", 7)
	v.SetDefault("pipeline.alert_threshold", 9)
	v.SetDefault("pipeline.theme_min", 2)
	v.SetDefault("pipeline.theme_max", 5)
	v.SetDefault("pipeline.low_signal_ceiling", 5)
	v.SetDefault("pipeline.max_adjustment_delta", 3)
	v.SetDefault("pipeline.cold_days", 30)
	v.SetDefault("pipeline.max_sources", 40)
	v.SetDefault("pipeline.concurrency", 5)
	v.SetDefault("pipeline.synthesis_max_items", 30)
	v.SetDefault("pipeline.summary_max_chars", 600)
	v.SetDefault("pipeline.lock_path", "data/newshound.lock")
	v.SetDefault("pipeline.discovery_min_score", 7)
	v.SetDefault("pipeline.discovery_min_hits", 2)

	p := DefaultPrefilter()
	v.SetDefault("prefilter.include", p.Include)
	v.SetDefault("prefilter.exclude", p.Exclude)
	v.SetDefault("prefilter.strict", p.Strict)
	v.SetDefault("prefilter.high_hints", hintMaps(p.HighHints))
	v.SetDefault("prefilter.low_hints", hintMaps(p.LowHints))
	v.SetDefault("prefilter.suppress", p.Suppress)
	v.SetDefault("prefilter.suppress_override", p.SuppressOverride)

	v.SetDefault("fetch.user_agent", "newshound/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.max_items_per_source", 50)
	v.SetDefault("fetch.lookback_days", 7)
	v.SetDefault("fetch.concurrency", 4)

	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.query", `("brain-computer interface"[tiab] OR "neural implant"[tiab] OR intracortical[tiab] OR electrocorticography[tiab] OR "stereo-EEG"[tiab] OR neuroprosthesis[tiab])`)
	v.SetDefault("pubmed.retmax", 50)

	v.SetDefault("tavily.base_url", "https://api.tavily.com")
	v.SetDefault("tavily.max_results", 5)
	v.SetDefault("tavily.days", 7)
	v.SetDefault("tavily.queries", []string{
		`"brain-computer interface" OR "neural implant" clinical trial`,
		`neuralink OR synchron OR paradromics OR "blackrock neurotech" OR "precision neuroscience"`,
		`"intracranial EEG" OR ECoG OR sEEG neural recording human`,
		`FDA "neural device" OR "brain implant" approval OR clearance`,
		`BCI funding OR investment "neural interface"`,
	})

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "newshound")
	v.SetDefault("temporal.schedule_id", "newshound-weekly")
	v.SetDefault("temporal.cron", "0 7 * * MON")
	v.SetDefault("temporal.run_timeout_mins", 60)

	v.SetDefault("monitoring.lookback_runs", 12)
	v.SetDefault("monitoring.check_interval_secs", 3600)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 20.0)
	v.SetDefault("monitoring.stale_after_days", 10)
}

// DefaultPrefilter returns the built-in neurotechnology pattern sets.
func DefaultPrefilter() PrefilterConfig {
	return PrefilterConfig{
		Include: []string{
			`\b(brain[- ]computer interfaces?|bcis?|neuroprosthe\w*|intracortical)\b`,
			`\b(ecog|seeg|stereo-?eeg|ieeg|intracranial eeg)\b`,
			`\b(microstimulation|cortical stimulation|neural implants?|implantable)\b`,
			`\b(speech decoding|handwriting decoding|neural decoders?|spike(s|d)?|single[- ]unit)\b`,
		},
		Exclude: []string{
			`\b(transcranial magnetic stimulation|tms)\b`,
			`\b(transcranial direct current|tdcs)\b`,
			`\b(transcranial alternating current|tacs)\b`,
		},
		Strict: []string{
			`\b(brain[- ]computer interfaces?|bcis?|neuroprosthe\w*)\b`,
			`\b(ecog|seeg|stereo-?eeg|ieeg|intracranial eeg)\b`,
			`\b(microelectrode( array)?s?|utah arrays?)\b`,
			`\b(implanted|implantable|neural implants?)\b`,
			`\b(single[- ]unit|spike(s|d)?|intracortical (recording|array|electrode)s?)\b`,
		},
		HighHints: []HintPattern{
			{Score: 10, Pattern: `\bfirst[- ]in[- ]human\b|\bFIH\b`},
			{Score: 10, Pattern: `\bpivotal\b|\bPMA\b|\bDe\s?Novo\b|\b510\(k\)`},
			{Score: 10, Pattern: `\bFDA\b.*\bIDE\b|\bIDE\b.*\bFDA\b`},
			{Score: 9, Pattern: `\bhumans?\b.*\bimplant\b|\bimplanted\b.*\bhuman\b|\bclinical trial\b`},
			{Score: 8, Pattern: `\bECoG\b|\bsEEG\b|\bstereo-?EEG\b|\bintracranial EEG\b|\biEEG\b`},
			{Score: 8, Pattern: `\bsingle[- ]unit\b|\bspike(s|d)?\b`},
			{Score: 7, Pattern: `\bmicrostimulation\b|\bclosed[- ]loop\b`},
			{Score: 6, Pattern: `\bhermetic\b|\bencapsulation\b|\bcoating\b|\bmaterials?\b|\bbiocompatib`},
		},
		LowHints: []HintPattern{
			{Score: 2, Pattern: `\bEEG headset\b|\bheadband\b`},
			{Score: 2, Pattern: `\bmarketing\b|\bpress release\b|\bannounces\b`},
		},
		Suppress:         []string{`\bwearables?\b`},
		SuppressOverride: []string{`\bBCI\b|\bbrain[- ]computer\b|\bneural interface\b`},
	}
}

func hintMaps(hints []HintPattern) []map[string]any {
	out := make([]map[string]any, 0, len(hints))
	for _, h := range hints {
		out = append(out, map[string]any{"score": h.Score, "pattern": h.Pattern})
	}
	return out
}

// ValidationError reports every configuration problem found.
type ValidationError struct {
	Mode     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid for %s: %s", e.Mode, strings.Join(e.Problems, "; "))
}

// Validate checks the settings required by the given command mode: "run",
// "dry-run", "serve", "worker" or "schedule".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "run", "worker":
		if c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
		problems = append(problems, c.pipelineProblems()...)
	case "dry-run":
		problems = append(problems, c.pipelineProblems()...)
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "schedule":
		if c.Temporal.HostPort == "" {
			add("temporal.host_port is required")
		}
		if c.Temporal.Cron == "" {
			add("temporal.cron is required")
		}
	default:
		add("unknown mode %q", mode)
	}

	if mode == "worker" && c.Temporal.TaskQueue == "" {
		add("temporal.task_queue is required")
	}

	switch c.Store.Driver {
	case "file", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for postgres")
		}
	default:
		add("store.driver %q is not one of file, sqlite, postgres", c.Store.Driver)
	}

	if len(problems) > 0 {
		return &ValidationError{Mode: mode, Problems: problems}
	}
	return nil
}

func (c *Config) pipelineProblems() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	p := c.Pipeline
	if p.ScoreThreshold < 1 || p.ScoreThreshold > 10 {
		add("pipeline.score_threshold must be between 1 and 10")
	}
	if p.AlertThreshold < 1 || p.AlertThreshold > 10 {
		add("pipeline.alert_threshold must be between 1 and 10")
	}
	if p.ThemeMin < 1 || p.ThemeMax < p.ThemeMin {
		add("pipeline theme bounds must satisfy 1 <= theme_min <= theme_max")
	}
	if p.Concurrency < 1 || p.Concurrency > 50 {
		add("pipeline.concurrency must be between 1 and 50")
	}
	if p.MaxSources < 1 {
		add("pipeline.max_sources must be >= 1")
	}
	if p.ColdDays < 1 {
		add("pipeline.cold_days must be >= 1")
	}
	if p.MaxAdjustmentDelta < 0 || p.MaxAdjustmentDelta > 9 {
		add("pipeline.max_adjustment_delta must be between 0 and 9")
	}

	names := make(map[string]bool, len(c.Watchlist))
	for i, w := range c.Watchlist {
		name := strings.ToLower(strings.TrimSpace(w.Name))
		if name == "" {
			add("watchlist[%d].name is required", i)
			continue
		}
		if names[name] {
			add("watchlist: duplicate company %q", w.Name)
		}
		names[name] = true
		if w.RSS != "" {
			if u, err := url.Parse(w.RSS); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				add("watchlist %s: rss must be an http(s) url", w.Name)
			}
		}
	}

	f := c.Prefilter
	if len(f.Include) == 0 {
		add("prefilter.include must contain at least one pattern")
	}
	check := func(name string, patterns []string) {
		for _, pat := range patterns {
			if _, err := regexp.Compile("(?i)" + pat); err != nil {
				add("prefilter.%s: invalid pattern %q: %v", name, pat, err)
			}
		}
	}
	check("include", f.Include)
	check("exclude", f.Exclude)
	check("strict", f.Strict)
	check("suppress", f.Suppress)
	check("suppress_override", f.SuppressOverride)
	for _, h := range append(append([]HintPattern{}, f.HighHints...), f.LowHints...) {
		if h.Score < 1 || h.Score > 10 {
			add("prefilter hint %q: score must be between 1 and 10", h.Pattern)
		}
		check("hints", []string{h.Pattern})
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
