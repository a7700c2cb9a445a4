package model

import "time"

// DedupRecord is the persisted history for one fingerprint.
type DedupRecord struct {
	Title         string    `json:"title,omitempty"`
	LastScore     *int      `json:"last_score"`
	LastCategory  Category  `json:"last_category,omitempty"`
	FirstSeenDate time.Time `json:"first_seen_date"`
	LastSeenDate  time.Time `json:"last_seen_date"`
	TimesSeen     int       `json:"times_seen"`
}

// SourceType is how a source is fetched.
type SourceType string

const (
	SourceTypeRSS    SourceType = "rss"
	SourceTypeAPI    SourceType = "api"
	SourceTypeSearch SourceType = "search"
)

// SourceStatus is the health of a source.
type SourceStatus string

const (
	SourceStatusActive SourceStatus = "active"
	SourceStatusCold   SourceStatus = "cold"
)

// SourceStats is the per-source yield record.
type SourceStats struct {
	ItemsFetchedTotal int          `json:"items_fetched_total"`
	ItemsInScopeTotal int          `json:"items_in_scope_total"`
	HighScoreTotal    int          `json:"high_score_total"`
	Runs              int          `json:"runs"`
	LastHitDate       *time.Time   `json:"last_hit_date,omitempty"`
	LastRunDate       *time.Time   `json:"last_run_date,omitempty"`
	Status            SourceStatus `json:"status"`
}

// Yield is the in-scope ratio used to rank sources for eviction.
func (s SourceStats) Yield() float64 {
	if s.ItemsFetchedTotal == 0 {
		return 0
	}
	return float64(s.ItemsInScopeTotal) / float64(s.ItemsFetchedTotal)
}

// Source is a feed definition together with its stats.
type Source struct {
	ID             string         `json:"id" yaml:"id" mapstructure:"id"`
	Name           string         `json:"name" yaml:"name" mapstructure:"name"`
	Category       SourceCategory `json:"category" yaml:"category" mapstructure:"category"`
	Type           SourceType     `json:"type" yaml:"type" mapstructure:"type"`
	URL            string         `json:"url,omitempty" yaml:"url" mapstructure:"url"`
	Curated        bool           `json:"curated" yaml:"curated" mapstructure:"curated"`
	Enabled        bool           `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	DiscoveredDate *time.Time     `json:"discovered_date,omitempty" yaml:"-" mapstructure:"-"`
	Stats          SourceStats    `json:"stats" yaml:"-" mapstructure:"-"`
}
