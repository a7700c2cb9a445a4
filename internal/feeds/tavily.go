package feeds

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/config"
)

// watchlistBatch is the number of company aliases folded into one query.
const watchlistBatch = 5

// watchlistTopic narrows alias queries to neurotech coverage.
const watchlistTopic = `BCI OR "neural interface" OR "brain implant"`

// Tavily runs web searches through the Tavily API.
type Tavily struct {
	http      *HTTPClient
	cfg       config.TavilyConfig
	watchlist []string
}

// NewTavily returns a Tavily client. Active watchlist entries add batched
// alias queries after the configured ones.
func NewTavily(client *HTTPClient, cfg config.TavilyConfig, watchlist []config.WatchlistEntry) *Tavily {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tavily.com"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Days <= 0 {
		cfg.Days = 7
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Tavily{http: client, cfg: cfg, watchlist: WatchlistQueries(watchlist)}
}

// WatchlistQueries quotes each active entry's search terms and joins them
// in batches, one query per batch.
func WatchlistQueries(entries []config.WatchlistEntry) []string {
	var terms []string
	for _, w := range entries {
		if w.Active() {
			terms = append(terms, w.SearchTerms()...)
		}
	}

	var out []string
	for start := 0; start < len(terms); start += watchlistBatch {
		batch := terms[start:min(start+watchlistBatch, len(terms))]
		quoted := make([]string, len(batch))
		for i, t := range batch {
			quoted[i] = `"` + strings.ReplaceAll(t, `"`, "") + `"`
		}
		out = append(out, strings.Join(quoted, " OR ")+" "+watchlistTopic)
	}
	return out
}

// Configured reports whether an API key is set.
func (t *Tavily) Configured() bool { return t.cfg.Key != "" }

// Queries returns the configured wideband queries followed by the
// watchlist queries.
func (t *Tavily) Queries() []string {
	out := make([]string, 0, len(t.cfg.Queries)+len(t.watchlist))
	out = append(out, t.cfg.Queries...)
	return append(out, t.watchlist...)
}

type tavilyRequest struct {
	Query          string   `json:"query"`
	Topic          string   `json:"topic"`
	SearchDepth    string   `json:"search_depth"`
	MaxResults     int      `json:"max_results"`
	Days           int      `json:"days"`
	IncludeAnswer  bool     `json:"include_answer"`
	IncludeDomains []string `json:"include_domains,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

// Search runs one query, optionally restricted to domains.
func (t *Tavily) Search(ctx context.Context, query string, domains []string) ([]Entry, error) {
	if !t.Configured() {
		return nil, eris.New("tavily: api key not configured")
	}
	req := tavilyRequest{
		Query:          query,
		Topic:          "news",
		SearchDepth:    "basic",
		MaxResults:     t.cfg.MaxResults,
		Days:           t.cfg.Days,
		IncludeDomains: domains,
	}
	var resp tavilyResponse
	headers := map[string]string{"Authorization": "Bearer " + t.cfg.Key}
	if err := t.http.PostJSON(ctx, t.cfg.BaseURL+"/search", headers, req, &resp); err != nil {
		return nil, eris.Wrapf(err, "tavily: search %q", query)
	}

	out := make([]Entry, 0, len(resp.Results))
	for _, r := range resp.Results {
		title := cleanText(r.Title)
		link := strings.TrimSpace(r.URL)
		if title == "" || link == "" {
			continue
		}
		out = append(out, Entry{
			ID:        link,
			Title:     title,
			Link:      link,
			Summary:   cleanText(r.Content),
			Published: parseDate(r.PublishedDate),
		})
	}
	return out, nil
}

// SearchAll runs every query and drops repeated URLs. A failing query is
// skipped unless all of them fail.
func (t *Tavily) SearchAll(ctx context.Context, queries []string, domains []string) ([]Entry, error) {
	seen := make(map[string]bool)
	var out []Entry
	var lastErr error
	failed := 0
	for _, q := range queries {
		entries, err := t.Search(ctx, q, domains)
		if err != nil {
			if ctx.Err() != nil {
				return out, err
			}
			lastErr = err
			failed++
			continue
		}
		for _, e := range entries {
			if !seen[e.Link] {
				seen[e.Link] = true
				out = append(out, e)
			}
		}
	}
	if failed > 0 && failed == len(queries) {
		return nil, lastErr
	}
	return out, nil
}
