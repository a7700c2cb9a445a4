package feeds

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/newshound/internal/config"
	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/registry"
)

// defaultConcurrency bounds parallel source fetches.
const defaultConcurrency = 4

// FetchError records why one source produced nothing.
type FetchError struct {
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return "feeds: source " + e.SourceID + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// errSkipped marks a source that was not attempted, such as a search source
// without an API key.
var errSkipped = eris.New("feeds: source skipped")

// Collector fetches every enabled source. It satisfies pipeline.Fetcher.
type Collector struct {
	http     *HTTPClient
	pubmed   *PubMed
	tavily   *Tavily
	cfg      config.FetchConfig
	log      *zap.Logger
	now      func() time.Time
	lookback time.Duration
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithLogger sets the collector's logger.
func WithLogger(l *zap.Logger) CollectorOption {
	return func(c *Collector) { c.log = l }
}

// WithClock overrides the clock used for the lookback window.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// WithHTTPClient replaces the HTTP client built from config.
func WithHTTPClient(h *HTTPClient) CollectorOption {
	return func(c *Collector) { c.http = h }
}

// NewCollector builds a Collector from the fetch, PubMed and Tavily config.
func NewCollector(cfg *config.Config, opts ...CollectorOption) *Collector {
	c := &Collector{
		cfg: cfg.Fetch,
		log: zap.L(),
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(HTTPOptions{
			UserAgent:  cfg.Fetch.UserAgent,
			Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxRetries: cfg.Fetch.MaxRetries,
		})
	}
	if c.cfg.Concurrency <= 0 {
		c.cfg.Concurrency = defaultConcurrency
	}
	if c.cfg.LookbackDays <= 0 {
		c.cfg.LookbackDays = 7
	}
	c.lookback = time.Duration(c.cfg.LookbackDays) * 24 * time.Hour
	c.pubmed = NewPubMed(c.http, cfg.PubMed)
	c.tavily = NewTavily(c.http, cfg.Tavily, cfg.Watchlist)
	return c
}

// Fetch pulls all sources concurrently. A failing source is recorded in the
// batch and does not stop the others; only cancellation returns an error.
func (c *Collector) Fetch(ctx context.Context, sources []model.Source) (model.FetchBatch, error) {
	batch := model.FetchBatch{Failed: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, src := range sources {
		g.Go(func() error {
			start := time.Now()
			items, err := c.fetchSource(gctx, src)
			if errors.Is(err, errSkipped) {
				c.log.Info("feeds: source skipped", zap.String("source", src.ID))
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			batch.Attempted = append(batch.Attempted, src.ID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fe := &FetchError{SourceID: src.ID, Err: err}
				batch.Failed[src.ID] = err.Error()
				c.log.Warn("feeds: source failed", zap.String("source", src.ID), zap.Error(fe))
				return nil
			}
			batch.Items = append(batch.Items, items...)
			c.log.Debug("feeds: source fetched",
				zap.String("source", src.ID),
				zap.Int("items", len(items)),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.FetchBatch{}, eris.Wrap(err, "feeds: fetch cancelled")
	}
	if err := ctx.Err(); err != nil {
		return model.FetchBatch{}, eris.Wrap(err, "feeds: fetch cancelled")
	}

	sort.Strings(batch.Attempted)
	sort.SliceStable(batch.Items, func(i, j int) bool {
		return batch.Items[i].SourceID < batch.Items[j].SourceID
	})
	return batch, nil
}

func (c *Collector) fetchSource(ctx context.Context, src model.Source) ([]model.RawItem, error) {
	var (
		entries []Entry
		err     error
	)
	now := c.now()
	switch src.Type {
	case model.SourceTypeRSS:
		if src.URL == "" {
			return nil, eris.New("feeds: rss source has no url")
		}
		var body []byte
		body, err = c.http.Get(ctx, src.URL)
		if err == nil {
			entries, err = ParseFeed(body)
		}
	case model.SourceTypeAPI:
		if src.ID != registry.PubMedID {
			return nil, eris.Errorf("feeds: no api client for %q", src.ID)
		}
		entries, err = c.pubmed.Collect(ctx, now, c.cfg.LookbackDays)
	case model.SourceTypeSearch:
		if !c.tavily.Configured() {
			return nil, errSkipped
		}
		var domains []string
		if src.ID != registry.TavilyID && src.URL != "" {
			domains = []string{registry.Host(src.URL)}
		}
		entries, err = c.tavily.SearchAll(ctx, c.tavily.Queries(), domains)
	default:
		return nil, eris.Errorf("feeds: unknown source type %q", src.Type)
	}
	if err != nil {
		return nil, err
	}
	return c.toItems(src, entries, now), nil
}

// toItems applies the lookback window and per-source cap. Entries without a
// date are kept.
func (c *Collector) toItems(src model.Source, entries []Entry, now time.Time) []model.RawItem {
	cutoff := now.Add(-c.lookback)
	out := make([]model.RawItem, 0, len(entries))
	for _, e := range entries {
		if e.Published != nil && e.Published.Before(cutoff) && src.Type == model.SourceTypeRSS {
			continue
		}
		it := model.NewRawItem(src.ID, src.Category, e.ID, e.Title, e.Summary, e.Link, e.Published)
		if src.Type == model.SourceTypeSearch {
			it.Domain = registry.Host(e.Link)
		}
		out = append(out, it)
		if c.cfg.MaxItemsPerSource > 0 && len(out) >= c.cfg.MaxItemsPerSource {
			break
		}
	}
	return out
}
