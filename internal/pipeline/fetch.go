package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
)

// Fetcher produces a run's raw items from the enabled sources. Per-source
// failures belong in FetchBatch.Failed; an error aborts the run.
type Fetcher interface {
	Fetch(ctx context.Context, sources []model.Source) (model.FetchBatch, error)
}

// StaticFetcher replays a fixed item list, ignoring the source list.
type StaticFetcher struct {
	Items []model.RawItem
}

// Fetch implements Fetcher.
func (f StaticFetcher) Fetch(_ context.Context, _ []model.Source) (model.FetchBatch, error) {
	seen := make(map[string]bool)
	var attempted []string
	for _, it := range f.Items {
		if !seen[it.SourceID] {
			seen[it.SourceID] = true
			attempted = append(attempted, it.SourceID)
		}
	}
	sort.Strings(attempted)
	items := make([]model.RawItem, len(f.Items))
	copy(items, f.Items)
	return model.FetchBatch{Items: items, Attempted: attempted}, nil
}

// LoadItemsFile reads a JSON array of RawItems. Items without an ID get one
// derived the same way the fetch layer does.
func LoadItemsFile(path string) ([]model.RawItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read items %s", path)
	}
	var raw []model.RawItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse items %s", path)
	}

	items := make([]model.RawItem, 0, len(raw))
	for i, it := range raw {
		if strings.TrimSpace(it.Title) == "" {
			return nil, eris.Errorf("pipeline: item %d in %s has no title", i, path)
		}
		if it.SourceID == "" {
			it.SourceID = "file"
		}
		if it.SourceCategory == "" {
			it.SourceCategory = model.SourceCategorySearch
		}
		if it.ID == "" {
			built := model.NewRawItem(it.SourceID, it.SourceCategory, "", it.Title, it.Summary, it.URL, it.PublishedDate)
			built.Domain = it.Domain
			it = built
		}
		items = append(items, it)
	}
	return items, nil
}

// triage runs the pre-filter, records fetch yield, and partitions the
// in-scope items against dedup history. It returns the items to score and
// their regex hints.
func (r *run) triage(batch model.FetchBatch) ([]model.RawItem, map[string]int) {
	now := r.started
	m := &r.result.Metrics
	res := r.p.filter.Apply(batch.Items)

	m.Fetched = len(batch.Items)
	m.FetchFailures = len(batch.Failed)
	m.InScope = len(res.InScope)

	for id, msg := range batch.Failed {
		r.log.Warn("pipeline: source fetch failed, recording zero yield", zap.String("source", id), zap.String("error", msg))
	}

	if !r.dryRun {
		ids := make(map[string]bool)
		for _, id := range batch.Attempted {
			ids[id] = true
		}
		for id := range batch.Failed {
			ids[id] = true
		}
		for id := range res.Sources {
			ids[id] = true
		}
		for id := range ids {
			sc := res.Sources[id]
			if !r.registry.RecordFetch(id, sc.Fetched, sc.InScope, now) {
				r.log.Debug("pipeline: items from unregistered source", zap.String("source", id))
			}
		}
	}

	toScore, skipped := r.history.Partition(res.InScope)
	for _, it := range skipped {
		r.history.Touch(it.Fingerprint(), it.Title, now)
	}
	m.SkippedByDedup = len(skipped)

	if res.Duplicates > 0 {
		r.log.Debug("pipeline: collapsed duplicate fingerprints", zap.Int("count", res.Duplicates))
	}

	r.p.metrics.AddItems("fetched", m.Fetched)
	r.p.metrics.AddItems("in_scope", m.InScope)
	r.p.metrics.AddItems("skipped", m.SkippedByDedup)
	r.p.metrics.FetchFailed(m.FetchFailures)
	return toScore, res.Hints
}
