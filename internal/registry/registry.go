// Package registry maintains the source registry: curated and discovered
// feeds together with their yield statistics.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/store"
)

// Registry is the in-memory source registry for one run. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sources    map[string]model.Source
	maxSources int
}

// New wraps an existing source map. A nil map starts empty.
func New(sources map[string]model.Source, maxSources int) *Registry {
	if sources == nil {
		sources = make(map[string]model.Source)
	}
	return &Registry{sources: sources, maxSources: maxSources}
}

// Load reads the registry from st and merges the curated definitions.
// Unreadable state is advisory: the registry starts from the curated set
// and a warning is logged.
func Load(ctx context.Context, st store.StateStore, curated []model.Source, maxSources int) *Registry {
	sources, err := st.LoadSources(ctx)
	if err != nil {
		zap.L().Warn("registry: sources unreadable, starting from curated set",
			zap.Error(err),
			zap.Bool("corrupt", eris.Is(err, store.ErrCorrupt)),
		)
		sources = nil
	}
	r := New(sources, maxSources)
	r.MergeCurated(curated)
	return r
}

// Save persists the registry.
func (r *Registry) Save(ctx context.Context, st store.StateStore) error {
	return eris.Wrap(st.SaveSources(ctx, r.Snapshot()), "registry: save sources")
}

// MergeCurated refreshes curated definitions while keeping accumulated
// stats. Curated sources missing from state are added.
func (r *Registry) MergeCurated(defs []model.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range defs {
		def.Curated = true
		if existing, ok := r.sources[def.ID]; ok {
			def.Stats = existing.Stats
			def.DiscoveredDate = existing.DiscoveredDate
		}
		if def.Stats.Status == "" {
			def.Stats.Status = model.SourceStatusActive
		}
		r.sources[def.ID] = def
	}
}

// Get returns one source.
func (r *Registry) Get(id string) (model.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return src, ok
}

// Len returns the number of registry entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// List returns every source ordered by ID.
func (r *Registry) List() []model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(model.Source) bool { return true })
}

// Enabled returns the sources the fetch layer should pull this run.
// Curated sources stay enabled when cold so they can recover.
func (r *Registry) Enabled() []model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(s model.Source) bool { return s.Enabled })
}

// RecordFetch adds one run's fetch yield to sourceID. inScope is capped at
// fetched. Unknown IDs are ignored and reported as false.
func (r *Registry) RecordFetch(sourceID string, fetched, inScope int, hitDate time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[sourceID]
	if !ok {
		zap.L().Debug("registry: ignoring yield for unknown source", zap.String("source", sourceID))
		return false
	}
	if fetched < 0 {
		fetched = 0
	}
	if inScope > fetched {
		zap.L().Warn("registry: in-scope count exceeds fetched, capping",
			zap.String("source", sourceID),
			zap.Int("fetched", fetched),
			zap.Int("in_scope", inScope),
		)
		inScope = fetched
	}
	if inScope < 0 {
		inScope = 0
	}

	day := hitDate.UTC()
	src.Stats.Runs++
	src.Stats.ItemsFetchedTotal += fetched
	src.Stats.ItemsInScopeTotal += inScope
	src.Stats.LastRunDate = &day
	if inScope > 0 {
		hit := day
		src.Stats.LastHitDate = &hit
		src.Stats.Status = model.SourceStatusActive
	}
	r.sources[sourceID] = src
	return true
}

// RecordScores adds the count of high-scoring items a source produced.
func (r *Registry) RecordScores(sourceID string, highScore int) {
	if highScore <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if src, ok := r.sources[sourceID]; ok {
		src.Stats.HighScoreTotal += highScore
		r.sources[sourceID] = src
	}
}

// isCold reports whether src produced no in-scope item since the cutoff. A
// source that has never been fetched is not cold yet; one that has been
// fetched but never hit is.
func isCold(src model.Source, cutoff time.Time) bool {
	if src.Stats.LastHitDate == nil {
		return src.Stats.Runs > 0
	}
	return src.Stats.LastHitDate.Before(cutoff)
}

func cutoff(now time.Time, days int) time.Time {
	return now.UTC().AddDate(0, 0, -days)
}

// ListCold returns the sources whose last hit predates now minus
// thresholdDays, ordered by ID.
func (r *Registry) ListCold(now time.Time, thresholdDays int) []model.Source {
	c := cutoff(now, thresholdDays)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(s model.Source) bool { return isCold(s, c) })
}

// RefreshStatus recomputes the active/cold status of every source.
func (r *Registry) RefreshStatus(now time.Time, coldDays int) {
	c := cutoff(now, coldDays)
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, src := range r.sources {
		if isCold(src, c) {
			src.Stats.Status = model.SourceStatusCold
		} else {
			src.Stats.Status = model.SourceStatusActive
		}
		r.sources[id] = src
	}
}

// PruneCold disables cold discovered sources. Curated sources are never
// pruned. It returns the number disabled.
func (r *Registry) PruneCold(now time.Time, coldDays int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneColdLocked(now, coldDays)
}

func (r *Registry) pruneColdLocked(now time.Time, coldDays int) int {
	c := cutoff(now, coldDays)
	pruned := 0
	for id, src := range r.sources {
		if src.Curated || !src.Enabled {
			continue
		}
		// Discovered sources that never hit age from their discovery date.
		cold := isCold(src, c)
		if src.Stats.LastHitDate == nil && src.DiscoveredDate != nil {
			cold = src.DiscoveredDate.Before(c)
		}
		if cold {
			src.Enabled = false
			src.Stats.Status = model.SourceStatusCold
			r.sources[id] = src
			pruned++
		}
	}
	if pruned > 0 {
		zap.L().Info("registry: pruned cold sources", zap.Int("count", pruned))
	}
	return pruned
}

// EnforceCap removes the lowest-yield discovered sources until the registry
// holds at most maxSources entries. Curated sources are never removed, so
// the registry can stay above the cap when curated entries alone exceed it.
// It returns the removed IDs.
func (r *Registry) EnforceCap(maxSources int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	excess := len(r.sources) - maxSources
	if excess <= 0 {
		return nil
	}

	var candidates []model.Source
	for _, src := range r.sources {
		if !src.Curated {
			candidates = append(candidates, src)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ya, yb := a.Stats.Yield(), b.Stats.Yield(); ya != yb {
			return ya < yb
		}
		if a.Enabled != b.Enabled {
			return !a.Enabled
		}
		return a.ID < b.ID
	})

	var removed []string
	for _, src := range candidates {
		if excess == 0 {
			break
		}
		delete(r.sources, src.ID)
		removed = append(removed, src.ID)
		excess--
	}
	if len(removed) > 0 {
		zap.L().Info("registry: enforced source cap",
			zap.Int("max_sources", maxSources),
			zap.Strings("removed", removed),
		)
	}
	return removed
}

// AddDiscovered adds a non-curated source. It refuses duplicates, and when
// the enabled count is at the cap it first prunes cold discovered sources
// and refuses if still at the cap.
func (r *Registry) AddDiscovered(def model.Source, now time.Time, coldDays int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[def.ID]; exists {
		return false
	}
	if r.enabledLocked() >= r.maxSources {
		r.pruneColdLocked(now, coldDays)
		if r.enabledLocked() >= r.maxSources {
			return false
		}
	}

	day := now.UTC()
	def.Curated = false
	def.Enabled = true
	def.DiscoveredDate = &day
	def.Stats = model.SourceStats{Status: model.SourceStatusActive}
	r.sources[def.ID] = def
	return true
}

func (r *Registry) enabledLocked() int {
	n := 0
	for _, src := range r.sources {
		if src.Enabled {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every entry.
func (r *Registry) Snapshot() map[string]model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]model.Source, len(r.sources))
	for id, src := range r.sources {
		out[id] = src
	}
	return out
}

// Summary is a short human-readable overview by category.
func (r *Registry) Summary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byCat := make(map[string][]string)
	enabled := 0
	for _, src := range r.sources {
		if !src.Enabled {
			continue
		}
		enabled++
		cat := string(src.Category)
		if cat == "" {
			cat = "other"
		}
		byCat[cat] = append(byCat[cat], src.Name)
	}

	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var b strings.Builder
	fmt.Fprintf(&b, "Sources: %d enabled / %d total", enabled, len(r.sources))
	for _, c := range cats {
		names := byCat[c]
		sort.Strings(names)
		fmt.Fprintf(&b, "\n  %s: %s", c, strings.Join(names, ", "))
	}
	return b.String()
}

// hosts returns the hostnames already covered by registry URLs.
func (r *Registry) hosts() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool)
	for _, src := range r.sources {
		if h := Host(src.URL); h != "" {
			out[h] = true
		}
	}
	return out
}

func (r *Registry) sortedLocked(keep func(model.Source) bool) []model.Source {
	out := make([]model.Source, 0, len(r.sources))
	for _, src := range r.sources {
		if keep(src) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Host extracts a lower-cased hostname without a leading "www.". Bare
// domains are accepted.
func Host(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
