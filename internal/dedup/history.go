// Package dedup tracks previously scored items by content fingerprint and
// decides which repeats can skip the scoring oracle.
package dedup

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/store"
)

const maxTitleLen = 100

// History is the in-memory dedup history for one run. It is safe for
// concurrent use.
type History struct {
	mu        sync.RWMutex
	records   map[string]model.DedupRecord
	threshold int
}

// New wraps an existing record map. A nil map starts empty.
func New(records map[string]model.DedupRecord, threshold int) *History {
	if records == nil {
		records = make(map[string]model.DedupRecord)
	}
	return &History{records: records, threshold: threshold}
}

// Load reads the history from st. Missing or unreadable state is not fatal:
// the history starts empty and a warning is logged.
func Load(ctx context.Context, st store.StateStore, threshold int) *History {
	records, err := st.LoadHistory(ctx)
	if err != nil {
		zap.L().Warn("dedup: history unreadable, starting empty",
			zap.Error(err),
			zap.Bool("corrupt", eris.Is(err, store.ErrCorrupt)),
		)
		records = nil
	}
	return New(records, threshold)
}

// Save persists the full history.
func (h *History) Save(ctx context.Context, st store.StateStore) error {
	return eris.Wrap(st.SaveHistory(ctx, h.Snapshot()), "dedup: save history")
}

// Threshold is the score below which repeats are skipped.
func (h *History) Threshold() int { return h.threshold }

// Len returns the number of fingerprints tracked.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Lookup returns the record for fp.
func (h *History) Lookup(fp string) (model.DedupRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[fp]
	return rec, ok
}

// ShouldSkipScoring is true iff fp was seen before and its last oracle score
// is below the threshold. Absent records, records that were never scored,
// and records at or above the threshold are always re-scored.
func (h *History) ShouldSkipScoring(fp string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[fp]
	if !ok || rec.LastScore == nil {
		return false
	}
	return *rec.LastScore < h.threshold && rec.TimesSeen >= 1
}

// Partition splits items into those that need scoring and those the history
// suppresses. Order is preserved in both lists.
func (h *History) Partition(items []model.RawItem) (toScore, skipped []model.RawItem) {
	for _, item := range items {
		if h.ShouldSkipScoring(item.Fingerprint()) {
			skipped = append(skipped, item)
			continue
		}
		toScore = append(toScore, item)
	}
	return toScore, skipped
}

// Record upserts fp with a fresh oracle score.
func (h *History) Record(fp, title string, score int, category model.Category, date time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.upsertLocked(fp, title, date)
	s := score
	rec.LastScore = &s
	rec.LastCategory = category
	h.records[fp] = rec
}

// Touch counts a sighting without a new score.
func (h *History) Touch(fp, title string, date time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[fp] = h.upsertLocked(fp, title, date)
}

// RecordScored records a finalized item. Parse-failure sentinels only count
// as sightings so that they do not overwrite a real prior score.
func (h *History) RecordScored(item model.ScoredItem, date time.Time) {
	fp := item.Fingerprint
	if fp == "" {
		fp = item.RawItem.Fingerprint()
	}
	if item.ParseFailure {
		h.Touch(fp, item.Title, date)
		return
	}
	h.Record(fp, item.Title, item.Score, item.Category, date)
}

func (h *History) upsertLocked(fp, title string, date time.Time) model.DedupRecord {
	date = date.UTC()
	rec, ok := h.records[fp]
	if !ok {
		rec = model.DedupRecord{FirstSeenDate: date}
	}
	if title != "" {
		rec.Title = truncate(title, maxTitleLen)
	}
	rec.LastSeenDate = date
	rec.TimesSeen++
	return rec
}

// Snapshot returns a copy of every record.
func (h *History) Snapshot() map[string]model.DedupRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]model.DedupRecord, len(h.records))
	for fp, rec := range h.records {
		if rec.LastScore != nil {
			s := *rec.LastScore
			rec.LastScore = &s
		}
		out[fp] = rec
	}
	return out
}

// Stats summarizes the history.
type Stats struct {
	Records      int         `json:"records"`
	Scored       int         `json:"scored"`
	NeverScored  int         `json:"never_scored"`
	Suppressed   int         `json:"suppressed"`
	Repeats      int         `json:"repeats"`
	Distribution map[int]int `json:"distribution"`
	Oldest       *time.Time  `json:"oldest,omitempty"`
	Newest       *time.Time  `json:"newest,omitempty"`
}

// Stats computes counts over the current records.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{Records: len(h.records), Distribution: make(map[int]int)}
	for _, rec := range h.records {
		if rec.TimesSeen > 1 {
			st.Repeats++
		}
		if rec.LastScore == nil {
			st.NeverScored++
		} else {
			st.Scored++
			st.Distribution[*rec.LastScore]++
			if *rec.LastScore < h.threshold {
				st.Suppressed++
			}
		}
		first, last := rec.FirstSeenDate, rec.LastSeenDate
		if st.Oldest == nil || first.Before(*st.Oldest) {
			st.Oldest = &first
		}
		if st.Newest == nil || last.After(*st.Newest) {
			st.Newest = &last
		}
	}
	return st
}

// Recent returns up to n fingerprints ordered by last sighting, newest first.
func (h *History) Recent(n int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	fps := make([]string, 0, len(h.records))
	for fp := range h.records {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool {
		a, b := h.records[fps[i]].LastSeenDate, h.records[fps[j]].LastSeenDate
		if a.Equal(b) {
			return fps[i] < fps[j]
		}
		return a.After(b)
	})
	if n > 0 && len(fps) > n {
		fps = fps[:n]
	}
	return fps
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
