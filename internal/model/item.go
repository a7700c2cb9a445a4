package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SourceCategory classifies where a raw item came from.
type SourceCategory string

const (
	SourceCategoryDatabase   SourceCategory = "database"
	SourceCategoryJournal    SourceCategory = "journal"
	SourceCategoryPreprint   SourceCategory = "preprint"
	SourceCategoryPress      SourceCategory = "press"
	SourceCategoryRegulatory SourceCategory = "regulatory"
	SourceCategorySearch     SourceCategory = "search"
)

// Valid reports whether c is one of the known source categories.
func (c SourceCategory) Valid() bool {
	switch c {
	case SourceCategoryDatabase, SourceCategoryJournal, SourceCategoryPreprint,
		SourceCategoryPress, SourceCategoryRegulatory, SourceCategorySearch:
		return true
	}
	return false
}

// RawItem is one fetched candidate. It is not modified after fetch.
type RawItem struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Summary        string         `json:"summary,omitempty"`
	URL            string         `json:"url"`
	PublishedDate  *time.Time     `json:"published_date,omitempty"`
	SourceID       string         `json:"source_id"`
	SourceCategory SourceCategory `json:"source_category"`
	Domain         string         `json:"domain,omitempty"` // host of search results, used for discovery
}

// NewRawItem builds a RawItem with a stable ID derived from the source and
// the upstream identifier. When the upstream gives no identifier the URL is
// used, and failing that the content fingerprint.
func NewRawItem(sourceID string, category SourceCategory, upstreamID, title, summary, url string, published *time.Time) RawItem {
	key := strings.TrimSpace(upstreamID)
	if key == "" {
		key = strings.TrimSpace(url)
	}
	if key == "" {
		key = Fingerprint(title, url)
	}
	return RawItem{
		ID:             sourceID + ":" + key,
		Title:          strings.TrimSpace(title),
		Summary:        strings.TrimSpace(summary),
		URL:            strings.TrimSpace(url),
		PublishedDate:  published,
		SourceID:       sourceID,
		SourceCategory: category,
	}
}

// Fingerprint returns the content fingerprint for the item.
func (r RawItem) Fingerprint() string {
	return Fingerprint(r.Title, r.URL)
}

// Text returns title and summary joined for pattern matching.
func (r RawItem) Text() string {
	if r.Summary == "" {
		return r.Title
	}
	return r.Title + " " + r.Summary
}

// Fingerprint hashes a normalized title and URL into the dedup key.
// Normalization case-folds, trims, and collapses whitespace runs, so the
// same item fetched from two feeds maps to one key.
func Fingerprint(title, url string) string {
	sum := sha256.Sum256([]byte(normalizeIdentity(title) + "|" + normalizeIdentity(url)))
	return hex.EncodeToString(sum[:])[:16]
}

func normalizeIdentity(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// FetchBatch is one run's output from the fetch layer.
type FetchBatch struct {
	Items []RawItem `json:"items"`
	// Attempted lists every source the fetch layer tried, including failures.
	Attempted []string `json:"attempted,omitempty"`
	// Failed maps source ID to the fetch error message.
	Failed map[string]string `json:"failed,omitempty"`
}
