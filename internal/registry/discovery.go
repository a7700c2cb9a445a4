package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/newshound/internal/model"
)

// ignoredDomains are aggregators and social sites that never become sources.
var ignoredDomains = map[string]bool{
	"twitter.com":      true,
	"x.com":            true,
	"facebook.com":     true,
	"linkedin.com":     true,
	"reddit.com":       true,
	"youtube.com":      true,
	"medium.com":       true,
	"news.google.com":  true,
	"wikipedia.org":    true,
	"en.wikipedia.org": true,
	"msn.com":          true,
	"yahoo.com":        true,
}

// DiscoveryRule bounds which search domains become sources.
type DiscoveryRule struct {
	MinScore int
	MinHits  int
	ColdDays int
}

// ProposeDiscoveries turns search-result domains that produced at least
// MinHits items scoring MinScore or more into discovered sources. Domains
// already covered by a registry URL are skipped. Discovered sources are
// fetched as domain-restricted searches. It returns the sources added.
func (r *Registry) ProposeDiscoveries(scored []model.ScoredItem, rule DiscoveryRule, now time.Time) []model.Source {
	hits := make(map[string]int)
	for _, it := range scored {
		if it.ParseFailure || it.Score < rule.MinScore || it.SourceCategory != model.SourceCategorySearch {
			continue
		}
		domain := it.Domain
		if domain == "" {
			domain = Host(it.URL)
		}
		domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
		if domain == "" || ignoredDomains[domain] {
			continue
		}
		hits[domain]++
	}

	known := r.hosts()
	domains := make([]string, 0, len(hits))
	for d, n := range hits {
		if n >= rule.MinHits && !known[d] {
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)

	var added []model.Source
	for _, d := range domains {
		def := model.Source{
			ID:       DiscoveredID(d),
			Name:     d,
			Category: model.SourceCategoryPress,
			Type:     model.SourceTypeSearch,
			URL:      d,
		}
		if r.AddDiscovered(def, now, rule.ColdDays) {
			src, _ := r.Get(def.ID)
			added = append(added, src)
		}
	}
	return added
}

// DiscoveredID derives the registry ID for a discovered domain.
func DiscoveredID(domain string) string {
	var b strings.Builder
	b.WriteString("discovered_")
	for _, r := range strings.ToLower(domain) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
