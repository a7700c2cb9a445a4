package registry

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/config"
	"github.com/sells-group/newshound/internal/model"
)

// Well-known source IDs the fetch layer dispatches on.
const (
	PubMedID = "pubmed"
	TavilyID = "tavily_wideband"
)

func curated(id, name string, cat model.SourceCategory, typ model.SourceType, url string) model.Source {
	return model.Source{
		ID:       id,
		Name:     name,
		Category: cat,
		Type:     typ,
		URL:      url,
		Curated:  true,
		Enabled:  true,
		Stats:    model.SourceStats{Status: model.SourceStatusActive},
	}
}

// DefaultSources returns the curated sources used when configuration
// declares none.
func DefaultSources() []model.Source {
	return []model.Source{
		curated(PubMedID, "PubMed", model.SourceCategoryDatabase, model.SourceTypeAPI, ""),

		curated("biorxiv_neuro", "bioRxiv (neuroscience)", model.SourceCategoryPreprint, model.SourceTypeRSS,
			"https://connect.biorxiv.org/biorxiv_xml.php?subject=neuroscience"),
		curated("medrxiv", "medRxiv", model.SourceCategoryPreprint, model.SourceTypeRSS,
			"https://connect.medrxiv.org/medrxiv_xml.php"),
		curated("arxiv_qbio_nc", "arXiv q-bio.NC", model.SourceCategoryPreprint, model.SourceTypeRSS,
			"https://rss.arxiv.org/rss/q-bio.NC"),

		curated("nature_neuro", "Nature Neuroscience", model.SourceCategoryJournal, model.SourceTypeRSS,
			"https://www.nature.com/neuro.rss"),
		curated("nature_bme", "Nature Biomedical Engineering", model.SourceCategoryJournal, model.SourceTypeRSS,
			"https://www.nature.com/natbiomedeng.rss"),
		curated("jne", "Journal of Neural Engineering", model.SourceCategoryJournal, model.SourceTypeRSS,
			"https://iopscience.iop.org/journal/rss/1741-2552"),
		curated("neuron", "Neuron", model.SourceCategoryJournal, model.SourceTypeRSS,
			"https://www.cell.com/neuron/inpress.rss"),
		curated("sci_robotics", "Science Robotics", model.SourceCategoryJournal, model.SourceTypeRSS,
			"https://www.science.org/action/showFeed?type=etoc&feed=rss&jc=scirobotics"),

		curated("fda_medwatch", "FDA MedWatch Safety", model.SourceCategoryRegulatory, model.SourceTypeRSS,
			"http://www.fda.gov/AboutFDA/ContactFDA/StayInformed/RSSFeeds/MedWatch/rss.xml"),

		curated("nyt_science", "NYT Science", model.SourceCategoryPress, model.SourceTypeRSS,
			"https://rss.nytimes.com/services/xml/rss/nyt/Science.xml"),
		curated("nyt_health", "NYT Health", model.SourceCategoryPress, model.SourceTypeRSS,
			"https://rss.nytimes.com/services/xml/rss/nyt/Health.xml"),
		curated("ft_tech", "FT Technology", model.SourceCategoryPress, model.SourceTypeRSS,
			"https://www.ft.com/technology?format=rss"),
		curated("stat_news", "STAT News", model.SourceCategoryPress, model.SourceTypeRSS,
			"https://www.statnews.com/feed/"),

		curated(TavilyID, "Tavily Wideband Search", model.SourceCategorySearch, model.SourceTypeSearch, ""),
	}
}

// FromConfig converts configured source declarations into curated sources.
// An empty list yields DefaultSources.
func FromConfig(cfgs []config.SourceConfig) ([]model.Source, error) {
	if len(cfgs) == 0 {
		return DefaultSources(), nil
	}

	seen := make(map[string]bool, len(cfgs))
	out := make([]model.Source, 0, len(cfgs))
	for _, c := range cfgs {
		if c.ID == "" {
			return nil, eris.New("registry: source without id")
		}
		if seen[c.ID] {
			return nil, eris.Errorf("registry: duplicate source id %q", c.ID)
		}
		seen[c.ID] = true

		cat := model.SourceCategory(c.Category)
		if !cat.Valid() {
			return nil, eris.Errorf("registry: source %s: unknown category %q", c.ID, c.Category)
		}
		typ := model.SourceType(c.Type)
		switch typ {
		case model.SourceTypeRSS:
			if c.URL == "" {
				return nil, eris.Errorf("registry: source %s: rss source needs a url", c.ID)
			}
		case model.SourceTypeAPI, model.SourceTypeSearch:
		default:
			return nil, eris.Errorf("registry: source %s: unknown type %q", c.ID, c.Type)
		}

		name := c.Name
		if name == "" {
			name = c.ID
		}
		src := curated(c.ID, name, cat, typ, c.URL)
		src.Enabled = !c.Disabled
		out = append(out, src)
	}
	return out, nil
}

// FromWatchlist turns the RSS feeds of active watchlist entries into curated
// press sources. Feeds whose URL is already among existing are skipped.
func FromWatchlist(entries []config.WatchlistEntry, existing []model.Source) []model.Source {
	urls := make(map[string]bool, len(existing))
	for _, src := range existing {
		if src.URL != "" {
			urls[src.URL] = true
		}
	}

	var out []model.Source
	for _, w := range entries {
		if !w.Active() || w.RSS == "" || urls[w.RSS] {
			continue
		}
		urls[w.RSS] = true
		out = append(out, curated(WatchlistID(w.Name), w.Name+" (watchlist)",
			model.SourceCategoryPress, model.SourceTypeRSS, w.RSS))
	}
	return out
}

// WatchlistID returns the registry ID for a watchlist company's feed.
func WatchlistID(name string) string {
	slug := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return '_'
	}, strings.TrimSpace(name))
	return "watchlist_" + slug + "_rss"
}

// Curated returns the configured curated sources plus the watchlist feeds.
func Curated(cfg *config.Config) ([]model.Source, error) {
	defs, err := FromConfig(cfg.Sources)
	if err != nil {
		return nil, err
	}
	return append(defs, FromWatchlist(cfg.Watchlist, defs)...), nil
}
