package feeds

import (
	"bytes"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Entry is one feed item after parsing and cleanup.
type Entry struct {
	ID        string
	Title     string
	Link      string
	Summary   string
	Published *time.Time
}

// feedDoc covers RSS 2.0 (items under channel), RSS 1.0/RDF (items at the
// root) and Atom (entries at the root).
type feedDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Items   []rssItem   `xml:"item"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Links       []string `xml:"link"`
	About       string   `xml:"about,attr"`
	GUID        string   `xml:"guid"`
	Description string   `xml:"description"`
	Encoded     string   `xml:"encoded"`
	PubDate     string   `xml:"pubDate"`
	Date        string   `xml:"date"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

// ParseFeed parses an RSS 2.0, RSS 1.0 (RDF) or Atom document. Entries
// without a title are dropped.
func ParseFeed(data []byte) ([]Entry, error) {
	var doc feedDoc
	if err := newDecoder(bytes.NewReader(stripBOM(data))).Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "feeds: parse feed")
	}

	var out []Entry
	items := append(doc.Channel.Items, doc.Items...)
	for _, it := range items {
		link := firstNonEmpty(append(it.Links, it.About, it.GUID)...)
		e := Entry{
			ID:        strings.TrimSpace(firstNonEmpty(it.GUID, link)),
			Title:     cleanText(it.Title),
			Link:      strings.TrimSpace(link),
			Summary:   cleanText(firstNonEmpty(it.Description, it.Encoded)),
			Published: parseDate(firstNonEmpty(it.PubDate, it.Date)),
		}
		if e.Title != "" {
			out = append(out, e)
		}
	}
	for _, en := range doc.Entries {
		e := Entry{
			ID:        strings.TrimSpace(en.ID),
			Title:     cleanText(en.Title),
			Link:      atomHref(en.Links),
			Summary:   cleanText(firstNonEmpty(en.Summary, en.Content)),
			Published: parseDate(firstNonEmpty(en.Published, en.Updated)),
		}
		if e.Title != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// atomHref prefers the alternate link.
func atomHref(links []atomLink) string {
	for _, l := range links {
		if l.Href != "" && (l.Rel == "" || l.Rel == "alternate") {
			return strings.TrimSpace(l.Href)
		}
	}
	for _, l := range links {
		if l.Href != "" {
			return strings.TrimSpace(l.Href)
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseDate accepts the date formats seen in RSS, RDF and Atom feeds. An
// unparseable date yields nil.
func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
