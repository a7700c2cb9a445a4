package feeds

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/config"
)

// efetchBatch is the number of PMIDs per efetch call.
const efetchBatch = 200

// PubMed searches and fetches articles through NCBI E-utilities.
type PubMed struct {
	http *HTTPClient
	cfg  config.PubMedConfig
}

// NewPubMed returns a PubMed client.
func NewPubMed(client *HTTPClient, cfg config.PubMedConfig) *PubMed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	}
	if cfg.RetMax <= 0 {
		cfg.RetMax = 50
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PubMed{http: client, cfg: cfg}
}

type esearchResult struct {
	Count int      `xml:"Count"`
	IDs   []string `xml:"IdList>Id"`
	Error string   `xml:"ERROR"`
}

type pubmedArticle struct {
	PMID    string `xml:"MedlineCitation>PMID"`
	Article struct {
		Title struct {
			Inner string `xml:",innerxml"`
		} `xml:"ArticleTitle"`
		Abstract struct {
			Texts []struct {
				Label string `xml:"Label,attr"`
				Text  string `xml:",innerxml"`
			} `xml:"AbstractText"`
		} `xml:"Abstract"`
		Journal struct {
			Title   string `xml:"Title"`
			PubDate struct {
				Year        string `xml:"Year"`
				Month       string `xml:"Month"`
				Day         string `xml:"Day"`
				MedlineDate string `xml:"MedlineDate"`
			} `xml:"JournalIssue>PubDate"`
		} `xml:"Journal"`
	} `xml:"MedlineCitation>Article"`
}

func (p *PubMed) form(extra url.Values) url.Values {
	v := url.Values{"db": {"pubmed"}, "retmode": {"xml"}}
	if p.cfg.APIKey != "" {
		v.Set("api_key", p.cfg.APIKey)
	}
	for k, vals := range extra {
		v[k] = vals
	}
	return v
}

// Search returns PMIDs published in the last days, newest first.
func (p *PubMed) Search(ctx context.Context, now time.Time, days int) ([]string, error) {
	if days <= 0 {
		days = 7
	}
	form := p.form(url.Values{
		"term":     {p.cfg.Query},
		"retmax":   {strconv.Itoa(p.cfg.RetMax)},
		"mindate":  {now.AddDate(0, 0, -days).Format("2006/01/02")},
		"maxdate":  {now.Format("2006/01/02")},
		"datetype": {"pdat"},
		"sort":     {"pub_date"},
	})
	body, err := p.http.PostForm(ctx, p.cfg.BaseURL+"/esearch.fcgi", form)
	if err != nil {
		return nil, eris.Wrap(err, "pubmed: esearch")
	}

	var res esearchResult
	if err := newDecoder(bytes.NewReader(body)).Decode(&res); err != nil {
		return nil, eris.Wrap(err, "pubmed: parse esearch")
	}
	if res.Error != "" {
		return nil, eris.Errorf("pubmed: esearch: %s", res.Error)
	}
	return res.IDs, nil
}

// Fetch returns article records for pmids, in batches.
func (p *PubMed) Fetch(ctx context.Context, pmids []string) ([]Entry, error) {
	var out []Entry
	for start := 0; start < len(pmids); start += efetchBatch {
		batch := pmids[start:min(start+efetchBatch, len(pmids))]
		body, err := p.http.PostForm(ctx, p.cfg.BaseURL+"/efetch.fcgi", p.form(url.Values{
			"id": {strings.Join(batch, ",")},
		}))
		if err != nil {
			return out, eris.Wrap(err, "pubmed: efetch")
		}

		articles, err := collectXML[pubmedArticle](ctx, bytes.NewReader(body), "PubmedArticle")
		if err != nil {
			return out, eris.Wrap(err, "pubmed: parse efetch")
		}
		for _, a := range articles {
			if e, ok := a.entry(); ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Collect searches and fetches in one step.
func (p *PubMed) Collect(ctx context.Context, now time.Time, days int) ([]Entry, error) {
	ids, err := p.Search(ctx, now, days)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return p.Fetch(ctx, ids)
}

func (a pubmedArticle) entry() (Entry, bool) {
	title := cleanText(a.Article.Title.Inner)
	pmid := strings.TrimSpace(a.PMID)
	if title == "" || pmid == "" {
		return Entry{}, false
	}

	var parts []string
	for _, t := range a.Article.Abstract.Texts {
		text := cleanText(t.Text)
		if text == "" {
			continue
		}
		if t.Label != "" {
			text = t.Label + ": " + text
		}
		parts = append(parts, text)
	}

	return Entry{
		ID:        pmid,
		Title:     title,
		Link:      "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		Summary:   strings.Join(parts, " "),
		Published: a.published(),
	}, true
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// published reads the journal issue date. Month may be numeric or an
// abbreviation; a missing day is taken as the first.
func (a pubmedArticle) published() *time.Time {
	d := a.Article.Journal.PubDate
	yearText := d.Year
	if yearText == "" && len(d.MedlineDate) >= 4 {
		yearText = d.MedlineDate[:4]
	}
	year, err := strconv.Atoi(strings.TrimSpace(yearText))
	if err != nil {
		return nil
	}

	month := time.January
	if m := strings.TrimSpace(d.Month); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n >= 1 && n <= 12 {
			month = time.Month(n)
		} else if len(m) >= 3 {
			if mm, ok := months[strings.ToLower(m[:3])]; ok {
				month = mm
			}
		}
	}
	day := 1
	if n, err := strconv.Atoi(strings.TrimSpace(d.Day)); err == nil && n >= 1 && n <= 31 {
		day = n
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}
