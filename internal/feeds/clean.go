package feeds

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// cleanText strips markup and entities from feed text and collapses
// whitespace. Plain text passes through untouched apart from spacing.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			doc.Find("script, style").Remove()
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
