package search

import (
	"context"
	"fmt"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/kagent-dev/sage/pkg/tools"
)

// Scraper extracts the readable text of a web page.
type Scraper struct {
	fetcher fetcher
}

// NewScraper creates a page scraper.
func NewScraper(client *http.Client, userAgent string) *Scraper {
	return &Scraper{fetcher: newFetcher(client, userAgent)}
}

// Scrape fetches pageURL and returns its title and visible text, cut to
// maxChars bytes.
func (s *Scraper) Scrape(ctx context.Context, pageURL string, maxChars int) (tools.Document, error) {
	rc, err := s.fetcher.get(ctx, pageURL)
	if err != nil {
		return tools.Document{}, err
	}
	defer rc.Close()

	doc, err := goquery.NewDocumentFromReader(rc)
	if err != nil {
		return tools.Document{}, fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}

	doc.Find("script, style, noscript, nav, header, footer, aside, form, iframe, svg").Remove()

	body := doc.Find("article")
	if body.Length() == 0 {
		body = doc.Find("main")
	}
	if body.Length() == 0 {
		body = doc.Find("body")
	}

	title := collapse(doc.Find("title").First().Text())
	if title == "" {
		title = collapse(doc.Find("h1").First().Text())
	}

	return tools.Document{
		URL:     pageURL,
		Title:   title,
		Content: truncate(collapse(body.Text()), maxChars),
	}, nil
}
