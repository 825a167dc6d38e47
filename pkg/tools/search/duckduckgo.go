package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/kagent-dev/sage/pkg/tools"
)

// DuckDuckGoEndpoint is the HTML lite interface.
const DuckDuckGoEndpoint = "https://lite.duckduckgo.com/lite/"

// DuckDuckGo implements a searcher using DuckDuckGo's HTML lite interface. It
// needs no API key and is rate limited to one query per second by default.
type DuckDuckGo struct {
	Endpoint string

	limiter *rate.Limiter
	fetcher fetcher
}

// NewDuckDuckGo creates a DuckDuckGo searcher. A zero limit uses one query
// per second.
func NewDuckDuckGo(client *http.Client, userAgent string, limit rate.Limit) *DuckDuckGo {
	if limit == 0 {
		limit = rate.Every(time.Second)
	}
	return &DuckDuckGo{
		Endpoint: DuckDuckGoEndpoint,
		limiter:  rate.NewLimiter(limit, 1),
		fetcher:  newFetcher(client, userAgent),
	}
}

// Search scrapes the DuckDuckGo lite HTML page for results.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]tools.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("q", query)

	rc, err := d.fetcher.do(ctx, http.MethodPost, d.Endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	doc, err := goquery.NewDocumentFromReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duckduckgo response: %w", err)
	}
	return parseLiteResults(doc, maxResults), nil
}

// parseLiteResults pairs each result link with the snippet row that follows it.
func parseLiteResults(doc *goquery.Document, maxResults int) []tools.Document {
	snippets := doc.Find("td.result-snippet")

	var results []tools.Document
	doc.Find("a.result-link").EachWithBreak(func(i int, link *goquery.Selection) bool {
		href, _ := link.Attr("href")
		target := resolveRedirect(href)
		title := collapse(link.Text())
		if target == "" || title == "" {
			return true
		}

		snippet := ""
		if i < snippets.Length() {
			snippet = collapse(snippets.Eq(i).Text())
		}

		results = append(results, tools.Document{URL: target, Title: title, Content: snippet})
		return maxResults <= 0 || len(results) < maxResults
	})
	return results
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// Fallback tries each searcher in order and returns the first success.
type Fallback []Searcher

func (f Fallback) Search(ctx context.Context, query string, maxResults int) ([]tools.Document, error) {
	if len(f) == 0 {
		return nil, errors.New("no search backend configured")
	}

	var result *multierror.Error
	for _, s := range f {
		docs, err := s.Search(ctx, query, maxResults)
		if err == nil {
			return docs, nil
		}
		result = multierror.Append(result, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, result.ErrorOrNil()
}
