package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/kagent-dev/sage/pkg/tools"
)

const (
	// GoogleNewsEndpoint is the Google News RSS search feed.
	GoogleNewsEndpoint = "https://news.google.com/rss/search"
	// ArxivEndpoint is the arXiv Atom query API.
	ArxivEndpoint = "https://export.arxiv.org/api/query"
)

// GoogleNews searches the Google News RSS feed.
type GoogleNews struct {
	Endpoint string
	Language string
	Region   string

	fetcher fetcher
}

// NewGoogleNews creates a Google News searcher for an hl/gl locale such as
// "en-US" and "US".
func NewGoogleNews(client *http.Client, userAgent, language, region string) *GoogleNews {
	if language == "" {
		language = "en-US"
	}
	if region == "" {
		region = "US"
	}
	return &GoogleNews{
		Endpoint: GoogleNewsEndpoint,
		Language: language,
		Region:   region,
		fetcher:  newFetcher(client, userAgent),
	}
}

var periods = map[string]string{"day": "1d", "week": "7d", "month": "30d", "year": "365d"}

// Search returns news items matching query published within period (day,
// week, month or year; empty for no restriction).
func (g *GoogleNews) Search(ctx context.Context, query, period string, maxResults int) ([]tools.Document, error) {
	q := query
	if when, ok := periods[period]; ok {
		q += " when:" + when
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("hl", g.Language)
	params.Set("gl", g.Region)
	lang := strings.SplitN(g.Language, "-", 2)[0]
	params.Set("ceid", g.Region+":"+lang)

	feed, err := parseFeed(ctx, g.fetcher, g.Endpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("google news: %w", err)
	}
	return feedDocuments(feed, maxResults), nil
}

// Arxiv searches arXiv papers.
type Arxiv struct {
	Endpoint string

	fetcher fetcher
}

// NewArxiv creates an arXiv searcher.
func NewArxiv(client *http.Client, userAgent string) *Arxiv {
	return &Arxiv{Endpoint: ArxivEndpoint, fetcher: newFetcher(client, userAgent)}
}

// Search returns papers matching query ordered by relevance.
func (a *Arxiv) Search(ctx context.Context, query string, maxResults int) ([]tools.Document, error) {
	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("sortBy", "relevance")

	feed, err := parseFeed(ctx, a.fetcher, a.Endpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("arxiv: %w", err)
	}

	docs := feedDocuments(feed, maxResults)
	for i, item := range feed.Items {
		if i >= len(docs) {
			break
		}
		if len(item.Authors) > 0 {
			names := make([]string, 0, len(item.Authors))
			for _, author := range item.Authors {
				names = append(names, author.Name)
			}
			docs[i].Content = fmt.Sprintf("%s (Authors: %s)", docs[i].Content, strings.Join(names, ", "))
		}
	}
	return docs, nil
}

func parseFeed(ctx context.Context, f fetcher, feedURL string) (*gofeed.Feed, error) {
	rc, err := f.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return gofeed.NewParser().Parse(rc)
}

// feedDocuments converts feed items, keeping items in feed order. Item
// descriptions may be HTML and are reduced to text.
func feedDocuments(feed *gofeed.Feed, maxResults int) []tools.Document {
	docs := make([]tools.Document, 0, len(feed.Items))
	for _, item := range feed.Items {
		if maxResults > 0 && len(docs) >= maxResults {
			break
		}
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}

		content := htmlText(item.Description)
		if content == "" {
			content = htmlText(item.Content)
		}

		var published string
		switch {
		case item.PublishedParsed != nil:
			published = item.PublishedParsed.UTC().Format(time.RFC3339)
		case item.UpdatedParsed != nil:
			published = item.UpdatedParsed.UTC().Format(time.RFC3339)
		}

		docs = append(docs, tools.Document{
			URL:       link,
			Title:     collapse(item.Title),
			Content:   content,
			Published: published,
		})
	}
	return docs
}

func htmlText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return collapse(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapse(fragment)
	}
	return collapse(doc.Text())
}
