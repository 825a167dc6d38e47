package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kagent-dev/sage/pkg/tools"
)

// TavilyEndpoint is the Tavily search API.
const TavilyEndpoint = "https://api.tavily.com/search"

// Searcher runs a free-text query against one backend.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]tools.Document, error)
}

// Tavily calls the Tavily search API.
type Tavily struct {
	APIKey   string
	Endpoint string
	// Depth controls Tavily's search_depth parameter (basic or advanced).
	Depth string
	// IncludeDomains restricts results to these domains when set.
	IncludeDomains []string

	fetcher fetcher
}

// NewTavily constructs a Tavily search provider.
func NewTavily(apiKey string, client *http.Client) *Tavily {
	return &Tavily{
		APIKey:   apiKey,
		Endpoint: TavilyEndpoint,
		Depth:    "advanced",
		fetcher:  newFetcher(client, ""),
	}
}

// Search posts a query to Tavily.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]tools.Document, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}

	body := map[string]any{
		"query":        query,
		"api_key":      t.APIKey,
		"search_depth": t.Depth,
		"max_results":  maxResults,
	}
	if len(t.IncludeDomains) > 0 {
		body["include_domains"] = t.IncludeDomains
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	rc, err := t.fetcher.do(ctx, http.MethodPost, t.Endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var response struct {
		Results []struct {
			Title         string `json:"title"`
			URL           string `json:"url"`
			Content       string `json:"content"`
			PublishedDate string `json:"published_date"`
		} `json:"results"`
	}
	if err := json.NewDecoder(rc).Decode(&response); err != nil {
		return nil, err
	}

	docs := make([]tools.Document, 0, len(response.Results))
	for _, r := range response.Results {
		docs = append(docs, tools.Document{
			URL:       r.URL,
			Title:     r.Title,
			Content:   collapse(r.Content),
			Published: r.PublishedDate,
		})
		if maxResults > 0 && len(docs) >= maxResults {
			break
		}
	}
	return docs, nil
}
