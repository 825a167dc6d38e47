package search

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/kagent-dev/sage/pkg/tools"
)

// Tool names.
const (
	WebSearchTool      = "web_search"
	NewsSearchTool     = "news_search"
	AcademicSearchTool = "academic_search"
	MarketResearchTool = "market_research"
	ScrapeURLTool      = "scrape_url"
)

const marketSuffix = " market research report analysis industry trends"

// Options configures the research tools. Endpoint fields override the public
// service URLs.
type Options struct {
	TavilyAPIKey string
	HTTPClient   *http.Client
	UserAgent    string

	NewsLanguage string
	NewsRegion   string

	// DuckDuckGoRate bounds keyless web searches. Zero means one per second.
	DuckDuckGoRate rate.Limit

	// ScrapeMaxChars is the default page text limit for scrape_url.
	ScrapeMaxChars int

	TavilyEndpoint     string
	DuckDuckGoEndpoint string
	GoogleNewsEndpoint string
	ArxivEndpoint      string
}

// Register adds web_search, news_search, academic_search, market_research
// and scrape_url to registry.
func Register(registry *tools.Registry, opts Options) error {
	web := webSearcher(opts)

	news := NewGoogleNews(opts.HTTPClient, opts.UserAgent, opts.NewsLanguage, opts.NewsRegion)
	if opts.GoogleNewsEndpoint != "" {
		news.Endpoint = opts.GoogleNewsEndpoint
	}

	arxiv := NewArxiv(opts.HTTPClient, opts.UserAgent)
	if opts.ArxivEndpoint != "" {
		arxiv.Endpoint = opts.ArxivEndpoint
	}

	scraper := NewScraper(opts.HTTPClient, opts.UserAgent)
	maxChars := opts.ScrapeMaxChars
	if maxChars <= 0 {
		maxChars = 4000
	}

	for _, tool := range []tools.Tool{
		NewWebSearch(web),
		NewNewsSearch(news),
		NewAcademicSearch(arxiv),
		NewMarketResearch(web),
		NewScrapeURL(scraper, maxChars),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name(), err)
		}
	}
	return nil
}

// webSearcher prefers Tavily when a key is configured and falls back to
// DuckDuckGo.
func webSearcher(opts Options) Searcher {
	ddg := NewDuckDuckGo(opts.HTTPClient, opts.UserAgent, opts.DuckDuckGoRate)
	if opts.DuckDuckGoEndpoint != "" {
		ddg.Endpoint = opts.DuckDuckGoEndpoint
	}
	if opts.TavilyAPIKey == "" {
		return ddg
	}

	tavily := NewTavily(opts.TavilyAPIKey, opts.HTTPClient)
	if opts.TavilyEndpoint != "" {
		tavily.Endpoint = opts.TavilyEndpoint
	}
	return Fallback{tavily, ddg}
}

func queryParams(maxDefault, maxLimit int) []tools.Parameter {
	return []tools.Parameter{
		{Name: "query", Type: tools.TypeString, Description: "The search query", Required: true, Rules: "min=2,max=400"},
		{Name: "max_results", Type: tools.TypeInteger, Description: "Maximum number of results",
			Rules: fmt.Sprintf("min=1,max=%d", maxLimit), Default: maxDefault},
	}
}

type searchTool struct {
	tools.BaseTool
	sourceType string
	suffix     string
	searcher   Searcher
}

// NewWebSearch creates the general web search tool.
func NewWebSearch(searcher Searcher) tools.Tool {
	return &searchTool{
		BaseTool: tools.NewBaseTool(WebSearchTool,
			"Performs a comprehensive web search to find information on a topic.",
			tools.Schema{Parameters: queryParams(5, 10)}),
		sourceType: "general",
		searcher:   searcher,
	}
}

// NewMarketResearch creates the market research tool: a web search biased
// toward industry reports.
func NewMarketResearch(searcher Searcher) tools.Tool {
	return &searchTool{
		BaseTool: tools.NewBaseTool(MarketResearchTool,
			"Searches for market research reports and industry analysis.",
			tools.Schema{Parameters: queryParams(5, 10)}),
		sourceType: "market",
		suffix:     marketSuffix,
		searcher:   searcher,
	}
}

func (t *searchTool) Run(ctx context.Context, args map[string]interface{}) (*tools.Payload, error) {
	query := tools.StringArg(args, "query")
	docs, err := t.searcher.Search(ctx, query+t.suffix, tools.IntArg(args, "max_results", 5))
	if err != nil {
		return nil, err
	}
	return &tools.Payload{SourceType: t.sourceType, Query: query, Documents: docs}, nil
}

type newsTool struct {
	tools.BaseTool
	news *GoogleNews
}

// NewNewsSearch creates the news search tool.
func NewNewsSearch(news *GoogleNews) tools.Tool {
	params := append(queryParams(5, 20), tools.Parameter{
		Name: "period", Type: tools.TypeString, Description: "Only return articles published within this period",
		Enum: []string{"day", "week", "month", "year"}, Default: "month",
	})
	return &newsTool{
		BaseTool: tools.NewBaseTool(NewsSearchTool,
			"Searches for recent news articles on a specific topic.",
			tools.Schema{Parameters: params}),
		news: news,
	}
}

func (t *newsTool) Run(ctx context.Context, args map[string]interface{}) (*tools.Payload, error) {
	query := tools.StringArg(args, "query")
	docs, err := t.news.Search(ctx, query, tools.StringArg(args, "period"), tools.IntArg(args, "max_results", 5))
	if err != nil {
		return nil, err
	}
	return &tools.Payload{SourceType: "news", Query: query, Documents: docs}, nil
}

type academicTool struct {
	tools.BaseTool
	arxiv *Arxiv
}

// NewAcademicSearch creates the academic paper search tool.
func NewAcademicSearch(arxiv *Arxiv) tools.Tool {
	return &academicTool{
		BaseTool: tools.NewBaseTool(AcademicSearchTool,
			"Searches for academic and research papers on a topic.",
			tools.Schema{Parameters: queryParams(5, 20)}),
		arxiv: arxiv,
	}
}

func (t *academicTool) Run(ctx context.Context, args map[string]interface{}) (*tools.Payload, error) {
	query := tools.StringArg(args, "query")
	docs, err := t.arxiv.Search(ctx, query, tools.IntArg(args, "max_results", 5))
	if err != nil {
		return nil, err
	}
	return &tools.Payload{SourceType: "academic", Query: query, Documents: docs}, nil
}

type scrapeTool struct {
	tools.BaseTool
	scraper *Scraper
}

// NewScrapeURL creates the page scraping tool.
func NewScrapeURL(scraper *Scraper, maxChars int) tools.Tool {
	return &scrapeTool{
		BaseTool: tools.NewBaseTool(ScrapeURLTool,
			"Fetches a web page and returns its readable text.",
			tools.Schema{Parameters: []tools.Parameter{
				{Name: "url", Type: tools.TypeString, Description: "Absolute http(s) URL of the page", Required: true, Rules: "url", Fold: tools.FoldURL},
				{Name: "max_chars", Type: tools.TypeInteger, Description: "Maximum characters of text to return",
					Rules: "min=200,max=50000", Default: maxChars},
			}}),
		scraper: scraper,
	}
}

func (t *scrapeTool) Run(ctx context.Context, args map[string]interface{}) (*tools.Payload, error) {
	pageURL := tools.StringArg(args, "url")
	doc, err := t.scraper.Scrape(ctx, pageURL, tools.IntArg(args, "max_chars", 4000))
	if err != nil {
		return nil, err
	}
	return &tools.Payload{SourceType: "scrape", Query: pageURL, Documents: []tools.Document{doc}}, nil
}
