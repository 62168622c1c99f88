package agent

import (
	"context"
	"time"
)

type SearchOptions struct {
	MaxResults       int
	TimeRange        string
	PreferredSources []string
}

type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet,omitempty"`
	Engine  string  `json:"engine,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Searcher finds candidate pages for a query. Agents treat any error as an
// empty result list.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

type ScrapedContent struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// ScrapeResult is an explicit success/failure outcome: exactly one of
// Content and Err is set.
type ScrapeResult struct {
	Content *ScrapedContent
	Err     error
}

func ScrapeSuccess(content *ScrapedContent) ScrapeResult {
	return ScrapeResult{Content: content}
}

func ScrapeFailure(err error) ScrapeResult {
	return ScrapeResult{Err: err}
}

func (result ScrapeResult) OK() bool {
	return result.Err == nil && result.Content != nil
}

type Scraper interface {
	Scrape(ctx context.Context, url string) ScrapeResult
}

type TextAnalysis struct {
	Keywords   []string `json:"keywords"`
	Complexity string   `json:"complexity"`
	Sentiment  string   `json:"sentiment,omitempty"`
	WordCount  int      `json:"word_count"`
}

type Analyzer interface {
	Analyze(ctx context.Context, text string) (*TextAnalysis, error)
}

type ExtractedEntities struct {
	Persons       []string `json:"persons"`
	Organizations []string `json:"organizations"`
	Locations     []string `json:"locations"`
	All           []string `json:"all"`
}

func EmptyEntities() *ExtractedEntities {
	return &ExtractedEntities{
		Persons:       []string{},
		Organizations: []string{},
		Locations:     []string{},
		All:           []string{},
	}
}

type EntityExtractor interface {
	Extract(ctx context.Context, text string) (*ExtractedEntities, error)
}

type ReportSection struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

type ReportConfig struct {
	Title    string          `json:"title"`
	Sections []ReportSection `json:"sections"`
	Format   string          `json:"format"`
}

type ReportGenerator interface {
	Generate(ctx context.Context, cfg ReportConfig) (string, error)
}

// Collaborators bundles the injected services one agent pipeline needs.
type Collaborators struct {
	Searcher  Searcher
	Scraper   Scraper
	Analyzer  Analyzer
	Extractor EntityExtractor
	Generator ReportGenerator
}
