package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/config"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const minParagraphLength = 30

var (
	whitespaceRun     = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines        = regexp.MustCompile(`\n{3,}`)
	boilerplateTokens = []*regexp.Regexp{
		regexp.MustCompile(`(?i)javascript:void\(0\)`),
		regexp.MustCompile(`(?i)\badvertisement\b`),
		regexp.MustCompile(`(?i)subscribe to[^.\n]*newsletter`),
		regexp.MustCompile(`(?i)follow us on[^.\n]*`),
		regexp.MustCompile(`(?i)share this article`),
	}
)

// ScraperService fetches pages with colly and extracts readable text with
// goquery. Successful fetches are cached by URL.
type ScraperService struct {
	collector  *colly.Collector
	cache      *lru.Cache[string, *agent.ScrapedContent]
	limiter    *rate.Limiter
	semaphore  chan struct{}
	config     config.ScraperConfig
	logger     *logger.Logger
	mu         sync.Mutex
	userAgents []string
	uaIndex    int
}

func NewScraperService(cfg config.ScraperConfig, log *logger.Logger) (*ScraperService, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 15000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	cache, err := lru.New[string, *agent.ScrapedContent](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating scraper cache: %w", err)
	}

	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.MaxBodySize(10*1024*1024),
	)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.MaxConcurrency,
		RandomDelay: 500 * time.Millisecond,
	}); err != nil {
		return nil, fmt.Errorf("configuring scraper limits: %w", err)
	}
	collector.SetRequestTimeout(cfg.RequestTimeout)

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	userAgents := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/120.0",
	}
	if cfg.UserAgent != "" {
		userAgents = append([]string{cfg.UserAgent}, userAgents...)
	}

	service := &ScraperService{
		collector:  collector,
		cache:      cache,
		limiter:    rate.NewLimiter(limit, cfg.MaxConcurrency),
		semaphore:  make(chan struct{}, cfg.MaxConcurrency),
		config:     cfg,
		logger:     log,
		userAgents: userAgents,
	}

	log.Info("Scraper Service initialized successfully",
		"max_concurrency", cfg.MaxConcurrency,
		"requests_per_second", cfg.RequestsPerSecond,
		"cache_size", cfg.CacheSize,
		"timeout", cfg.RequestTimeout.String())

	return service, nil
}

// Scrape implements agent.Scraper.
func (service *ScraperService) Scrape(ctx context.Context, targetURL string) agent.ScrapeResult {
	content, err := service.ScrapeURL(ctx, targetURL)
	if err != nil {
		return agent.ScrapeFailure(err)
	}
	return agent.ScrapeSuccess(content)
}

func (service *ScraperService) ScrapeURL(ctx context.Context, targetURL string) (*agent.ScrapedContent, error) {
	startTime := time.Now()

	if err := validateURL(targetURL); err != nil {
		return nil, err
	}

	if cached, ok := service.cache.Get(targetURL); ok {
		service.logger.Debug("Scraper cache hit", "url", targetURL)
		clone := *cached
		return &clone, nil
	}

	if err := service.limiter.Wait(ctx); err != nil {
		return nil, models.NewTimeoutError("SCRAPER_TIMEOUT", "rate limiter wait aborted").WithCause(err)
	}

	select {
	case service.semaphore <- struct{}{}:
		defer func() { <-service.semaphore }()
	case <-ctx.Done():
		return nil, models.NewTimeoutError("SCRAPER_TIMEOUT", "waiting for a scraper slot").WithCause(ctx.Err())
	}

	content, statusCode, err := service.fetch(ctx, targetURL)
	service.logger.LogService("scraper", "scrape_url", time.Since(startTime), map[string]any{
		"url":            targetURL,
		"status_code":    statusCode,
		"content_length": contentLength(content),
	}, err)
	if err != nil {
		return nil, err
	}

	service.cache.Add(targetURL, content)
	clone := *content
	return &clone, nil
}

func (service *ScraperService) fetch(ctx context.Context, targetURL string) (*agent.ScrapedContent, int, error) {
	c := service.collector.Clone()

	var (
		mu         sync.Mutex
		content    *agent.ScrapedContent
		statusCode int
		scrapeErr  error
	)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", service.nextUserAgent())
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		statusCode = r.StatusCode
		mu.Unlock()
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		extracted := &agent.ScrapedContent{
			URL:         targetURL,
			Title:       strings.TrimSpace(service.extractTitle(e)),
			Description: service.cleanContent(service.extractDescription(e)),
			Content:     service.cleanContent(service.extractContent(e)),
			FetchedAt:   time.Now(),
		}
		mu.Lock()
		content = extracted
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil {
			statusCode = r.StatusCode
		}
		scrapeErr = models.NewExternalError("SCRAPER_HTTP_ERROR", fmt.Sprintf("fetching %s failed with status %d", targetURL, statusCode)).WithCause(err)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				service.logger.Error("Panic in scraper goroutine", "panic", r, "url", targetURL)
				mu.Lock()
				scrapeErr = fmt.Errorf("scraper panic: %v", r)
				mu.Unlock()
			}
		}()
		if err := c.Visit(targetURL); err != nil {
			mu.Lock()
			if scrapeErr == nil {
				scrapeErr = models.NewExternalError("SCRAPER_HTTP_ERROR", fmt.Sprintf("visiting %s failed", targetURL)).WithCause(err)
			}
			mu.Unlock()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		service.logger.Warn("Scraping timed out", "url", targetURL)
		return nil, 0, models.NewTimeoutError("SCRAPER_TIMEOUT", "scraping request timed out").WithCause(ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if scrapeErr != nil {
		return nil, statusCode, scrapeErr
	}
	if content == nil || (content.Content == "" && content.Description == "") {
		return nil, statusCode, models.NewExternalError("SCRAPER_EMPTY_CONTENT", fmt.Sprintf("no readable content at %s (HTTP %d)", targetURL, statusCode))
	}
	if content.Content == "" {
		content.Content = content.Description
	}
	return content, statusCode, nil
}

func (service *ScraperService) nextUserAgent() string {
	service.mu.Lock()
	defer service.mu.Unlock()
	userAgent := service.userAgents[service.uaIndex]
	service.uaIndex = (service.uaIndex + 1) % len(service.userAgents)
	return userAgent
}

// extractContent prefers paragraphs inside the main article container and
// falls back to the whole body.
func (service *ScraperService) extractContent(e *colly.HTMLElement) string {
	doc := e.DOM
	doc.Find("script, style, noscript, nav, footer, header, aside, form").Remove()

	for _, sel := range []string{"article", "main", "[role='main']", "body"} {
		container := doc.Find(sel).First()
		if container.Length() == 0 {
			continue
		}
		var paragraphs []string
		container.Find("p, li, h2, h3, blockquote").Each(func(_ int, s *goquery.Selection) {
			text := strings.Join(strings.Fields(s.Text()), " ")
			if len(text) >= minParagraphLength {
				paragraphs = append(paragraphs, text)
			}
		})
		if len(paragraphs) > 0 {
			return strings.Join(paragraphs, "\n\n")
		}
	}

	return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}

func (service *ScraperService) extractTitle(e *colly.HTMLElement) string {
	selectors := []string{
		"meta[property='og:title']",
	}
	for _, sel := range selectors {
		if title := e.ChildAttr(sel, "content"); strings.TrimSpace(title) != "" {
			return title
		}
	}
	for _, sel := range []string{"article h1", "h1.entry-title", "h1", "[itemprop='headline']", "title"} {
		if title := e.ChildText(sel); strings.TrimSpace(title) != "" {
			return title
		}
	}
	return ""
}

func (service *ScraperService) extractDescription(e *colly.HTMLElement) string {
	metaSelectors := []string{
		"meta[name='description']", "meta[property='og:description']",
		"meta[name='twitter:description']", "meta[itemprop='description']",
	}
	for _, sel := range metaSelectors {
		if desc := e.ChildAttr(sel, "content"); strings.TrimSpace(desc) != "" {
			return desc
		}
	}
	return ""
}

func (service *ScraperService) cleanContent(content string) string {
	if content == "" {
		return content
	}
	for _, pattern := range boilerplateTokens {
		content = pattern.ReplaceAllString(content, "")
	}
	content = whitespaceRun.ReplaceAllString(content, " ")
	content = blankLines.ReplaceAllString(content, "\n\n")
	content = strings.TrimSpace(content)

	runes := []rune(content)
	if len(runes) > service.config.MaxContentLength {
		content = string(runes[:service.config.MaxContentLength]) + "..."
	}
	return content
}

func (service *ScraperService) GetStats() map[string]any {
	return map[string]any{
		"service":         "scraper",
		"cached_pages":    service.cache.Len(),
		"max_concurrency": service.config.MaxConcurrency,
	}
}

func validateURL(targetURL string) error {
	if strings.TrimSpace(targetURL) == "" {
		return models.NewValidationError("INVALID_URL", "target URL cannot be empty")
	}
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return models.NewValidationError("INVALID_URL", fmt.Sprintf("invalid URL %q", targetURL)).WithCause(err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return models.NewValidationError("INVALID_URL", fmt.Sprintf("unsupported URL scheme %q", parsed.Scheme))
	}
	if parsed.Host == "" {
		return models.NewValidationError("INVALID_URL", fmt.Sprintf("URL %q has no host", targetURL))
	}
	return nil
}

func contentLength(content *agent.ScrapedContent) int {
	if content == nil {
		return 0
	}
	return len(content.Content)
}
