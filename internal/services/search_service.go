package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/config"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const defaultMaxSearchResults = 10

// searchResponse is the subset of the SearXNG JSON format we read.
type searchResponse struct {
	Query   string `json:"query"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Engine  string  `json:"engine"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// SearchService queries a SearXNG-compatible search API. Calls are rate
// limited, retried with exponential backoff and guarded by a circuit breaker.
type SearchService struct {
	client        *http.Client
	baseURL       string
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	config        config.SearchConfig
	logger        *logger.Logger
	retryInterval time.Duration
}

func NewSearchService(cfg config.SearchConfig, log *logger.Logger) (*SearchService, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid search base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	service := &SearchService{
		client:        &http.Client{Timeout: cfg.Timeout},
		baseURL:       base.String(),
		limiter:       rate.NewLimiter(limit, 1),
		config:        cfg,
		logger:        log,
		retryInterval: 500 * time.Millisecond,
	}

	maxFailures := uint32(cfg.BreakerMaxFailures)
	service.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "search",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Search circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	log.Info("Search Service initialized successfully",
		"base_url", service.baseURL,
		"retry_attempts", cfg.RetryAttempts,
		"breaker_max_failures", cfg.BreakerMaxFailures)

	return service, nil
}

// Search implements agent.Searcher.
func (service *SearchService) Search(ctx context.Context, query string, opts agent.SearchOptions) ([]agent.SearchResult, error) {
	startTime := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.NewValidationError("INVALID_QUERY", "search query cannot be empty")
	}

	if err := service.limiter.Wait(ctx); err != nil {
		return nil, models.NewTimeoutError("SEARCH_TIMEOUT", "rate limiter wait aborted").WithCause(err)
	}

	raw, err := service.breaker.Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, func() (*searchResponse, error) {
			return service.doSearch(ctx, query, opts)
		},
			backoff.WithBackOff(service.newBackOff()),
			backoff.WithMaxTries(uint(service.config.RetryAttempts)),
			backoff.WithNotify(func(err error, next time.Duration) {
				service.logger.Warn("Retrying search request", "query", query, "error", err.Error(), "next_attempt_in", next.String())
			}),
		)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = models.NewExternalError("SEARCH_UNAVAILABLE", "search backend circuit is open").WithCause(err)
		}
		service.logger.LogService("search", "search", time.Since(startTime), map[string]any{"query": query}, err)
		return nil, err
	}

	results := service.toResults(raw.(*searchResponse), opts)

	service.logger.LogService("search", "search", time.Since(startTime), map[string]any{
		"query":        query,
		"result_count": len(results),
		"time_range":   opts.TimeRange,
	}, nil)

	return results, nil
}

func (service *SearchService) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = service.retryInterval
	b.MaxInterval = 10 * service.retryInterval
	return b
}

func (service *SearchService) doSearch(ctx context.Context, query string, opts agent.SearchOptions) (*searchResponse, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	if timeRange := searxTimeRange(opts.TimeRange); timeRange != "" {
		params.Set("time_range", timeRange)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(models.NewInternalError("SEARCH_REQUEST_FAILED", "building search request").WithCause(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := service.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(models.NewTimeoutError("SEARCH_TIMEOUT", "search request cancelled").WithCause(ctx.Err()))
		}
		return nil, models.NewExternalError("SEARCH_REQUEST_FAILED", "search request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, models.NewExternalError("SEARCH_REQUEST_FAILED", "reading search response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		appErr := models.NewExternalError("SEARCH_HTTP_ERROR", fmt.Sprintf("search backend returned HTTP %d", resp.StatusCode)).
			WithDetail("status_code", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, appErr
		}
		return nil, backoff.Permanent(appErr)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, backoff.Permanent(models.NewExternalError("SEARCH_DECODE_FAILED", "decoding search response").WithCause(err))
	}
	return &parsed, nil
}

// toResults drops unusable entries and duplicates, moves preferred sources to
// the front and caps the list at MaxResults.
func (service *SearchService) toResults(resp *searchResponse, opts agent.SearchOptions) []agent.SearchResult {
	results := make([]agent.SearchResult, 0, len(resp.Results))
	seen := make(map[string]bool)
	for _, r := range resp.Results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		if parsed, err := url.Parse(r.URL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			continue
		}
		seen[r.URL] = true
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = r.URL
		}
		results = append(results, agent.SearchResult{
			Title:   title,
			URL:     r.URL,
			Snippet: strings.TrimSpace(r.Content),
			Engine:  r.Engine,
			Score:   r.Score,
		})
	}

	if len(opts.PreferredSources) > 0 {
		sort.SliceStable(results, func(i, j int) bool {
			return matchesPreferred(results[i].URL, opts.PreferredSources) && !matchesPreferred(results[j].URL, opts.PreferredSources)
		})
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = defaultMaxSearchResults
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// matchesPreferred reports whether rawURL's host equals or ends with one of
// the preferred entries. Entries may be domains ("nature.com") or suffixes
// (".gov").
func matchesPreferred(rawURL string, preferred []string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(parsed.Hostname(), "www."))
	for _, p := range preferred {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, ".") {
			if strings.HasSuffix(host, p) {
				return true
			}
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// searxTimeRange maps strategy time ranges onto SearXNG's accepted values.
func searxTimeRange(timeRange string) string {
	switch strings.ToLower(strings.TrimSpace(timeRange)) {
	case "day", "24h", "past_day":
		return "day"
	case "week", "7d", "past_week":
		return "week"
	case "month", "30d", "past_month", "recent":
		return "month"
	case "year", "1y", "past_year":
		return "year"
	default:
		return ""
	}
}

func (service *SearchService) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := service.client.Do(req)
	if err != nil {
		return fmt.Errorf("search backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search backend unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (service *SearchService) GetStats() map[string]any {
	counts := service.breaker.Counts()
	return map[string]any{
		"service":              "search",
		"breaker_state":        service.breaker.State().String(),
		"consecutive_failures": counts.ConsecutiveFailures,
	}
}
