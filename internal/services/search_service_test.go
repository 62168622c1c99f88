package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/config"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchBody = `{
  "query": "grid storage",
  "results": [
    {"title": "Storage market report", "url": "https://market.example.com/storage", "content": "Market data", "engine": "bing", "score": 2.1},
    {"title": "Duplicate", "url": "https://market.example.com/storage", "content": "dup"},
    {"title": "FTP mirror", "url": "ftp://files.example.com/storage.pdf"},
    {"title": "", "url": "https://www.mit.edu/storage-study", "content": "Peer reviewed study", "engine": "google", "score": 1.5},
    {"title": "Agency brief", "url": "https://energy.gov/brief", "content": "Brief", "engine": "google", "score": 1.0}
  ]
}`

func newTestSearch(t *testing.T, baseURL string, cfg config.SearchConfig) *SearchService {
	t.Helper()
	cfg.BaseURL = baseURL
	service, err := NewSearchService(cfg, logger.NewNop())
	require.NoError(t, err)
	service.retryInterval = time.Millisecond
	return service
}

func TestSearchBuildsQueryAndFiltersResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "grid storage", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "year", r.URL.Query().Get("time_range"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, searchBody)
	}))
	defer server.Close()

	service := newTestSearch(t, server.URL+"/", config.SearchConfig{RetryAttempts: 1})
	results, err := service.Search(context.Background(), "  grid storage ", agent.SearchOptions{
		MaxResults:       2,
		TimeRange:        "year",
		PreferredSources: []string{".edu"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "https://www.mit.edu/storage-study", results[0].URL)
	assert.Equal(t, "https://www.mit.edu/storage-study", results[0].Title)
	assert.Equal(t, "Peer reviewed study", results[0].Snippet)
	assert.Equal(t, "https://market.example.com/storage", results[1].URL)
	assert.Equal(t, "bing", results[1].Engine)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	service := newTestSearch(t, "http://127.0.0.1:1", config.SearchConfig{})
	_, err := service.Search(context.Background(), "   ", agent.SearchOptions{})
	assert.True(t, models.IsCode(err, "INVALID_QUERY"))
}

func TestSearchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, searchBody)
	}))
	defer server.Close()

	service := newTestSearch(t, server.URL, config.SearchConfig{RetryAttempts: 3})
	results, err := service.Search(context.Background(), "grid storage", agent.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, int32(3), hits.Load())
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	service := newTestSearch(t, server.URL, config.SearchConfig{RetryAttempts: 3})
	_, err := service.Search(context.Background(), "grid storage", agent.SearchOptions{})
	require.Error(t, err)
	assert.True(t, models.IsCode(err, "SEARCH_HTTP_ERROR"), "unexpected error: %v", err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSearchCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	service := newTestSearch(t, server.URL, config.SearchConfig{RetryAttempts: 1, BreakerMaxFailures: 2, BreakerTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, err := service.Search(context.Background(), "grid storage", agent.SearchOptions{})
		require.Error(t, err)
		assert.True(t, models.IsCode(err, "SEARCH_HTTP_ERROR"))
	}

	_, err := service.Search(context.Background(), "grid storage", agent.SearchOptions{})
	require.Error(t, err)
	assert.True(t, models.IsCode(err, "SEARCH_UNAVAILABLE"), "unexpected error: %v", err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "open", service.GetStats()["breaker_state"])
}

func TestMatchesPreferred(t *testing.T) {
	assert.True(t, matchesPreferred("https://www.nature.com/articles/1", []string{"nature.com"}))
	assert.True(t, matchesPreferred("https://news.nature.com/a", []string{"nature.com"}))
	assert.False(t, matchesPreferred("https://notnature.com/a", []string{"nature.com"}))
	assert.True(t, matchesPreferred("https://www.energy.gov/a", []string{".gov"}))
	assert.False(t, matchesPreferred("https://example.org", []string{"", ".edu"}))
}

func TestSearxTimeRange(t *testing.T) {
	assert.Equal(t, "year", searxTimeRange("year"))
	assert.Equal(t, "month", searxTimeRange("recent"))
	assert.Equal(t, "day", searxTimeRange("24h"))
	assert.Equal(t, "", searxTimeRange("all"))
}

func TestNewSearchServiceRejectsBadBaseURL(t *testing.T) {
	_, err := NewSearchService(config.SearchConfig{BaseURL: "not a url"}, logger.NewNop())
	assert.Error(t, err)
}
