package consensus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/consensus"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"
	"consensus-research-pipeline/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storagePages = map[string]string{
	"https://energy.gov/storage":    "Global battery storage capacity reached 300 gigawatts worldwide. Grid operators expanded deployments across several regions.",
	"https://mit.edu/storage":       "Researchers improved solid state chemistry for grid batteries. The new cells tolerate repeated charging without degradation.",
	"https://example.org/recycling": "Recycling plants recover lithium and cobalt from retired packs. Collection networks remain patchy in rural areas.",
}

type staticSearcher struct {
	urls []string
	err  error
}

func (s staticSearcher) Search(ctx context.Context, query string, opts agent.SearchOptions) ([]agent.SearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	results := make([]agent.SearchResult, 0, len(s.urls))
	for _, url := range s.urls {
		results = append(results, agent.SearchResult{Title: url, URL: url})
	}
	return results, nil
}

type pageScraper map[string]string

func (p pageScraper) Scrape(ctx context.Context, url string) agent.ScrapeResult {
	content, ok := p[url]
	if !ok {
		return agent.ScrapeFailure(errors.New("not found"))
	}
	return agent.ScrapeSuccess(&agent.ScrapedContent{URL: url, Title: "Page " + url, Content: content, FetchedAt: time.Now()})
}

func agentReport(t *testing.T, strategy models.AgentStrategy, searcher agent.Searcher) models.AgentReport {
	t.Helper()
	a := agent.NewResearchAgent(strategy, agent.Collaborators{
		Searcher:  searcher,
		Scraper:   pageScraper(storagePages),
		Analyzer:  services.NewTextAnalyzer(),
		Extractor: services.NewEntityExtractor(),
		Generator: services.NewMarkdownReportGenerator(),
	}, logger.NewNop())

	report, err := a.Execute(context.Background(), *models.NewInitialIterationContext("grid storage"))
	require.NoError(t, err)
	return *report
}

func TestScoreAgentReportsCoverageIgnoresTemplate(t *testing.T) {
	rich := agentReport(t, agent.DefaultStrategies[0], staticSearcher{urls: []string{"https://energy.gov/storage", "https://mit.edu/storage"}})
	empty := agentReport(t, agent.DefaultStrategies[1], staticSearcher{err: errors.New("search backend down")})
	require.Len(t, rich.Sources, 2)
	require.Empty(t, empty.Sources)

	scores := consensus.NewScorer().ScoreReports([]models.AgentReport{rich, empty}, 0.7)

	assert.Equal(t, 1.0, scores[0].CoverageScore)
	assert.Zero(t, scores[1].CoverageScore)
	assert.Greater(t, scores[0].TotalScore, scores[1].TotalScore)
}

func TestScoreAgentReportsMetadataIsNotClaims(t *testing.T) {
	one := agentReport(t, agent.DefaultStrategies[0], staticSearcher{urls: []string{"https://energy.gov/storage"}})
	three := agentReport(t, agent.DefaultStrategies[1], staticSearcher{urls: []string{
		"https://energy.gov/storage", "https://mit.edu/storage", "https://example.org/recycling",
	}})
	require.Len(t, one.Sources, 1)
	require.Len(t, three.Sources, 3)

	scores := consensus.NewScorer().ScoreReports([]models.AgentReport{one, three}, 0.7)

	for _, score := range scores {
		assert.Empty(t, score.Conflicts)
		assert.Equal(t, 1.0, score.ConsistencyScore)
		assert.Zero(t, score.UnverifiedCount)
	}
}

func TestScoreReportsSkipsOverviewAndFieldLines(t *testing.T) {
	content := `# Research Report: grid storage

## Overview

- **Iteration**: 1
- **Pages analyzed**: 4

## Key Findings

- Battery storage capacity reached 300 gigawatts worldwide.

## Sources

1. [Storage](https://energy.gov/storage)
`
	other := `# Research Report: grid storage

## Overview

- **Iteration**: 1
- **Pages analyzed**: 1

## Key Findings

- Battery storage capacity reached 300 gigawatts worldwide.
`
	scores := consensus.NewScorer().ScoreReports([]models.AgentReport{
		report("a", content, source("https://energy.gov/storage", 0.95)),
		report("b", other, source("https://energy.gov/storage", 0.95)),
	}, 0.7)

	assert.Empty(t, scores[0].Conflicts)
	assert.Empty(t, scores[1].Conflicts)
	assert.Equal(t, 1, scores[0].UnverifiedCount)
	assert.Equal(t, 1.0, scores[0].CoverageScore)
	assert.Equal(t, 1.0, scores[1].CoverageScore)
}
