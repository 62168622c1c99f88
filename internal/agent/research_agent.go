package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"consensus-research-pipeline/internal/consensus"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"
	"consensus-research-pipeline/internal/pkg/textutil"

	"github.com/google/uuid"
)

const (
	maxAggregatedKeywords = 15
	maxFindingsPerSource  = 2
	previewLength         = 500
	findingLength         = 280
)

// Agent is the unit the engine fans out per iteration.
type Agent interface {
	Execute(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error)
}

type ResearchAgent struct {
	strategy      models.AgentStrategy
	collaborators Collaborators
	logger        *logger.Logger
}

type fetchedPage struct {
	index    int
	url      string
	title    string
	content  string
	fetched  time.Time
	analysis *TextAnalysis
}

func NewResearchAgent(strategy models.AgentStrategy, collaborators Collaborators, log *logger.Logger) *ResearchAgent {
	if strategy.MaxResultsPerAgent <= 0 {
		strategy.MaxResultsPerAgent = defaultMaxResults
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ResearchAgent{
		strategy:      strategy,
		collaborators: collaborators,
		logger:        log,
	}
}

func (agent *ResearchAgent) Strategy() models.AgentStrategy {
	return agent.strategy
}

// Execute runs search → fetch → analyze → extract → report. Sub-step failures
// degrade to empty results; only cancellation of ctx aborts the run.
func (agent *ResearchAgent) Execute(ctx context.Context, ic models.IterationContext) (*models.AgentReport, error) {
	startTime := time.Now()
	agentID := agent.strategy.AgentID

	query := agent.BuildQuery(ic)
	agent.logger.Debug("Agent pipeline started", "agent_id", agentID, "iteration", ic.Iteration, "query", query)

	results := agent.search(ctx, ic, query)
	if err := ctx.Err(); err != nil {
		return nil, agent.cancelled(ic, err)
	}

	pages := agent.fetch(ctx, ic, results)
	if err := ctx.Err(); err != nil {
		return nil, agent.cancelled(ic, err)
	}

	agent.analyze(ctx, ic, pages)
	if err := ctx.Err(); err != nil {
		return nil, agent.cancelled(ic, err)
	}

	entities := agent.extract(ctx, ic, pages)
	if err := ctx.Err(); err != nil {
		return nil, agent.cancelled(ic, err)
	}

	content := agent.render(ctx, ic, query, pages, entities)
	if err := ctx.Err(); err != nil {
		return nil, agent.cancelled(ic, err)
	}

	now := time.Now()
	report := &models.AgentReport{
		AgentID:     agentID,
		ReportID:    fmt.Sprintf("report-%d-%d-%d-%s", ic.Iteration, agentID, now.UnixMilli(), uuid.NewString()[:8]),
		Content:     content,
		Sources:     buildSources(pages),
		Strategy:    agent.strategy,
		GeneratedAt: now,
		DurationMs:  time.Since(startTime).Milliseconds(),
	}

	agent.logger.LogAgent(agentID, ic.Iteration, "report_generated", time.Since(startTime), nil)
	return report, nil
}

// BuildQuery shapes the search query for this agent. After the first
// iteration one of the areas to deepen is mixed in, picked by agent id.
func (agent *ResearchAgent) BuildQuery(ic models.IterationContext) string {
	parts := []string{strings.TrimSpace(ic.Topic)}
	if !ic.IsInitial && len(ic.AreasToDeepen) > 0 {
		parts = append(parts, ic.AreasToDeepen[agent.strategy.AgentID%len(ic.AreasToDeepen)])
	}
	parts = append(parts, agent.strategy.QueryModifiers...)
	return strings.Join(parts, " ")
}

func (agent *ResearchAgent) search(ctx context.Context, ic models.IterationContext, query string) []SearchResult {
	startTime := time.Now()
	var results []SearchResult
	err := safeStep(func() error {
		var err error
		results, err = agent.collaborators.Searcher.Search(ctx, query, SearchOptions{
			MaxResults:       agent.strategy.MaxResultsPerAgent,
			TimeRange:        agent.strategy.TimeRange,
			PreferredSources: agent.strategy.PreferredSources,
		})
		return err
	})
	agent.logger.LogAgent(agent.strategy.AgentID, ic.Iteration, "search", time.Since(startTime), err)
	if err != nil {
		return nil
	}
	if len(results) > agent.strategy.MaxResultsPerAgent {
		results = results[:agent.strategy.MaxResultsPerAgent]
	}
	return results
}

func (agent *ResearchAgent) fetch(ctx context.Context, ic models.IterationContext, results []SearchResult) []*fetchedPage {
	seen := make(map[string]bool, len(results))
	var candidates []SearchResult
	for _, result := range results {
		if result.URL == "" || seen[result.URL] || ic.IsCovered(result.URL) {
			continue
		}
		seen[result.URL] = true
		candidates = append(candidates, result)
	}
	if len(candidates) > agent.strategy.MaxResultsPerAgent {
		candidates = candidates[:agent.strategy.MaxResultsPerAgent]
	}

	var pages []*fetchedPage
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		startTime := time.Now()
		var result ScrapeResult
		err := safeStep(func() error {
			result = agent.collaborators.Scraper.Scrape(ctx, candidate.URL)
			if !result.OK() {
				if result.Err != nil {
					return result.Err
				}
				return fmt.Errorf("scraper returned no content for %s", candidate.URL)
			}
			return nil
		})
		if err != nil {
			agent.logger.LogAgent(agent.strategy.AgentID, ic.Iteration, "fetch", time.Since(startTime), fmt.Errorf("%s: %w", candidate.URL, err))
			continue
		}

		title := result.Content.Title
		if title == "" {
			title = candidate.Title
		}
		if title == "" {
			title = candidate.URL
		}
		fetchedAt := result.Content.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now()
		}
		pages = append(pages, &fetchedPage{
			index:   len(pages) + 1,
			url:     candidate.URL,
			title:   title,
			content: result.Content.Content,
			fetched: fetchedAt,
		})
	}
	return pages
}

func (agent *ResearchAgent) analyze(ctx context.Context, ic models.IterationContext, pages []*fetchedPage) {
	for _, page := range pages {
		if ctx.Err() != nil {
			return
		}
		var analysis *TextAnalysis
		err := safeStep(func() error {
			var err error
			analysis, err = agent.collaborators.Analyzer.Analyze(ctx, page.content)
			return err
		})
		if err != nil {
			agent.logger.LogAgent(agent.strategy.AgentID, ic.Iteration, "analyze", 0, fmt.Errorf("%s: %w", page.url, err))
			continue
		}
		page.analysis = analysis
	}
}

func (agent *ResearchAgent) extract(ctx context.Context, ic models.IterationContext, pages []*fetchedPage) *ExtractedEntities {
	texts := make([]string, 0, len(pages))
	for _, page := range pages {
		texts = append(texts, page.content)
	}

	var entities *ExtractedEntities
	err := safeStep(func() error {
		var err error
		entities, err = agent.collaborators.Extractor.Extract(ctx, strings.Join(texts, "\n\n"))
		return err
	})
	if err != nil || entities == nil {
		agent.logger.LogAgent(agent.strategy.AgentID, ic.Iteration, "extract", 0, err)
		return EmptyEntities()
	}
	return entities
}

func (agent *ResearchAgent) render(ctx context.Context, ic models.IterationContext, query string, pages []*fetchedPage, entities *ExtractedEntities) string {
	cfg := agent.reportConfig(ic, query, pages, entities)

	var content string
	err := safeStep(func() error {
		var err error
		content, err = agent.collaborators.Generator.Generate(ctx, cfg)
		if err == nil && strings.TrimSpace(content) == "" {
			err = fmt.Errorf("report generator returned empty content")
		}
		return err
	})
	if err != nil {
		agent.logger.LogAgent(agent.strategy.AgentID, ic.Iteration, "generate_report", 0, err)
		return fallbackReport(cfg)
	}
	return content
}

func (agent *ResearchAgent) reportConfig(ic models.IterationContext, query string, pages []*fetchedPage, entities *ExtractedEntities) ReportConfig {
	sections := []ReportSection{
		{Heading: "Overview", Content: agent.overview(ic, query, pages)},
		{Heading: "Key Findings", Content: keyFindings(pages)},
		{Heading: "Keywords", Content: keywordSummary(pages)},
		{Heading: "Entities", Content: entitySummary(entities)},
		{Heading: "Source Details", Content: sourceDetails(pages)},
	}
	if ic.PreviousConsensus != "" {
		sections = append(sections, ReportSection{
			Heading: "Open Questions From Previous Iteration",
			Content: bulletList(ic.UnresolvedQuestions, "_No unresolved questions were carried over._"),
		})
	}
	sections = append(sections, ReportSection{Heading: "Sources", Content: sourceList(pages)})

	return ReportConfig{
		Title:    fmt.Sprintf("Research Report: %s", ic.Topic),
		Sections: sections,
		Format:   "markdown",
	}
}

func (agent *ResearchAgent) overview(ic models.IterationContext, query string, pages []*fetchedPage) string {
	name := agent.strategy.Name
	if name == "" {
		name = fmt.Sprintf("strategy-%d", agent.strategy.AgentID)
	}
	lines := []string{
		fmt.Sprintf("- **Topic**: %s", ic.Topic),
		fmt.Sprintf("- **Iteration**: %d", ic.Iteration),
		fmt.Sprintf("- **Agent**: %d (%s)", agent.strategy.AgentID, name),
		fmt.Sprintf("- **Search query**: %s", query),
		fmt.Sprintf("- **Pages analyzed**: %d", len(pages)),
	}
	return strings.Join(lines, "\n")
}

func (agent *ResearchAgent) cancelled(ic models.IterationContext, err error) error {
	agent.logger.LogAgent(agent.strategy.AgentID, ic.Iteration, "cancelled", 0, err)
	return fmt.Errorf("agent %d cancelled: %w", agent.strategy.AgentID, err)
}

func keyFindings(pages []*fetchedPage) string {
	var findings []string
	for _, page := range pages {
		sentences := textutil.SplitSentences(page.content)
		for i := 0; i < len(sentences) && i < maxFindingsPerSource; i++ {
			findings = append(findings, cite(textutil.Truncate(sentences[i], findingLength), page.index))
		}
	}
	return bulletList(findings, "_No findings could be extracted._")
}

// cite places the [n] marker before the closing punctuation so the marker
// stays in the same sentence as the statement it backs.
func cite(sentence string, index int) string {
	body := strings.TrimRight(sentence, ".!?")
	return fmt.Sprintf("%s [%d]%s", body, index, sentence[len(body):])
}

func keywordSummary(pages []*fetchedPage) string {
	counts := make(map[string]int)
	for _, page := range pages {
		if page.analysis == nil {
			continue
		}
		for _, keyword := range page.analysis.Keywords {
			counts[strings.ToLower(keyword)]++
		}
	}
	keywords := make([]string, 0, len(counts))
	for keyword := range counts {
		keywords = append(keywords, keyword)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > maxAggregatedKeywords {
		keywords = keywords[:maxAggregatedKeywords]
	}
	if len(keywords) == 0 {
		return "_No keywords identified._"
	}
	return strings.Join(keywords, ", ")
}

func entitySummary(entities *ExtractedEntities) string {
	lines := []string{
		fmt.Sprintf("- **People**: %s", joinOrNone(entities.Persons)),
		fmt.Sprintf("- **Organizations**: %s", joinOrNone(entities.Organizations)),
		fmt.Sprintf("- **Locations**: %s", joinOrNone(entities.Locations)),
	}
	return strings.Join(lines, "\n")
}

func sourceDetails(pages []*fetchedPage) string {
	if len(pages) == 0 {
		return "_No sources could be fetched._"
	}
	var b strings.Builder
	for i, page := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %d. %s\nSource: %s\n\n%s", page.index, page.title, page.url, textutil.Truncate(page.content, previewLength))
		if page.analysis != nil {
			fmt.Fprintf(&b, "\n\nComplexity: %s", page.analysis.Complexity)
			if page.analysis.Sentiment != "" {
				fmt.Fprintf(&b, ", sentiment: %s", page.analysis.Sentiment)
			}
		}
	}
	return b.String()
}

func sourceList(pages []*fetchedPage) string {
	if len(pages) == 0 {
		return "_No sources._"
	}
	lines := make([]string, 0, len(pages))
	for _, page := range pages {
		lines = append(lines, fmt.Sprintf("%d. [%s](%s)", page.index, page.title, page.url))
	}
	return strings.Join(lines, "\n")
}

func buildSources(pages []*fetchedPage) []models.SourceReference {
	sources := make([]models.SourceReference, 0, len(pages))
	for _, page := range pages {
		sources = append(sources, models.SourceReference{
			URL:              page.url,
			Title:            page.title,
			FetchedAt:        page.fetched,
			ReliabilityScore: consensus.ScoreURL(page.url),
		})
	}
	return sources
}

// fallbackReport renders the sections inline when the generator is down.
func fallbackReport(cfg ReportConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", cfg.Title)
	for _, section := range cfg.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", section.Heading, section.Content)
	}
	return b.String()
}

func bulletList(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none identified"
	}
	return strings.Join(items, ", ")
}

// safeStep runs fn and converts a panic into an error.
func safeStep(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
