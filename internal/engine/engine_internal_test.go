package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyOf(bests ...float64) []models.IterationResult {
	history := make([]models.IterationResult, 0, len(bests))
	for i, best := range bests {
		history = append(history, models.IterationResult{
			Iteration: i + 1,
			Scores:    []models.ReportScore{{ReportID: "r", TotalScore: best}, {ReportID: "s", TotalScore: best / 2}},
		})
	}
	return history
}

func TestImprovementPercent(t *testing.T) {
	assert.InDelta(t, 5.0, improvementPercent(0.60, 0.63), 1e-9)
	assert.InDelta(t, 60.0, improvementPercent(0.50, 0.80), 1e-9)
	assert.Equal(t, 0.0, improvementPercent(0, 0.9))
}

func TestShouldTerminate(t *testing.T) {
	tests := []struct {
		name  string
		bests []float64
		want  bool
	}{
		{"single iteration", []float64{0.5}, false},
		{"one low step is not enough", []float64{0.80, 0.81}, false},
		{"two low steps in a row", []float64{0.60, 0.63, 0.655}, true},
		{"big jump then one low step", []float64{0.50, 0.80, 0.81}, false},
		{"big jump then two low steps", []float64{0.50, 0.80, 0.81, 0.82}, true},
		{"still improving", []float64{0.40, 0.50, 0.60}, false},
		{"zero previous best counts as no improvement", []float64{0, 0, 0.1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldTerminate(historyOf(tt.bests...), DefaultImprovementThreshold))
		})
	}
}

// scriptedScorer hands out one predetermined best total per iteration.
type scriptedScorer struct {
	bests []float64
	call  int
}

func (s *scriptedScorer) ScoreReports(reports []models.AgentReport, _ float64) []models.ReportScore {
	best := s.bests[s.call]
	s.call++
	scores := make([]models.ReportScore, len(reports))
	for i, report := range reports {
		total := best - 0.1*float64(i)
		scores[i] = models.ReportScore{ReportID: report.ReportID, TotalScore: total, ConsistencyScore: 1, ReliabilityScore: 0.8, CoverageScore: 0.8}
	}
	return scores
}

func scriptedEngine(bests ...float64) *Engine {
	factory := func(strategy models.AgentStrategy) agent.Agent {
		return stubAgent{strategy: strategy}
	}
	e := New(factory, Options{AgentCount: 3, IterationCount: 5, AgentTimeout: time.Second}, logger.NewNop())
	e.scorer = &scriptedScorer{bests: bests}
	return e
}

type stubAgent struct{ strategy models.AgentStrategy }

func (a stubAgent) Execute(_ context.Context, ic models.IterationContext) (*models.AgentReport, error) {
	return &models.AgentReport{
		AgentID:  a.strategy.AgentID,
		ReportID: fmt.Sprintf("r-%d-%d", ic.Iteration, a.strategy.AgentID),
		Content:  "# Report\n## Key Findings\n- Stub finding.\n",
	}, nil
}

func TestResearchStopsAfterTwoLowImprovements(t *testing.T) {
	e := scriptedEngine(0.60, 0.63, 0.655, 0.9, 0.95)

	result, err := e.Research(context.Background(), "topic", Options{})
	require.NoError(t, err)
	assert.Len(t, result.Iterations, 3)
	assert.Equal(t, 9, result.TotalAgentRuns)
	assert.Contains(t, result.FinalReport, "stopped early")
}

func TestResearchContinuesAfterSingleLowImprovement(t *testing.T) {
	e := scriptedEngine(0.50, 0.80, 0.81, 0.82, 0.99)

	result, err := e.Research(context.Background(), "topic", Options{})
	require.NoError(t, err)
	assert.Len(t, result.Iterations, 4)
}

func TestResearchRunsAllIterationsWhileImproving(t *testing.T) {
	e := scriptedEngine(0.30, 0.40, 0.50, 0.60, 0.70)

	result, err := e.Research(context.Background(), "topic", Options{})
	require.NoError(t, err)
	assert.Len(t, result.Iterations, 5)
	assert.NotContains(t, result.FinalReport, "stopped early")
	assert.Contains(t, result.FinalReport, "from 0.300 to 0.700, a 133.3% improvement")
}

func TestAreasToDeepen(t *testing.T) {
	assert.Equal(t, []string{AreaConsistency, AreaReliability, AreaCoverage},
		AreasToDeepen(models.ReportScore{ConsistencyScore: 0.2, ReliabilityScore: 0.69, CoverageScore: 0}))
	assert.Equal(t, []string{AreaCoverage},
		AreasToDeepen(models.ReportScore{ConsistencyScore: 0.7, ReliabilityScore: 0.9, CoverageScore: 0.5}))
	assert.Empty(t, AreasToDeepen(models.ReportScore{ConsistencyScore: 1, ReliabilityScore: 1, CoverageScore: 1}))
}

func TestExtractUnresolvedQuestions(t *testing.T) {
	text := `# Report
Is demand growing? Prices fell sharply.
Supply rose 20% last year [needs verification].
- Recycling rate reached 5% [needs verification: recycling rate source]
## Challenges
- Scaling cathode production
- Securing lithium supply
## Sources
What about cobalt?
Extra question one? Extra question two?`

	questions := ExtractUnresolvedQuestions(text)
	assert.Equal(t, []string{
		"Is demand growing?",
		"Supply rose 20% last year",
		"recycling rate source",
		"Scaling cathode production",
		"Securing lithium supply",
	}, questions)
}

func TestExtractUnresolvedQuestionsDeduplicates(t *testing.T) {
	questions := ExtractUnresolvedQuestions("Why? Why?\nWhy?\n")
	assert.Equal(t, []string{"Why?"}, questions)
	assert.Empty(t, ExtractUnresolvedQuestions("No questions here."))
}

func TestNextContextAccumulatesSources(t *testing.T) {
	prev := models.IterationContext{
		Iteration:      1,
		Topic:          "t",
		CoveredSources: []string{"https://a", "https://b"},
		IsInitial:      true,
	}
	winner := models.AgentReport{ReportID: "w", Content: "Open point?"}
	score := models.ReportScore{ReportID: "w", SourceURLs: []string{"https://b", "https://c"}, ConsistencyScore: 1, ReliabilityScore: 0.5, CoverageScore: 1}

	next := NextContext(prev, winner, score)
	assert.Equal(t, 2, next.Iteration)
	assert.False(t, next.IsInitial)
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, next.CoveredSources)
	assert.Equal(t, []string{"Open point?"}, next.UnresolvedQuestions)
	assert.Equal(t, []string{AreaReliability}, next.AreasToDeepen)
	assert.Equal(t, "Open point?", next.PreviousConsensus)
	require.NotNil(t, next.PreviousScore)
	assert.Equal(t, "w", next.PreviousScore.ReportID)

	next.CoveredSources[0] = "mutated"
	assert.Equal(t, "https://a", prev.CoveredSources[0])
}

func TestConvertASCIIDiagramsVertical(t *testing.T) {
	text := `Intro text.

+----------+
|  Search  |
+----------+
     |
     v
+----------+
|  Fetch   |
|  pages   |
+----------+

Outro.`

	out, warnings := ConvertASCIIDiagrams(text)
	assert.Empty(t, warnings)
	assert.Contains(t, out, "```mermaid\ngraph TD\n    N1[\"Search\"] --> N2[\"Fetch pages\"]\n```")
	assert.Contains(t, out, "Intro text.")
	assert.Contains(t, out, "Outro.")
	assert.NotContains(t, out, "+----------+")
}

func TestConvertASCIIDiagramsHorizontalFence(t *testing.T) {
	text := "```\n+-------+     +-------+     +--------+\n| Query | --> | Score | --> | Select |\n+-------+     +-------+     +--------+\n```"

	out, warnings := ConvertASCIIDiagrams(text)
	assert.Empty(t, warnings)
	assert.Equal(t, "```mermaid\ngraph LR\n    N1[\"Query\"] --> N2[\"Score\"]\n    N2[\"Score\"] --> N3[\"Select\"]\n```", out)
}

func TestConvertASCIIDiagramsWarnsOnUnconvertible(t *testing.T) {
	text := "+------+\n| Solo |\n+------+"

	out, warnings := ConvertASCIIDiagrams(text)
	assert.Equal(t, text, out)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "line 1")
}

func TestConvertASCIIDiagramsLeavesTablesAndCode(t *testing.T) {
	text := "| a | b |\n|---|---|\n| 1 | 2 |\n\n```go\n// +----+\n```"

	out, warnings := ConvertASCIIDiagrams(text)
	assert.Equal(t, text, out)
	assert.Empty(t, warnings)
}

func TestMarkdownSection(t *testing.T) {
	content := "# Title\n## Key Findings\n- one\n### Detail\n- two\n## Sources\n- s"
	assert.Equal(t, "- one\n### Detail\n- two", markdownSection(content, "key findings"))
	assert.Equal(t, "- s", markdownSection(content, "Sources"))
	assert.Empty(t, markdownSection(content, "Missing"))
}

func TestSourceSectionOrdersAndCaps(t *testing.T) {
	var reports []models.AgentReport
	for i := 0; i < 25; i++ {
		reports = append(reports, models.AgentReport{Sources: []models.SourceReference{
			{URL: fmt.Sprintf("https://site%d.org", i), Title: fmt.Sprintf("Site %d", i), ReliabilityScore: 0.6},
		}})
	}
	reports = append(reports, models.AgentReport{Sources: []models.SourceReference{
		{URL: "https://agency.gov/x", Title: "Agency", ReliabilityScore: 0.95},
		{URL: "https://site0.org", Title: "Duplicate", ReliabilityScore: 0.6},
	}})

	section := sourceSection([]models.IterationResult{{AgentReports: reports}})
	lines := strings.Split(section, "\n")
	require.Len(t, lines, maxFinalSources)
	assert.Equal(t, "1. [Agency](https://agency.gov/x) (reliability 95%)", lines[0])
	assert.Equal(t, "2. [Site 0](https://site0.org) (reliability 60%)", lines[1])
	assert.NotContains(t, section, "Duplicate")
}

func TestKeyFindingsDeduplicatesAndCaps(t *testing.T) {
	var history []models.IterationResult
	for i := 0; i < 3; i++ {
		var b strings.Builder
		b.WriteString("## Key Findings\n- shared finding\n")
		for j := 0; j < 5; j++ {
			fmt.Fprintf(&b, "- finding %d-%d\n", i, j)
		}
		b.WriteString("## Other\n- ignored\n")
		history = append(history, models.IterationResult{ConsensusReport: b.String()})
	}

	findings := strings.Split(keyFindings(history), "\n")
	require.Len(t, findings, maxKeyFindings)
	assert.Equal(t, "- shared finding", findings[0])
	assert.Equal(t, 1, strings.Count(strings.Join(findings, "\n"), "shared finding"))
	assert.NotContains(t, findings, "- ignored")
}

func TestKeyFindingsDropsCitationMarkers(t *testing.T) {
	history := []models.IterationResult{
		{ConsensusReport: "## Key Findings\n- Storage capacity doubled in 2023 [1].\n- Costs remain high [2].\n"},
		{ConsensusReport: "## Key Findings\n- Storage capacity doubled in 2023 [3].\n- _No findings could be extracted._\n"},
	}

	findings := strings.Split(keyFindings(history), "\n")
	assert.Equal(t, []string{"- Storage capacity doubled in 2023.", "- Costs remain high."}, findings)
}

func TestFinalConsensusCapsHeadingDepth(t *testing.T) {
	report := "# Report\n## Findings\n##### Detail\n###### Deepest\n```\n# shell comment\n```\n#hashtag"
	got := finalConsensus([]models.IterationResult{{ConsensusReport: report}})

	assert.Equal(t, "### Report\n#### Findings\n###### Detail\n###### Deepest\n```\n# shell comment\n```\n#hashtag", got)
}
