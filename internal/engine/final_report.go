package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/workflow"
)

const (
	maxKeyFindings  = 10
	maxFinalSources = 20
	maxHeadingDepth = 6
)

// citationMarker is an agent's [n] pointer into its own source list.
var citationMarker = regexp.MustCompile(`\s*\[\d{1,3}\]`)

// reportInput is everything the final report is built from.
type reportInput struct {
	topic           string
	config          models.ResearchConfig
	history         []models.IterationResult
	terminatedEarly bool
}

type reportSections struct {
	summary   string
	overview  string
	findings  string
	sources   string
	consensus string
	assembled string
	final     string
	warnings  []string
}

// buildFinalReport renders the sections as independent tasks, then assembles
// them and runs the diagram pass once assembly completed.
func (e *Engine) buildFinalReport(ctx context.Context, input reportInput) (string, []string, error) {
	sections := &reportSections{}

	plan, err := workflow.NewPlan(
		workflow.Task{ID: "summary", Run: func(context.Context) error {
			sections.summary = executiveSummary(input)
			return nil
		}},
		workflow.Task{ID: "overview", Run: func(context.Context) error {
			sections.overview = processOverview(input.history)
			return nil
		}},
		workflow.Task{ID: "findings", Run: func(context.Context) error {
			sections.findings = keyFindings(input.history)
			return nil
		}},
		workflow.Task{ID: "sources", Run: func(context.Context) error {
			sections.sources = sourceSection(input.history)
			return nil
		}},
		workflow.Task{ID: "consensus", Run: func(context.Context) error {
			sections.consensus = finalConsensus(input.history)
			return nil
		}},
		workflow.Task{
			ID:        "assemble",
			DependsOn: []string{"summary", "overview", "findings", "sources", "consensus"},
			Run: func(context.Context) error {
				sections.assembled = assemble(input.topic, sections)
				return nil
			},
		},
		workflow.Task{
			ID:        "diagrams",
			DependsOn: []string{"assemble"},
			Run: func(context.Context) error {
				sections.final, sections.warnings = ConvertASCIIDiagrams(sections.assembled)
				return nil
			},
		},
	)
	if err != nil {
		return "", nil, models.NewInternalError(models.CodeReportAssembly, "invalid final report plan").WithCause(err)
	}

	report, err := e.scheduler.Run(ctx, plan)
	if err != nil {
		return "", nil, err
	}
	if report.Failed() {
		return "", nil, models.NewInternalError(models.CodeReportAssembly, "final report assembly failed").WithCause(report.Err())
	}
	return sections.final, sections.warnings, nil
}

func executiveSummary(input reportInput) string {
	n := len(input.history)
	if n == 0 {
		return "No iterations completed."
	}
	first := input.history[0].BestScore()
	last := input.history[n-1].BestScore()

	var b strings.Builder
	fmt.Fprintf(&b, "Consensus research on \"%s\" completed %d iteration(s) with %d agents per iteration. ", input.topic, n, input.config.AgentCount)
	fmt.Fprintf(&b, "The best score moved from %.3f to %.3f, a %.1f%% improvement from the first to the last iteration.", first, last, improvementPercent(first, last))
	if input.terminatedEarly {
		fmt.Fprintf(&b, " Iterations stopped early after two consecutive improvements below %.1f%%.", input.config.ImprovementThreshold)
	}
	return b.String()
}

func processOverview(history []models.IterationResult) string {
	lines := make([]string, 0, len(history))
	for _, result := range history {
		lines = append(lines, fmt.Sprintf("- Iteration %d: best score %.3f. %s", result.Iteration, result.BestScore(), result.SelectionReason))
	}
	if len(lines) == 0 {
		return "No iterations completed."
	}
	return strings.Join(lines, "\n")
}

func keyFindings(history []models.IterationResult) string {
	var findings []string
	seen := make(map[string]bool)
	for _, result := range history {
		for _, line := range strings.Split(markdownSection(result.ConsensusReport, "Key Findings"), "\n") {
			line = strings.TrimSpace(line)
			if item := listItemLine.FindStringSubmatch(line); item != nil {
				line = strings.TrimSpace(item[1])
			}
			line = strings.TrimSpace(citationMarker.ReplaceAllString(line, ""))
			if line == "" || seen[line] || strings.HasPrefix(strings.ToLower(line), "source:") || isPlaceholder(line) {
				continue
			}
			seen[line] = true
			findings = append(findings, "- "+line)
			if len(findings) == maxKeyFindings {
				return strings.Join(findings, "\n")
			}
		}
	}
	if len(findings) == 0 {
		return "No key findings were reported."
	}
	return strings.Join(findings, "\n")
}

// sourceSection lists every source any agent cited, deduplicated by URL and
// ordered by reliability.
func sourceSection(history []models.IterationResult) string {
	var sources []models.SourceReference
	seen := make(map[string]bool)
	for _, result := range history {
		for _, report := range result.AgentReports {
			for _, source := range report.Sources {
				if source.URL == "" || seen[source.URL] {
					continue
				}
				seen[source.URL] = true
				sources = append(sources, source)
			}
		}
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].ReliabilityScore > sources[j].ReliabilityScore
	})
	if len(sources) > maxFinalSources {
		sources = sources[:maxFinalSources]
	}
	if len(sources) == 0 {
		return "No sources were cited."
	}

	lines := make([]string, 0, len(sources))
	for i, source := range sources {
		title := source.Title
		if title == "" {
			title = source.URL
		}
		lines = append(lines, fmt.Sprintf("%d. [%s](%s) (reliability %.0f%%)", i+1, title, source.URL, source.ReliabilityScore*100))
	}
	return strings.Join(lines, "\n")
}

// finalConsensus is the last winning report with its headings nested under
// the final report's own section.
func finalConsensus(history []models.IterationResult) string {
	if len(history) == 0 {
		return ""
	}
	content := strings.TrimSpace(history[len(history)-1].ConsensusReport)
	lines := strings.Split(content, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence || !headingLine.MatchString(line) {
			continue
		}
		depth := len(line) - len(strings.TrimLeft(line, "#"))
		lines[i] = strings.Repeat("#", min(depth+2, maxHeadingDepth)) + line[depth:]
	}
	return strings.Join(lines, "\n")
}

func isPlaceholder(line string) bool {
	return len(line) > 2 && strings.HasPrefix(line, "_") && strings.HasSuffix(line, "_")
}

func assemble(topic string, sections *reportSections) string {
	parts := []string{
		fmt.Sprintf("# Consensus Research Report: %s", topic),
		"## Executive Summary\n\n" + sections.summary,
		"## Process Overview\n\n" + sections.overview,
		"## Key Findings\n\n" + sections.findings,
		"## Sources\n\n" + sections.sources,
	}
	if sections.consensus != "" {
		parts = append(parts, "## Final Consensus Report\n\n"+sections.consensus)
	}
	return strings.Join(parts, "\n\n") + "\n"
}

// markdownSection returns the body under the first heading named heading, up
// to the next heading of the same or higher level.
func markdownSection(content, heading string) string {
	lines := strings.Split(content, "\n")
	start, level := -1, 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		match := headingLine.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}
		depth := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
		if start >= 0 {
			if depth <= level {
				return strings.Join(lines[start:i], "\n")
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(match[1]), heading) {
			start, level = i+1, depth
		}
	}
	if start < 0 {
		return ""
	}
	return strings.Join(lines[start:], "\n")
}
