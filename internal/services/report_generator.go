package services

import (
	"context"
	"fmt"
	"strings"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/models"
)

const emptySectionText = "_No content._"

// MarkdownReportGenerator renders a ReportConfig as markdown, or as plain
// text when the config asks for it.
type MarkdownReportGenerator struct{}

func NewMarkdownReportGenerator() *MarkdownReportGenerator {
	return &MarkdownReportGenerator{}
}

func (g *MarkdownReportGenerator) Generate(ctx context.Context, cfg agent.ReportConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.Title) == "" {
		return "", models.NewValidationError("INVALID_REPORT_CONFIG", "report title cannot be empty")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "markdown", "md":
		return renderMarkdown(cfg), nil
	case "text", "plain":
		return renderPlain(cfg), nil
	default:
		return "", models.NewValidationError("UNSUPPORTED_FORMAT", fmt.Sprintf("unsupported report format %q", cfg.Format))
	}
}

func renderMarkdown(cfg agent.ReportConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", strings.TrimSpace(cfg.Title))
	for _, section := range cfg.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", strings.TrimSpace(section.Heading), sectionBody(section))
	}
	return b.String()
}

func renderPlain(cfg agent.ReportConfig) string {
	var b strings.Builder
	title := strings.TrimSpace(cfg.Title)
	fmt.Fprintf(&b, "%s\n%s\n", title, strings.Repeat("=", len([]rune(title))))
	for _, section := range cfg.Sections {
		heading := strings.TrimSpace(section.Heading)
		fmt.Fprintf(&b, "\n%s\n%s\n\n%s\n", heading, strings.Repeat("-", len([]rune(heading))), sectionBody(section))
	}
	return b.String()
}

func sectionBody(section agent.ReportSection) string {
	body := strings.TrimSpace(section.Content)
	if body == "" {
		return emptySectionText
	}
	return body
}
