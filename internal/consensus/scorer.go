package consensus

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/textutil"
)

// Score weights. The combination is a calibration choice; retune here.
const (
	WeightReliability = 0.4
	WeightConsistency = 0.3
	WeightCoverage    = 0.3
	ConflictPenalty   = 0.05

	// MaxTopicFacets caps the batch-wide keyword clusters used for coverage.
	MaxTopicFacets = 12

	minSubjectOverlap    = 0.5
	minSubjectTokens     = 2
	subjectWindow        = 4
	valueTolerance       = 0.10
	fullConflictDistance = 0.5
)

var (
	numericValue  = regexp.MustCompile(`(-?\d+(?:[.,]\d+)*)\s*(%|(?i:percent|million|billion|trillion|thousand|years?|months?|days?|hours?|people|users|companies|countries|tons?|kg|km|mw|gw)\b)?`)
	urlPattern    = regexp.MustCompile(`https?://[^\s)\]>"']+`)
	citationIndex = regexp.MustCompile(`\[(\d{1,3})\]`)

	// fieldLine matches "- **Label**: value" and "Label: value" metadata lines.
	fieldLine       = regexp.MustCompile(`^(?:[-*+]\s+)?(?:\*\*[^*]+\*\*|[A-Z][a-z]+):\s`)
	placeholderLine = regexp.MustCompile(`^_[^_].*_$`)
)

// boilerplateSections hold run metadata and link lists rather than findings.
var boilerplateSections = map[string]bool{"overview": true, "sources": true}

type claim struct {
	reportID string
	text     string
	subject  map[string]bool
	value    float64
	unit     string
	source   string
}

// Scorer turns a batch of agent reports into comparable scores. It holds no
// state between calls.
type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

// ScoreReports returns one score per report in input order. Identical input
// always yields identical output.
func (scorer *Scorer) ScoreReports(reports []models.AgentReport, conflictThreshold float64) []models.ReportScore {
	claimsByReport := make([][]claim, len(reports))
	for i, report := range reports {
		claimsByReport[i] = extractClaims(report)
	}

	conflictsByReport := detectConflicts(reports, claimsByReport, conflictThreshold)
	facets := topicFacets(reports)

	scores := make([]models.ReportScore, len(reports))
	for i, report := range reports {
		scores[i] = scoreOne(report, claimsByReport[i], conflictsByReport[i], facets)
	}
	return scores
}

func scoreOne(report models.AgentReport, claims []claim, conflicts []models.ConflictDetail, facets []string) models.ReportScore {
	score := models.ReportScore{
		ReportID:   report.ReportID,
		Conflicts:  []models.ConflictDetail{},
		SourceURLs: sourceURLs(report),
	}
	if strings.TrimSpace(report.Content) == "" {
		return score
	}

	score.Conflicts = conflicts
	score.ReliabilityScore = reliability(report)
	score.ConsistencyScore = clamp01(1 - float64(len(conflicts))/math.Max(1, float64(len(claims))))
	score.CoverageScore = coverage(report, facets)

	for _, c := range claims {
		if c.source == "" {
			score.UnverifiedCount++
		}
	}

	total := WeightReliability*score.ReliabilityScore +
		WeightConsistency*score.ConsistencyScore +
		WeightCoverage*score.CoverageScore -
		ConflictPenalty*float64(len(conflicts))
	score.TotalScore = clamp01(total)

	return score
}

func reliability(report models.AgentReport) float64 {
	if len(report.Sources) == 0 {
		return 0
	}
	sum := 0.0
	for _, source := range report.Sources {
		sum += clamp01(source.ReliabilityScore)
	}
	return sum / float64(len(report.Sources))
}

func sourceURLs(report models.AgentReport) []string {
	urls := make([]string, 0, len(report.Sources))
	seen := make(map[string]bool, len(report.Sources))
	for _, source := range report.Sources {
		if source.URL == "" || seen[source.URL] {
			continue
		}
		seen[source.URL] = true
		urls = append(urls, source.URL)
	}
	return urls
}

// extractClaims pulls numeric factual statements out of the report. A claim
// is backed when its markdown section references one of the report's
// sources, by URL or by [n] citation. Headings, metadata fields and the
// overview and source list sections never yield claims.
func extractClaims(report models.AgentReport) []claim {
	if strings.TrimSpace(report.Content) == "" {
		return nil
	}

	known := make(map[string]bool, len(report.Sources))
	for _, source := range report.Sources {
		known[source.URL] = true
	}

	var claims []claim
	for _, section := range splitSections(report.Content) {
		body := section.substantive()
		if body == "" {
			continue
		}

		sectionSource := ""
		for _, url := range urlPattern.FindAllString(section.raw, -1) {
			url = strings.TrimRight(url, ".,;")
			if known[url] {
				sectionSource = url
				break
			}
		}

		for _, sentence := range textutil.SplitSentences(body) {
			if urlPattern.MatchString(sentence) {
				continue
			}
			c, ok := parseClaim(report.ReportID, sentence)
			if !ok {
				continue
			}
			c.source = sectionSource
			if c.source == "" {
				c.source = citedSource(sentence, report.Sources)
			}
			claims = append(claims, c)
		}
	}
	return claims
}

type reportSection struct {
	heading string
	level   int
	raw     string
}

func splitSections(content string) []reportSection {
	var sections []reportSection
	current := reportSection{}
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if level, heading, ok := parseHeading(line); ok {
			if b.Len() > 0 {
				current.raw = b.String()
				sections = append(sections, current)
				b.Reset()
			}
			current = reportSection{heading: heading, level: level}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if b.Len() > 0 {
		current.raw = b.String()
		sections = append(sections, current)
	}
	return sections
}

func parseHeading(line string) (int, string, bool) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 {
		return 0, "", false
	}
	return level, strings.TrimSpace(trimmed[level:]), true
}

// substantive returns the section body without headings, metadata fields and
// placeholders. Top-level overview and source list sections are empty.
func (section reportSection) substantive() string {
	if section.level > 0 && section.level <= 2 && boilerplateSections[strings.ToLower(section.heading)] {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(section.raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || fieldLine.MatchString(trimmed) || placeholderLine.MatchString(trimmed) {
			continue
		}
		lines = append(lines, trimmed)
	}
	return strings.Join(lines, "\n")
}

// substantiveText is the report content the scorer compares across reports.
func substantiveText(content string) string {
	var parts []string
	for _, section := range splitSections(content) {
		if body := section.substantive(); body != "" {
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, "\n")
}

func citedSource(sentence string, sources []models.SourceReference) string {
	for _, match := range citationIndex.FindAllStringSubmatch(sentence, -1) {
		index, err := strconv.Atoi(match[1])
		if err == nil && index >= 1 && index <= len(sources) {
			return sources[index-1].URL
		}
	}
	return ""
}

func parseClaim(reportID, sentence string) (claim, bool) {
	sentence = citationIndex.ReplaceAllString(sentence, "")
	loc := pickValue(sentence)
	if loc == nil {
		return claim{}, false
	}
	raw := strings.ReplaceAll(sentence[loc[2]:loc[3]], ",", "")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return claim{}, false
	}
	unit := ""
	if loc[4] >= 0 {
		unit = normalizeUnit(sentence[loc[4]:loc[5]])
	}

	words := textutil.ContentWords(sentence[:loc[0]], 3)
	if len(words) > subjectWindow {
		words = words[len(words)-subjectWindow:]
	}
	if len(words) < minSubjectTokens {
		for _, word := range textutil.ContentWords(sentence[loc[1]:], 3) {
			if len(words) >= subjectWindow {
				break
			}
			words = append(words, word)
		}
	}
	if len(words) < minSubjectTokens {
		return claim{}, false
	}

	subject := make(map[string]bool, len(words))
	for _, word := range words {
		subject[textutil.Stem(word)] = true
	}

	return claim{
		reportID: reportID,
		text:     strings.TrimSpace(sentence),
		subject:  subject,
		value:    value,
		unit:     unit,
	}, true
}

// pickValue returns the submatch index of the first numeric value that is not
// a bare calendar year, falling back to the first value of any kind.
func pickValue(sentence string) []int {
	matches := numericValue.FindAllStringSubmatchIndex(sentence, -1)
	if len(matches) == 0 {
		return nil
	}
	for _, loc := range matches {
		if loc[4] >= 0 || !isYear(sentence[loc[2]:loc[3]]) {
			return loc
		}
	}
	return matches[0]
}

func isYear(raw string) bool {
	if len(raw) != 4 {
		return false
	}
	year, err := strconv.Atoi(raw)
	return err == nil && year >= 1900 && year <= 2100
}

func normalizeUnit(unit string) string {
	unit = strings.ToLower(strings.TrimSpace(unit))
	switch unit {
	case "percent":
		return "%"
	case "year":
		return "years"
	case "month":
		return "months"
	case "day":
		return "days"
	case "hour":
		return "hours"
	}
	return unit
}

// detectConflicts compares every claim against every claim of every other
// report. Each conflict is recorded against both reports.
func detectConflicts(reports []models.AgentReport, claimsByReport [][]claim, threshold float64) [][]models.ConflictDetail {
	conflicts := make([][]models.ConflictDetail, len(reports))
	for i := range reports {
		conflicts[i] = []models.ConflictDetail{}
	}

	for i := 0; i < len(reports); i++ {
		for j := i + 1; j < len(reports); j++ {
			for _, a := range claimsByReport[i] {
				for _, b := range claimsByReport[j] {
					confidence, ok := compareClaims(a, b)
					if !ok || confidence <= threshold {
						continue
					}
					detail := models.ConflictDetail{
						Type:        models.ConflictTypeContradiction,
						StatementA:  models.ConflictStatement{ReportID: a.reportID, Text: a.text, Source: a.source},
						StatementB:  models.ConflictStatement{ReportID: b.reportID, Text: b.text, Source: b.source},
						Confidence:  confidence,
						Description: fmt.Sprintf("Reports disagree on %s: %s vs %s", subjectLabel(a, b), formatValue(a), formatValue(b)),
					}
					conflicts[i] = append(conflicts[i], detail)
					conflicts[j] = append(conflicts[j], detail)
				}
			}
		}
	}
	return conflicts
}

// compareClaims returns the confidence that a and b contradict each other.
func compareClaims(a, b claim) (float64, bool) {
	if a.unit != b.unit {
		return 0, false
	}
	overlap := jaccard(a.subject, b.subject)
	if overlap < minSubjectOverlap {
		return 0, false
	}
	denominator := math.Max(math.Abs(a.value), math.Abs(b.value))
	if denominator == 0 {
		return 0, false
	}
	distance := math.Abs(a.value-b.value) / denominator
	if distance <= valueTolerance {
		return 0, false
	}
	return overlap * (0.6 + 0.4*math.Min(1, distance/fullConflictDistance)), true
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for key := range a {
		if b[key] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

func subjectLabel(a, b claim) string {
	var shared []string
	for key := range a.subject {
		if b.subject[key] {
			shared = append(shared, key)
		}
	}
	sort.Strings(shared)
	return strings.Join(shared, " ")
}

func formatValue(c claim) string {
	value := strconv.FormatFloat(c.value, 'f', -1, 64)
	if c.unit == "" {
		return value
	}
	if c.unit == "%" {
		return value + "%"
	}
	return value + " " + c.unit
}

// topicFacets derives the batch-wide keyword clusters from the substantive
// text of each report: stems ranked by how many reports mention them, then by
// total frequency, then alphabetically.
func topicFacets(reports []models.AgentReport) []string {
	documentFrequency := make(map[string]int)
	totalFrequency := make(map[string]int)

	for _, report := range reports {
		seen := make(map[string]bool)
		for _, word := range textutil.ContentWords(substantiveText(report.Content), 4) {
			stem := textutil.Stem(word)
			totalFrequency[stem]++
			if !seen[stem] {
				seen[stem] = true
				documentFrequency[stem]++
			}
		}
	}

	stems := make([]string, 0, len(documentFrequency))
	for stem := range documentFrequency {
		stems = append(stems, stem)
	}
	sort.Slice(stems, func(i, j int) bool {
		a, b := stems[i], stems[j]
		if documentFrequency[a] != documentFrequency[b] {
			return documentFrequency[a] > documentFrequency[b]
		}
		if totalFrequency[a] != totalFrequency[b] {
			return totalFrequency[a] > totalFrequency[b]
		}
		return a < b
	})

	if len(stems) > MaxTopicFacets {
		stems = stems[:MaxTopicFacets]
	}
	return stems
}

func coverage(report models.AgentReport, facets []string) float64 {
	if len(facets) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, word := range textutil.ContentWords(substantiveText(report.Content), 4) {
		present[textutil.Stem(word)] = true
	}
	covered := 0
	for _, facet := range facets {
		if present[facet] {
			covered++
		}
	}
	return float64(covered) / float64(len(facets))
}

func clamp01(value float64) float64 {
	switch {
	case math.IsNaN(value):
		return 0
	case value < 0:
		return 0
	case value > 1:
		return 1
	}
	return value
}
