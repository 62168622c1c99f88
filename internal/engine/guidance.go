package engine

import (
	"regexp"
	"sort"
	"strings"

	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/textutil"
)

const (
	maxUnresolvedQuestions = 5
	guidanceScoreFloor     = 0.7

	AreaConsistency = "consistency re-verification"
	AreaReliability = "source reliability upgrade"
	AreaCoverage    = "broaden coverage"
)

var (
	headingLine       = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	listItemLine      = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)
	needsVerification = regexp.MustCompile(`(?i)\[\s*needs verification\s*(?::\s*([^\]]*))?\]`)
	futureWorkHeading = regexp.MustCompile(`(?i)future (?:work|research|directions)|challenges|limitations`)
)

// NextContext folds the winner of one iteration into the context for the
// next. CoveredSources only ever grows.
func NextContext(prev models.IterationContext, winner models.AgentReport, score models.ReportScore) models.IterationContext {
	selected := score.Clone()
	return models.IterationContext{
		Iteration:           prev.Iteration + 1,
		Topic:               prev.Topic,
		PreviousConsensus:   winner.Content,
		PreviousScore:       &selected,
		UnresolvedQuestions: ExtractUnresolvedQuestions(winner.Content),
		CoveredSources:      mergeSources(prev.CoveredSources, score.SourceURLs),
		AreasToDeepen:       AreasToDeepen(score),
		IsInitial:           false,
	}
}

// AreasToDeepen names the weak components of a score.
func AreasToDeepen(score models.ReportScore) []string {
	areas := []string{}
	if score.ConsistencyScore < guidanceScoreFloor {
		areas = append(areas, AreaConsistency)
	}
	if score.ReliabilityScore < guidanceScoreFloor {
		areas = append(areas, AreaReliability)
	}
	if score.CoverageScore < guidanceScoreFloor {
		areas = append(areas, AreaCoverage)
	}
	return areas
}

type questionMatch struct {
	offset int
	text   string
}

// ExtractUnresolvedQuestions scans report text line by line for questions,
// [needs verification] tags and items under a future work or challenges
// heading, keeping the first five distinct matches in scan order.
func ExtractUnresolvedQuestions(text string) []string {
	questions := []string{}
	seen := make(map[string]bool)
	add := func(q string) bool {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			return false
		}
		seen[q] = true
		questions = append(questions, q)
		return len(questions) >= maxUnresolvedQuestions
	}

	inFutureSection := false
	for _, line := range strings.Split(text, "\n") {
		if heading := headingLine.FindStringSubmatch(strings.TrimSpace(line)); heading != nil {
			inFutureSection = futureWorkHeading.MatchString(heading[1])
			continue
		}
		if inFutureSection {
			if item := listItemLine.FindStringSubmatch(line); item != nil {
				if add(needsVerification.ReplaceAllString(item[1], "")) {
					return questions
				}
				continue
			}
		}
		for _, match := range lineMatches(line) {
			if add(match.text) {
				return questions
			}
		}
	}
	return questions
}

func lineMatches(line string) []questionMatch {
	var matches []questionMatch
	for _, loc := range needsVerification.FindAllStringSubmatchIndex(line, -1) {
		if loc[2] >= 0 && strings.TrimSpace(line[loc[2]:loc[3]]) != "" {
			matches = append(matches, questionMatch{offset: loc[0], text: line[loc[2]:loc[3]]})
			continue
		}
		matches = append(matches, questionMatch{offset: loc[0], text: sentenceAround(line, loc[0])})
	}

	body := line
	if item := listItemLine.FindStringSubmatch(line); item != nil {
		body = item[1]
	}
	for _, sentence := range textutil.SplitSentences(body) {
		if !strings.HasSuffix(sentence, "?") {
			continue
		}
		offset := strings.Index(line, sentence)
		matches = append(matches, questionMatch{offset: offset, text: sentence})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].offset < matches[j].offset })
	return matches
}

// sentenceAround returns the sentence of line containing offset, stripped of
// verification tags.
func sentenceAround(line string, offset int) string {
	start := strings.LastIndexAny(line[:offset], ".!?")
	if start < 0 {
		start = 0
	} else {
		start++
	}
	sentence := line[start:offset]
	if item := listItemLine.FindStringSubmatch(sentence); item != nil {
		sentence = item[1]
	}
	return strings.TrimSpace(needsVerification.ReplaceAllString(sentence, ""))
}

func mergeSources(covered, added []string) []string {
	merged := make([]string, 0, len(covered)+len(added))
	seen := make(map[string]bool, len(covered)+len(added))
	for _, list := range [][]string{covered, added} {
		for _, url := range list {
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true
			merged = append(merged, url)
		}
	}
	return merged
}
