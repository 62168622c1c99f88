package services

import (
	"context"
	"sort"
	"strings"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/pkg/textutil"
)

const (
	maxKeywords       = 10
	minKeywordLength  = 4
	sentimentMargin   = 0.2
	lowComplexityMax  = 12.0
	highComplexityMin = 20.0
)

var (
	positiveTerms = map[string]bool{
		"growth": true, "improve": true, "improved": true, "improvement": true, "increase": true,
		"increased": true, "benefit": true, "benefits": true, "success": true, "successful": true,
		"efficient": true, "advance": true, "advances": true, "breakthrough": true, "gain": true,
		"gains": true, "strong": true, "positive": true, "opportunity": true, "opportunities": true,
		"reliable": true, "robust": true, "progress": true, "record": true, "innovative": true,
	}
	negativeTerms = map[string]bool{
		"decline": true, "declined": true, "decrease": true, "decreased": true, "risk": true,
		"risks": true, "failure": true, "failed": true, "loss": true, "losses": true,
		"shortage": true, "concern": true, "concerns": true, "problem": true, "problems": true,
		"weak": true, "negative": true, "crisis": true, "threat": true, "threats": true,
		"costly": true, "limited": true, "delay": true, "delays": true, "controversy": true,
	}
)

// TextAnalyzer is an offline agent.Analyzer: keyword frequency, sentence
// length complexity and a small sentiment lexicon.
type TextAnalyzer struct{}

func NewTextAnalyzer() *TextAnalyzer {
	return &TextAnalyzer{}
}

func (a *TextAnalyzer) Analyze(ctx context.Context, text string) (*agent.TextAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := textutil.Tokenize(text)
	analysis := &agent.TextAnalysis{
		Keywords:   topKeywords(text),
		Complexity: complexity(text, len(words)),
		Sentiment:  sentiment(words),
		WordCount:  len(words),
	}
	return analysis, nil
}

func topKeywords(text string) []string {
	counts := make(map[string]int)
	for _, word := range textutil.ContentWords(text, minKeywordLength) {
		counts[word]++
	}
	keywords := make([]string, 0, len(counts))
	for word := range counts {
		keywords = append(keywords, word)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

// complexity buckets the average sentence length in words.
func complexity(text string, wordCount int) string {
	sentences := textutil.SplitSentences(strings.TrimSpace(text))
	if len(sentences) == 0 || wordCount == 0 {
		return "low"
	}
	average := float64(wordCount) / float64(len(sentences))
	switch {
	case average < lowComplexityMax:
		return "low"
	case average < highComplexityMin:
		return "medium"
	default:
		return "high"
	}
}

func sentiment(words []string) string {
	positive, negative := 0, 0
	for _, word := range words {
		switch {
		case positiveTerms[word]:
			positive++
		case negativeTerms[word]:
			negative++
		}
	}
	if positive+negative == 0 {
		return "neutral"
	}
	balance := float64(positive-negative) / float64(positive+negative)
	switch {
	case balance > sentimentMargin:
		return "positive"
	case balance < -sentimentMargin:
		return "negative"
	default:
		return "neutral"
	}
}
