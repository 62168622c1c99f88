// Package textutil holds the small tokenizing helpers shared by the scorer,
// the text analyzer and the guidance extractor.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "about": true, "above": true, "after": true, "again": true, "against": true,
	"all": true, "also": true, "am": true, "an": true, "and": true, "any": true, "are": true,
	"as": true, "at": true, "be": true, "because": true, "been": true, "before": true,
	"being": true, "below": true, "between": true, "both": true, "but": true, "by": true,
	"can": true, "could": true, "did": true, "do": true, "does": true, "doing": true,
	"down": true, "during": true, "each": true, "few": true, "for": true, "from": true,
	"further": true, "had": true, "has": true, "have": true, "having": true, "he": true,
	"her": true, "here": true, "hers": true, "him": true, "his": true, "how": true,
	"however": true, "i": true, "if": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "itself": true, "just": true, "may": true, "me": true, "might": true,
	"more": true, "most": true, "much": true, "must": true, "my": true, "no": true,
	"nor": true, "not": true, "now": true, "of": true, "off": true, "on": true, "once": true,
	"only": true, "or": true, "other": true, "our": true, "ours": true, "out": true,
	"over": true, "own": true, "per": true, "same": true, "she": true, "should": true,
	"so": true, "some": true, "such": true, "than": true, "that": true, "the": true,
	"their": true, "theirs": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "through": true, "to": true, "too": true,
	"under": true, "until": true, "up": true, "very": true, "was": true, "we": true,
	"were": true, "what": true, "when": true, "where": true, "which": true, "while": true,
	"who": true, "whom": true, "why": true, "will": true, "with": true, "would": true,
	"you": true, "your": true, "yours": true, "http": true, "https": true, "www": true,
	"com": true, "source": true, "sources": true, "report": true,
}

var sentenceBoundary = regexp.MustCompile(`([.!?])\s+`)

// IsStopword reports whether the lower-cased word carries no topical signal.
func IsStopword(word string) bool {
	return stopwords[strings.ToLower(word)]
}

// Tokenize lower-cases text and splits it into letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ContentWords returns tokens of at least minLen runes that are neither
// stopwords nor purely numeric.
func ContentWords(text string, minLen int) []string {
	var words []string
	for _, token := range Tokenize(text) {
		if len([]rune(token)) < minLen || IsStopword(token) || isNumeric(token) {
			continue
		}
		words = append(words, token)
	}
	return words
}

// Stem is a crude prefix stem used to group inflections into one cluster.
func Stem(word string) string {
	runes := []rune(strings.ToLower(word))
	if len(runes) > 6 {
		runes = runes[:6]
	}
	return string(runes)
}

// SplitSentences splits text on sentence terminators, keeping the terminator.
func SplitSentences(text string) []string {
	marked := sentenceBoundary.ReplaceAllString(text, "$1\n")
	var sentences []string
	for _, line := range strings.Split(marked, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			sentences = append(sentences, line)
		}
	}
	return sentences
}

// Truncate cuts s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func isNumeric(token string) bool {
	for _, r := range token {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return token != ""
}
