package services

import (
	"context"
	"strings"
	"unicode"

	"consensus-research-pipeline/internal/agent"
	"consensus-research-pipeline/internal/pkg/textutil"
)

const maxEntitiesPerKind = 20

var (
	honorifics = map[string]bool{"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true, "sir": true}

	phraseConnectors = map[string]bool{"of": true, "for": true, "de": true, "the": true}

	organizationSuffixes = map[string]bool{
		"inc": true, "corp": true, "corporation": true, "ltd": true, "llc": true, "university": true,
		"institute": true, "agency": true, "association": true, "company": true, "group": true,
		"foundation": true, "laboratory": true, "laboratories": true, "department": true, "council": true,
		"commission": true, "bank": true, "ministry": true, "organization": true, "organisation": true,
		"society": true, "center": true, "centre": true, "college": true, "lab": true, "labs": true,
	}

	locationSuffixes = map[string]bool{
		"city": true, "county": true, "state": true, "province": true, "republic": true,
		"kingdom": true, "river": true, "mountains": true, "valley": true, "island": true, "islands": true,
	}

	knownLocations = map[string]bool{
		"united states": true, "united kingdom": true, "china": true, "japan": true, "germany": true,
		"india": true, "france": true, "canada": true, "australia": true, "brazil": true,
		"europe": true, "asia": true, "africa": true, "north america": true, "south america": true,
		"california": true, "texas": true, "london": true, "tokyo": true, "paris": true,
		"beijing": true, "new york": true, "korea": true, "south korea": true, "chile": true,
	}

	locationCues = map[string]bool{"in": true, "from": true, "across": true, "near": true}
	personCues   = map[string]bool{"said": true, "says": true, "argued": true, "argues": true, "wrote": true, "explained": true, "noted": true}
)

type entityToken struct {
	word          string
	sentenceStart bool
	breakAfter    bool
}

type entityPhrase struct {
	words         []string
	sentenceStart bool
	honorific     bool
	locationCue   bool
	personCue     bool
}

// EntityExtractor is an offline agent.EntityExtractor built on capitalised
// phrases and a few suffix and context cues.
type EntityExtractor struct{}

func NewEntityExtractor() *EntityExtractor {
	return &EntityExtractor{}
}

func (x *EntityExtractor) Extract(ctx context.Context, text string) (*agent.ExtractedEntities, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entities := agent.EmptyEntities()
	seen := make(map[string]bool)
	for _, phrase := range capitalisedPhrases(tokenizeEntities(text)) {
		name := strings.Join(phrase.words, " ")
		if seen[name] {
			continue
		}
		seen[name] = true

		switch classify(phrase) {
		case "organization":
			entities.Organizations = appendCapped(entities.Organizations, name)
		case "location":
			entities.Locations = appendCapped(entities.Locations, name)
		case "person":
			entities.Persons = appendCapped(entities.Persons, name)
		}
		entities.All = append(entities.All, name)
	}
	return entities, nil
}

func tokenizeEntities(text string) []entityToken {
	fields := strings.Fields(text)
	tokens := make([]entityToken, 0, len(fields))
	sentenceStart := true
	for _, raw := range fields {
		word := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
		})
		if word == "" {
			sentenceStart = sentenceStart || strings.ContainsAny(raw, ".!?#-*")
			continue
		}
		last := raw[len(raw)-1]
		isHonorific := honorifics[strings.ToLower(word)]
		endsSentence := strings.ContainsRune(".!?", rune(last)) && !isHonorific
		tokens = append(tokens, entityToken{
			word:          word,
			sentenceStart: sentenceStart,
			breakAfter:    strings.ContainsRune(".,;:!?)\"", rune(last)) && !isHonorific,
		})
		sentenceStart = endsSentence
	}
	return tokens
}

func capitalisedPhrases(tokens []entityToken) []entityPhrase {
	var phrases []entityPhrase
	var current *entityPhrase
	pendingHonorific := false

	flush := func(next int) {
		if current == nil {
			return
		}
		for len(current.words) > 0 && phraseConnectors[strings.ToLower(current.words[len(current.words)-1])] {
			current.words = current.words[:len(current.words)-1]
		}
		if next < len(tokens) && personCues[strings.ToLower(tokens[next].word)] {
			current.personCue = true
		}
		if len(current.words) > 0 && keepPhrase(*current) {
			phrases = append(phrases, *current)
		}
		current = nil
	}

	for i, token := range tokens {
		lower := strings.ToLower(token.word)
		switch {
		case honorifics[lower] && isCapitalised(token.word):
			flush(i)
			pendingHonorific = true
			continue
		case isCapitalised(token.word) && !(token.sentenceStart && textutil.IsStopword(token.word)):
			if current == nil {
				current = &entityPhrase{sentenceStart: token.sentenceStart, honorific: pendingHonorific}
				if i > 0 && locationCues[strings.ToLower(tokens[i-1].word)] {
					current.locationCue = true
				}
			}
			current.words = append(current.words, token.word)
		case current != nil && phraseConnectors[lower] && i+1 < len(tokens) && isCapitalised(tokens[i+1].word) && !tokens[i-1].breakAfter:
			current.words = append(current.words, token.word)
			continue
		default:
			flush(i)
		}
		pendingHonorific = false
		if token.breakAfter {
			flush(i + 1)
		}
	}
	flush(len(tokens))
	return phrases
}

// keepPhrase drops lone capitalised words that only start a sentence.
func keepPhrase(p entityPhrase) bool {
	if len(p.words) > 1 || p.honorific || p.personCue || p.locationCue {
		return true
	}
	word := p.words[0]
	if isAcronym(word) || knownLocations[strings.ToLower(word)] {
		return true
	}
	return !p.sentenceStart && len(word) >= 3 && !textutil.IsStopword(word)
}

func classify(p entityPhrase) string {
	last := strings.ToLower(p.words[len(p.words)-1])
	name := strings.ToLower(strings.Join(p.words, " "))
	switch {
	case hasOrganizationWord(p.words) || (len(p.words) == 1 && isAcronym(p.words[0])):
		return "organization"
	case knownLocations[name] || locationSuffixes[last] || (p.locationCue && len(p.words) <= 3):
		return "location"
	case p.honorific || (p.personCue && len(p.words) >= 2 && len(p.words) <= 3):
		return "person"
	default:
		return ""
	}
}

func hasOrganizationWord(words []string) bool {
	for _, word := range words {
		if organizationSuffixes[strings.ToLower(word)] {
			return true
		}
	}
	return false
}

func isCapitalised(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}

func isAcronym(word string) bool {
	letters := 0
	for _, r := range word {
		switch {
		case unicode.IsUpper(r):
			letters++
		case unicode.IsDigit(r) || r == '&':
		default:
			return false
		}
	}
	return letters >= 2
}

func appendCapped(list []string, name string) []string {
	if len(list) >= maxEntitiesPerKind {
		return list
	}
	return append(list, name)
}
