package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches alphanumeric sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// minTokenLength filters noise tokens ("a", "I", stray digits).
const minTokenLength = 2

// defaultStopWords are dropped during tokenization. The list is short
// on purpose: over-aggressive stop word removal hurts quoted-phrase
// and boolean queries more than it helps scoring.
var defaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for",
	"if", "in", "into", "is", "it", "no", "not", "of", "on", "or",
	"such", "that", "the", "their", "then", "there", "these", "they",
	"this", "to", "was", "will", "with",
}

var defaultStopWordMap = BuildStopWordMap(defaultStopWords)

// Tokenize splits text into scoring tokens: lowercased alphanumeric
// runs, stop words removed, tokens shorter than two characters dropped.
// The same function is applied to queries and to chunk text so term
// statistics line up on both sides.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)

	tokens := make([]string, 0, len(words))
	for _, word := range words {
		lower := strings.ToLower(word)
		if len(lower) < minTokenLength {
			continue
		}
		if _, isStop := defaultStopWordMap[lower]; isStop {
			continue
		}
		tokens = append(tokens, lower)
	}

	return tokens
}

// TermFrequencies tokenizes text and returns per-term counts plus the
// total token length. One pass serves both BM25 term frequency and the
// document length normalization factor.
func TermFrequencies(text string) (map[string]int, int) {
	tokens := Tokenize(text)
	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	return freq, len(tokens)
}

// UniqueTerms returns the distinct tokens of text in first-seen order.
func UniqueTerms(text string) []string {
	tokens := Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	unique := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}
	return unique
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
