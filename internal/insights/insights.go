// Package insights derives post-hoc sentiment and topic labels from a
// finished conversation transcript. Both are fixed keyword-count heuristics;
// determinism matters more than sophistication because the dashboard
// aggregates these labels across tenants.
package insights

import "strings"

var positiveWords = []string{"great", "good", "thanks", "thank", "excellent", "happy", "love"}

var negativeWords = []string{"bad", "poor", "terrible", "angry", "frustrated", "disappointed"}

// topicCategories are checked in order; ties favor the earlier category.
var topicCategories = []struct {
	name     string
	keywords []string
}{
	{"product", []string{"product", "item", "price", "cost", "buy", "purchase"}},
	{"order", []string{"order", "shipping", "delivery", "track", "status"}},
	{"support", []string{"help", "support", "problem", "issue", "question"}},
	{"return", []string{"return", "refund", "exchange", "cancel"}},
}

// Sentiment labels the transcript positive, negative, or neutral by comparing
// case-insensitive substring hits from the two word sets. Each word counts at
// most once regardless of repetition.
func Sentiment(transcript string) string {
	text := strings.ToLower(transcript)

	positive := countHits(text, positiveWords)
	negative := countHits(text, negativeWords)

	switch {
	case positive > negative:
		return "positive"
	case negative > positive:
		return "negative"
	default:
		return "neutral"
	}
}

// Topic picks the category with the most keyword hits, or "general" when
// nothing matches.
func Topic(transcript string) string {
	text := strings.ToLower(transcript)

	best := "general"
	bestCount := 0
	for _, cat := range topicCategories {
		if n := countHits(text, cat.keywords); n > bestCount {
			best = cat.name
			bestCount = n
		}
	}
	return best
}

func countHits(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}
