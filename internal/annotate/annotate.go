// Package annotate scores captured conversation turns with static keyword
// heuristics. Everything here is a pure function of the input text.
package annotate

import (
	"strings"
	"unicode/utf8"
)

const (
	ImportanceCritical   = 0.9
	ImportanceReflective = 0.7
	ImportanceLong       = 0.6
	ImportanceMedium     = 0.5
	ImportanceDefault    = 0.4
)

// Annotation is the importance score and emotional-context label derived
// from a message's content.
type Annotation struct {
	Importance float64
	// EmotionalContext is a ", "-joined list of emotion families, or empty
	// when no family matched.
	EmotionalContext string
}

var (
	criticalKeywords   = []string{"important", "critical", "remember", "don't forget", "key point"}
	reflectiveKeywords = []string{"note", "consider", "think about", "interesting"}
)

type emotionFamily struct {
	label    string
	keywords []string
}

// Order matters: matched families are reported in this order.
var emotionFamilies = []emotionFamily{
	{label: "positive", keywords: []string{"happy", "excited", "glad", "wonderful", "great", "excellent"}},
	{label: "negative", keywords: []string{"sad", "disappointed", "frustrated", "angry", "worried"}},
	{label: "curious", keywords: []string{"wonder", "curious", "interesting", "hmm", "think"}},
	{label: "grateful", keywords: []string{"thank", "appreciate", "grateful"}},
}

// Annotate returns the importance and emotional context for content.
func Annotate(content string) Annotation {
	normalized := normalize(content)
	return Annotation{
		Importance:       importance(normalized),
		EmotionalContext: emotionalContext(normalized),
	}
}

// Importance scores content by keyword tier, falling back to length tiers.
func Importance(content string) float64 {
	return importance(normalize(content))
}

// EmotionalContext returns the matched emotion families for content.
func EmotionalContext(content string) string {
	return emotionalContext(normalize(content))
}

func importance(normalized string) float64 {
	switch {
	case containsAny(normalized, criticalKeywords):
		return ImportanceCritical
	case containsAny(normalized, reflectiveKeywords):
		return ImportanceReflective
	}

	n := utf8.RuneCountInString(normalized)
	switch {
	case n > 500:
		return ImportanceLong
	case n > 200:
		return ImportanceMedium
	default:
		return ImportanceDefault
	}
}

func emotionalContext(normalized string) string {
	var labels []string
	for _, fam := range emotionFamilies {
		if containsAny(normalized, fam.keywords) {
			labels = append(labels, fam.label)
		}
	}
	return strings.Join(labels, ", ")
}

// normalize lowercases and folds typographic apostrophes so "Don’t forget"
// matches the same keyword as "Don't forget".
func normalize(content string) string {
	return strings.ToLower(strings.ReplaceAll(content, "’", "'"))
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
