package annotate

import (
	"fmt"
	"regexp"
	"strings"
)

// HistoryMarkers recognises text that belongs to a previously injected
// conversation summary rather than to the live conversation. The same set
// drives replay detection on the first batch and the per-item filter, so
// the two checks cannot drift apart.
type HistoryMarkers struct {
	// Preamble substrings identify the leading message of a replayed summary.
	Preamble []string
	// Lines prefixes identify individual summary artifacts. They only match
	// at the start of a line.
	Lines []string
	// Patterns match on both checks (e.g. "[2024-01-02 15:04:05]" at the
	// start of a line).
	Patterns []*regexp.Regexp
}

var (
	defaultPreamble = []string{
		"CONVERSATION HISTORY",
		"COMPLETE CONVERSATION LOG",
		"Here's our conversation history",
	}
	defaultLines = []string{
		"Generated:",
		"Summary Generated:",
		"Total Messages:",
		"[Emotion:",
		"[Importance:",
	}
	defaultPatterns = []string{
		`(?m)^[ \t]*=== [^=\n]+ ===[ \t]*$`,
		`(?m)^\s*\[\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(?::\d{2})?\]`,
	}
)

// DefaultHistoryMarkers returns the markers produced by the summary exporter.
func DefaultHistoryMarkers() HistoryMarkers {
	m, err := NewHistoryMarkers(defaultPreamble, defaultLines, defaultPatterns)
	if err != nil {
		panic(err)
	}
	return m
}

// NewHistoryMarkers compiles a marker set. Empty slices fall back to the
// defaults for that category.
func NewHistoryMarkers(preamble, lines, patterns []string) (HistoryMarkers, error) {
	if len(preamble) == 0 {
		preamble = defaultPreamble
	}
	if len(lines) == 0 {
		lines = defaultLines
	}
	if len(patterns) == 0 {
		patterns = defaultPatterns
	}

	m := HistoryMarkers{
		Preamble: append([]string(nil), preamble...),
		Lines:    append([]string(nil), lines...),
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return HistoryMarkers{}, fmt.Errorf("compile history pattern %q: %w", p, err)
		}
		m.Patterns = append(m.Patterns, re)
	}
	return m, nil
}

// IsPreamble reports whether text opens a replayed history batch.
func (m HistoryMarkers) IsPreamble(text string) bool {
	for _, s := range m.Preamble {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return m.matchesPattern(text)
}

// IsHistoryLine reports whether text is a summary artifact that must not be
// forwarded as new conversation.
func (m HistoryMarkers) IsHistoryLine(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimLeft(line, " \t")
		for _, s := range m.Lines {
			if s != "" && strings.HasPrefix(line, s) {
				return true
			}
		}
	}
	return m.matchesPattern(text)
}

func (m HistoryMarkers) matchesPattern(text string) bool {
	for _, re := range m.Patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
