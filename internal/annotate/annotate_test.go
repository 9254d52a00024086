package annotate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriticalKeywordWinsRegardlessOfLength(t *testing.T) {
	cases := []string{
		"remember this",
		"This is IMPORTANT",
		"a key point: " + strings.Repeat("x", 600),
		"Don't forget the meeting",
		"Don’t forget the meeting",
		strings.Repeat("filler ", 100) + "critical",
	}
	for _, content := range cases {
		assert.Equal(t, ImportanceCritical, Importance(content), "content=%q", content)
	}
}

func TestReflectiveTier(t *testing.T) {
	assert.Equal(t, ImportanceReflective, Importance("Let me think about that"))
	assert.Equal(t, ImportanceReflective, Importance("Consider the alternative"))
	// critical beats reflective
	assert.Equal(t, ImportanceCritical, Importance("note: this is important"))
}

func TestLengthTiers(t *testing.T) {
	cases := []struct {
		n    int
		want float64
	}{
		{n: 10, want: ImportanceDefault},
		{n: 200, want: ImportanceDefault},
		{n: 201, want: ImportanceMedium},
		{n: 500, want: ImportanceMedium},
		{n: 501, want: ImportanceLong},
		{n: 5000, want: ImportanceLong},
	}
	for _, tc := range cases {
		content := strings.Repeat("z", tc.n)
		assert.Equal(t, tc.want, Importance(content), "len=%d", tc.n)
	}
}

func TestAnnotateScenarios(t *testing.T) {
	got := Annotate("Don't forget the meeting")
	assert.Equal(t, ImportanceCritical, got.Importance)
	assert.Empty(t, got.EmotionalContext)

	got = Annotate("I'm so happy and grateful for this, thank you")
	assert.Equal(t, "positive, grateful", got.EmotionalContext)
	assert.Equal(t, ImportanceDefault, got.Importance)
}

func TestEmotionalContextFixedOrder(t *testing.T) {
	// grateful first in the text, positive first in the output
	got := EmotionalContext("Thanks, I wonder why you are so sad and yet excellent")
	assert.Equal(t, "positive, negative, curious, grateful", got)
}

func TestAnnotateDeterministic(t *testing.T) {
	content := "Interesting point, I appreciate it. " + strings.Repeat("word ", 80)
	first := Annotate(content)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Annotate(content))
	}
}

func TestHistoryMarkers(t *testing.T) {
	m := DefaultHistoryMarkers()

	assert.True(t, m.IsPreamble("=== CONVERSATION HISTORY WITH FAITH ==="))
	assert.True(t, m.IsPreamble("[2024-03-01 10:15:00] Human: hello"))
	assert.False(t, m.IsPreamble("Hello there, how are you?"))

	assert.True(t, m.IsHistoryLine("Generated: 2024-03-01 10:15"))
	assert.True(t, m.IsHistoryLine("[Emotion: positive] [Importance: 0.90]"))
	assert.True(t, m.IsHistoryLine("=== SYSTEM OVERVIEW ==="))
	assert.True(t, m.IsHistoryLine("Summary of the day\n[2024-03-01T10:15] Human: hi"))
	assert.True(t, m.IsHistoryLine("intro\n  Total Messages: 42"))
	assert.False(t, m.IsHistoryLine("Can you help me plan a trip?"))
}

func TestHistoryMarkersIgnoreMarkersInsideProse(t *testing.T) {
	m := DefaultHistoryMarkers()

	for _, text := range []string{
		"In JavaScript, write if (a === b) to compare without coercion.",
		"if (x === y) {\n  return z === 0\n}",
		"The report was Generated: yesterday by the build",
		"see [2024-03-01T10:15] for details",
		"We had Total Messages: 42 in the thread",
		"=== not a banner",
	} {
		assert.False(t, m.IsHistoryLine(text), text)
	}
}

func TestNewHistoryMarkersRejectsBadPattern(t *testing.T) {
	_, err := NewHistoryMarkers(nil, nil, []string{"(["})
	require.Error(t, err)
}

func TestNewHistoryMarkersCustom(t *testing.T) {
	m, err := NewHistoryMarkers([]string{"PREVIOUSLY ON"}, []string{"--recap--"}, nil)
	require.NoError(t, err)
	assert.True(t, m.IsPreamble("PREVIOUSLY ON our chat"))
	assert.False(t, m.IsPreamble("CONVERSATION HISTORY"))
	assert.True(t, m.IsHistoryLine("--recap-- done"))
	// default pattern still applies
	assert.True(t, m.IsHistoryLine("[2024-01-02 03:04:05]"))
}
