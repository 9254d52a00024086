package capture

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, html string) *Document {
	t.Helper()
	doc, err := ParseDocument(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func defaultSelectors(t *testing.T) []Selector {
	t.Helper()
	sels, err := ParseSelectors(DefaultSelectors)
	require.NoError(t, err)
	return sels
}

func TestParseSelector(t *testing.T) {
	cases := []struct {
		in   string
		want Selector
	}{
		{in: "div", want: Selector{Tag: "div"}},
		{in: ".msg", want: Selector{Class: "msg"}},
		{in: "div.msg", want: Selector{Tag: "div", Class: "msg"}},
		{in: "div[role]", want: Selector{Tag: "div", Attr: "role"}},
		{in: `div[role="presentation"]`, want: Selector{Tag: "div", Attr: "role", Op: "=", Value: "presentation"}},
		{in: `div[data-testid*="message"]`, want: Selector{Tag: "div", Attr: "data-testid", Op: "*=", Value: "message"}},
		{in: `[class^='Chat']`, want: Selector{Attr: "class", Op: "^=", Value: "Chat"}},
	}
	for _, tc := range cases {
		got, err := ParseSelector(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "div p", "div > p", "div[", "[=x]"} {
		_, err := ParseSelector(bad)
		assert.Error(t, err, bad)
	}
}

func TestMessagesUnionInDocumentOrder(t *testing.T) {
	doc := mustDoc(t, `<body>
		<div data-testid="message-a">first</div>
		<div class="ChatMessage-row">second</div>
		<div role="presentation" data-testid="message-c">third</div>
		<p data-testid="message-p">not a div</p>
	</body>`)

	nodes := doc.Messages(defaultSelectors(t))
	require.Len(t, nodes, 3)
	assert.Equal(t, "first", Text(nodes[0]))
	assert.Equal(t, "second", Text(nodes[1]))
	assert.Equal(t, "third", Text(nodes[2]))
}

func TestMessagesOrderedByVerticalPosition(t *testing.T) {
	doc := mustDoc(t, `<body>
		<div data-testid="message" data-capture-top="300">late</div>
		<div data-testid="message" data-capture-top="100">early</div>
		<div data-testid="message" data-capture-top="300">late tie</div>
	</body>`)

	nodes := doc.Messages(defaultSelectors(t))
	require.Len(t, nodes, 3)
	assert.Equal(t, "early", Text(nodes[0]))
	assert.Equal(t, "late", Text(nodes[1]))
	assert.Equal(t, "late tie", Text(nodes[2]))
}

func TestTextCollapsesWhitespaceAndSkipsScripts(t *testing.T) {
	doc := mustDoc(t, `<div data-testid="message">  Hello
		<b>there</b><script>var x = 1;</script>   friend </div>`)
	nodes := doc.Messages(defaultSelectors(t))
	require.Len(t, nodes, 1)
	assert.Equal(t, "Hello there friend", Text(nodes[0]))
}

func TestExtractKeepsPreformattedText(t *testing.T) {
	doc := mustDoc(t, "<div data-testid=\"message\">\n  <pre>func main() {\n    fmt.Println(1)\n}</pre>\n<p>Line two</p>\n</div>")
	nodes := doc.Messages(defaultSelectors(t))
	require.Len(t, nodes, 1)

	ex := NewExtractor(nil, func() time.Time { return fixedNow })
	m, ok := ex.Extract(nodes[0], 0, NewDedupIndex(0))
	require.True(t, ok)
	assert.Equal(t, "func main() {\n    fmt.Println(1)\n}\nLine two", m.Content)
	assert.Equal(t, "func main() { fmt.Println(1) } Line two", Text(nodes[0]))
}

func TestRoleChain(t *testing.T) {
	doc := mustDoc(t, `<body>
		<div class="message Human-turn"><div data-testid="message">a</div></div>
		<div class="font-claude-message"><div data-testid="message">b</div></div>
		<div class="message-group"><div data-testid="message">c</div></div>
		<div><div data-testid="message">d</div></div>
	</body>`)
	nodes := doc.Messages(defaultSelectors(t))
	require.Len(t, nodes, 4)

	chain := DefaultRoleChain()
	// class markers win over position
	assert.Equal(t, RoleHuman, chain.Infer(nodes[0], 1))
	assert.Equal(t, RoleAssistant, chain.Infer(nodes[1], 0))
	// message group without an author marker falls back to parity
	assert.Equal(t, RoleHuman, chain.Infer(nodes[2], 2))
	assert.Equal(t, RoleAssistant, chain.Infer(nodes[3], 3))

	assert.Equal(t, RoleAssistant, RoleChain(nil).Infer(nodes[0], 1))
}

func TestExtractTimestampSources(t *testing.T) {
	doc := mustDoc(t, `<body>
		<div data-testid="message">inline <time datetime="2024-01-02T03:04:05Z">Jan 2</time></div>
		<div class="message"><time>2024-05-06 07:08:09</time><div data-testid="message">from group</div></div>
		<div data-testid="message">no time at all</div>
		<div data-testid="message">bad <time datetime="yesterday"></time></div>
	</body>`)
	nodes := doc.Messages(defaultSelectors(t))
	require.Len(t, nodes, 4)

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := NewExtractor(nil, func() time.Time { return now })
	dedup := NewDedupIndex(0)

	m, ok := ex.Extract(nodes[0], 0, dedup)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(), m.Timestamp)

	m, ok = ex.Extract(nodes[1], 1, dedup)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC).UnixMilli(), m.Timestamp)
	assert.Equal(t, "from group", m.Content)

	m, ok = ex.Extract(nodes[2], 2, dedup)
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), m.Timestamp)

	m, ok = ex.Extract(nodes[3], 3, dedup)
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), m.Timestamp)
}

func TestExtractSkipsKnownFingerprint(t *testing.T) {
	doc := mustDoc(t, `<div data-testid="message">hello world</div>`)
	node := doc.Messages(defaultSelectors(t))[0]
	ex := NewExtractor(nil, func() time.Time { return fixedNow })
	dedup := NewDedupIndex(0)

	first, ok := ex.Extract(node, 0, dedup)
	require.True(t, ok)
	_, ok = ex.Extract(node, 0, dedup)
	assert.False(t, ok)
	assert.True(t, dedup.Has(first.Fingerprint))
}

func TestFingerprintUsesContentPrefixRoleAndTimestamp(t *testing.T) {
	long := strings.Repeat("a", 50)
	assert.Equal(t,
		Fingerprint(long+" tail one", RoleHuman, 1),
		Fingerprint(long+" tail two", RoleHuman, 1))
	assert.NotEqual(t, Fingerprint("hello", RoleHuman, 1), Fingerprint("hello", RoleAssistant, 1))
	assert.NotEqual(t, Fingerprint("hello", RoleHuman, 1), Fingerprint("hello", RoleHuman, 2))
	assert.Len(t, Fingerprint("hello", RoleHuman, 1), 32)
}

func TestDedupIndexEvictsLeastRecentlySeen(t *testing.T) {
	d := NewDedupIndex(2)
	d.Record("a")
	d.Record("b")
	assert.True(t, d.Has("a")) // refresh a
	d.Record("c")

	assert.Equal(t, 2, d.Len())
	assert.True(t, d.Has("a"))
	assert.False(t, d.Has("b"))
	assert.True(t, d.Has("c"))

	d.Reset()
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.Has("a"))
}
