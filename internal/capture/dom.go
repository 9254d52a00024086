package capture

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TopAttr carries the element's vertical page offset. Live sources write it
// before serialising the document; static snapshots usually lack it.
const TopAttr = "data-capture-top"

// DefaultSelectors match message-shaped nodes across the known chat UIs.
var DefaultSelectors = []string{
	`div[data-testid*="message"]`,
	`div[class*="message-content"]`,
	`div[class*="ChatMessage"]`,
	`div[class*="ConversationItem"]`,
	`div[role="presentation"]`,
}

// Selector is a single compound selector: an optional tag, an optional
// class token and an optional attribute test.
//
// Supported forms: "div", ".msg", "div.msg", "div[role]",
// `div[role="presentation"]`, and the attribute operators =, *=, ^=, $=, ~=.
type Selector struct {
	Tag   string
	Class string
	Attr  string
	Op    string
	Value string
}

// ParseSelector parses a compound selector. Descendant combinators are not
// supported.
func ParseSelector(sel string) (Selector, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}
	raw := sel
	head := sel
	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		head = sel[:idx]
	}
	if strings.ContainsAny(head, " >+~") {
		return Selector{}, fmt.Errorf("selector %q: combinators are not supported", sel)
	}

	var s Selector
	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		if !strings.HasSuffix(sel, "]") {
			return Selector{}, fmt.Errorf("selector %q: unterminated attribute", raw)
		}
		attrPart := sel[idx+1 : len(sel)-1]
		sel = sel[:idx]

		s.Attr = attrPart
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			key := attrPart[:eq]
			s.Op = "="
			if n := len(key); n > 0 && strings.ContainsRune("*^$~", rune(key[n-1])) {
				s.Op = key[n-1:] + "="
				key = key[:n-1]
			}
			s.Attr = strings.TrimSpace(key)
			s.Value = strings.Trim(strings.TrimSpace(attrPart[eq+1:]), `"'`)
		}
		if s.Attr == "" {
			return Selector{}, fmt.Errorf("selector %q: empty attribute name", raw)
		}
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.Class = sel[idx+1:]
		sel = sel[:idx]
	}
	s.Tag = strings.ToLower(sel)
	if s.Tag == "" && s.Class == "" && s.Attr == "" {
		return Selector{}, fmt.Errorf("selector %q matches nothing", raw)
	}
	return s, nil
}

// ParseSelectors parses every selector in sels.
func ParseSelectors(sels []string) ([]Selector, error) {
	out := make([]Selector, 0, len(sels))
	for _, raw := range sels {
		s, err := ParseSelector(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Match reports whether n satisfies the selector.
func (s Selector) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if s.Tag != "" && n.Data != s.Tag {
		return false
	}
	if s.Class != "" && !hasClassToken(n, s.Class) {
		return false
	}
	if s.Attr == "" {
		return true
	}

	val, ok := attr(n, s.Attr)
	if !ok {
		return false
	}
	switch s.Op {
	case "":
		return true
	case "=":
		return val == s.Value
	case "*=":
		return s.Value != "" && strings.Contains(val, s.Value)
	case "^=":
		return s.Value != "" && strings.HasPrefix(val, s.Value)
	case "$=":
		return s.Value != "" && strings.HasSuffix(val, s.Value)
	case "~=":
		for _, tok := range strings.Fields(val) {
			if tok == s.Value {
				return true
			}
		}
	}
	return false
}

func (s Selector) String() string {
	var b strings.Builder
	b.WriteString(s.Tag)
	if s.Class != "" {
		b.WriteString("." + s.Class)
	}
	if s.Attr != "" {
		b.WriteString("[" + s.Attr)
		if s.Op != "" {
			b.WriteString(s.Op + strconv.Quote(s.Value))
		}
		b.WriteString("]")
	}
	return b.String()
}

// Document is a parsed snapshot of the observed page.
type Document struct {
	root *html.Node
}

// ParseDocument parses an HTML snapshot.
func ParseDocument(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root}, nil
}

// NewDocument wraps an already parsed tree.
func NewDocument(root *html.Node) *Document {
	return &Document{root: root}
}

// Messages returns the union of nodes matching any selector, each node once,
// ordered by vertical position. When any node lacks a position, document
// order is used for the whole list.
func (d *Document) Messages(sels []Selector) []*html.Node {
	if d == nil || d.root == nil {
		return nil
	}

	var nodes []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for _, s := range sels {
			if s.Match(n) {
				nodes = append(nodes, n)
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)

	tops := make([]float64, len(nodes))
	for i, n := range nodes {
		raw, ok := attr(n, TopAttr)
		if !ok {
			return nodes
		}
		top, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nodes
		}
		tops[i] = top
	}

	idx := make([]int, len(nodes))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return tops[idx[a]] < tops[idx[b]] })
	ordered := make([]*html.Node, len(nodes))
	for i, j := range idx {
		ordered[i] = nodes[j]
	}
	return ordered
}

// Text returns the node's visible text with whitespace runs collapsed. It
// is used for marker matching, not for stored content.
func Text(n *html.Node) string {
	return strings.Join(strings.Fields(TextContent(n)), " ")
}

// TextContent returns the concatenated text of n, skipping scripts and
// styles. Newlines and indentation are preserved.
func TextContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClassToken(n *html.Node, class string) bool {
	val, _ := attr(n, "class")
	for _, tok := range strings.Fields(val) {
		if tok == class {
			return true
		}
	}
	return false
}

// closest walks from n up through its ancestors and returns the first
// element satisfying match.
func closest(n *html.Node, match func(*html.Node) bool) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && match(cur) {
			return cur
		}
	}
	return nil
}

// findFirst returns the first descendant-or-self element satisfying match.
func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}
