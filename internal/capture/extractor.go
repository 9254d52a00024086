package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const fingerprintPrefixRunes = 50

// Message is one captured conversation turn.
type Message struct {
	Role             Role    `json:"role"`
	Content          string  `json:"content"`
	Timestamp        int64   `json:"timestamp"`
	Fingerprint      string  `json:"fingerprint"`
	Importance       float64 `json:"importance"`
	EmotionalContext string  `json:"emotional_context,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Extractor turns message nodes into Messages.
type Extractor struct {
	roles RoleChain
	now   func() time.Time
}

func NewExtractor(roles RoleChain, now func() time.Time) *Extractor {
	if len(roles) == 0 {
		roles = DefaultRoleChain()
	}
	if now == nil {
		now = time.Now
	}
	return &Extractor{roles: roles, now: now}
}

// Extract builds a Message from n. It returns false when the node has no
// text or its fingerprint is already in dedup; otherwise the fingerprint is
// recorded before returning.
func (e *Extractor) Extract(n *html.Node, index int, dedup *DedupIndex) (Message, bool) {
	content := strings.TrimSpace(TextContent(n))
	if content == "" {
		return Message{}, false
	}

	msg := Message{
		Role:      e.roles.Infer(n, index),
		Content:   content,
		Timestamp: e.timestamp(n),
	}
	msg.Fingerprint = Fingerprint(msg.Content, msg.Role, msg.Timestamp)

	if dedup.Has(msg.Fingerprint) {
		return Message{}, false
	}
	dedup.Record(msg.Fingerprint)
	return msg, true
}

// timestamp reads a <time> element inside the node, then inside its message
// group, falling back to the wall clock.
func (e *Extractor) timestamp(n *html.Node) int64 {
	scopes := []*html.Node{n}
	if group := messageGroup(n); group != nil && group != n {
		scopes = append(scopes, group)
	}
	for _, scope := range scopes {
		el := findFirst(scope, func(el *html.Node) bool { return el.DataAtom == atom.Time })
		if el == nil {
			continue
		}
		raw, ok := attr(el, "datetime")
		if !ok || strings.TrimSpace(raw) == "" {
			raw = Text(el)
		}
		if ts, ok := parseTimestamp(raw); ok {
			return ts
		}
	}
	return e.now().UnixMilli()
}

func parseTimestamp(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), true
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return ms, true
	}
	return 0, false
}

// Fingerprint derives the dedup key from the first 50 characters of
// content, the role and the timestamp.
func Fingerprint(content string, role Role, timestamp int64) string {
	prefix := []rune(content)
	if len(prefix) > fingerprintPrefixRunes {
		prefix = prefix[:fingerprintPrefixRunes]
	}
	h := sha256.New()
	h.Write([]byte(string(prefix)))
	h.Write([]byte{0})
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
