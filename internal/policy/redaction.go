// Package policy applies content rules to memories before they are stored.
package policy

import (
	"regexp"
	"sort"
)

const (
	KindEmail = "email"
	KindCard  = "card"
	KindPhone = "phone"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	// Dates and clock times look like phone numbers to phonePattern.
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(?:[ T]\d{2}(?::\d{2}){0,2})?$`)
)

type rule struct {
	kind        string
	pattern     *regexp.Regexp
	replacement string
	skip        func(match string) bool
}

// Card runs before phone so card numbers are not classified as phones.
var rules = []rule{
	{kind: KindEmail, pattern: emailPattern, replacement: "[REDACTED_EMAIL]"},
	{kind: KindCard, pattern: cardPattern, replacement: "[REDACTED_CARD]"},
	{kind: KindPhone, pattern: phonePattern, replacement: "[REDACTED_PHONE]", skip: datePattern.MatchString},
}

// Redaction is the result of masking one piece of content.
type Redaction struct {
	Text   string
	Counts map[string]int
}

// Changed reports whether anything was masked.
func (r Redaction) Changed() bool {
	return len(r.Counts) > 0
}

// Kinds lists the masked PII kinds in sorted order.
func (r Redaction) Kinds() []string {
	kinds := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Redact masks common high-risk PII patterns and counts each kind.
func Redact(input string) Redaction {
	out := Redaction{Text: input}
	for _, r := range rules {
		out.Text = r.pattern.ReplaceAllStringFunc(out.Text, func(match string) string {
			if r.skip != nil && r.skip(match) {
				return match
			}
			if out.Counts == nil {
				out.Counts = make(map[string]int)
			}
			out.Counts[r.kind]++
			return r.replacement
		})
	}
	return out
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	r := Redact(input)
	return r.Text, r.Changed()
}
