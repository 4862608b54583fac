// Package safety implements the moderation pipeline the gateway runs over
// every chat message before broadcast: content normalization, blocklist
// checks, and PII redaction.
package safety

import (
	"regexp"
	"strings"

	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// DefaultMaxChars bounds message content after normalization.
const DefaultMaxChars = 500

// Redacted replaces every PII match in redacted content.
const Redacted = "[REDACTED]"

// piiPattern pairs a reason label with its detection regex.
type piiPattern struct {
	kind string
	re   *regexp.Regexp
}

// defaultPII covers the address shapes leaked most often in live chats.
var defaultPII = []piiPattern{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"phone", regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{"address", regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z]{2,}\s+(Street|St|Road|Rd|Avenue|Ave|Boulevard|Blvd)\b`)},
}

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

var spaceRuns = regexp.MustCompile(`\s{2,}`)

// Result is the moderation outcome for one message. Content carries the
// rewritten text for redact outcomes and the normalized text otherwise; it is
// meaningless when Meta.Action is drop.
type Result struct {
	Content string
	Meta    schema.ModerationMeta
}

// Filter applies the moderation policy. Construct with [New]; a Filter is
// immutable and safe for concurrent use.
type Filter struct {
	maxChars  int
	blocklist []string
	pii       []piiPattern
}

// Option configures a [Filter].
type Option func(*Filter)

// WithMaxChars overrides the content length cap.
func WithMaxChars(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.maxChars = n
		}
	}
}

// WithBlocklist sets the terms whose presence drops a message outright.
// Matching is case-insensitive on the normalized content.
func WithBlocklist(terms []string) Option {
	return func(f *Filter) {
		f.blocklist = f.blocklist[:0]
		for _, t := range terms {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				f.blocklist = append(f.blocklist, t)
			}
		}
	}
}

// WithPIIPattern appends a custom redaction pattern to the defaults.
func WithPIIPattern(kind, expr string) Option {
	return func(f *Filter) {
		f.pii = append(f.pii, piiPattern{kind: kind, re: regexp.MustCompile(expr)})
	}
}

// New builds a Filter with the default PII patterns and no blocklist.
func New(opts ...Option) *Filter {
	f := &Filter{
		maxChars: DefaultMaxChars,
		pii:      append([]piiPattern(nil), defaultPII...),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Normalize strips control characters, collapses whitespace runs, forces the
// text onto a single line, and truncates to the configured cap.
func (f *Filter) Normalize(content string) string {
	s := strings.ReplaceAll(content, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = controlChars.ReplaceAllString(s, "")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > f.maxChars {
		s = string(r[:f.maxChars])
	}
	return s
}

// Process runs the full pipeline over content. Empty content after
// normalization drops, a blocklist hit drops, PII matches redact, and clean
// content passes through allowed.
func (f *Filter) Process(content string) Result {
	s := f.Normalize(content)
	if s == "" {
		return Result{Meta: schema.ModerationMeta{
			Action:  schema.ActionDrop,
			Reasons: []string{"empty"},
		}}
	}

	lower := strings.ToLower(s)
	for _, term := range f.blocklist {
		if strings.Contains(lower, term) {
			return Result{Meta: schema.ModerationMeta{
				Action:  schema.ActionDrop,
				Reasons: []string{"blocklist"},
			}}
		}
	}

	var reasons, redactions []string
	for _, p := range f.pii {
		if p.re.MatchString(s) {
			reasons = append(reasons, p.kind)
			redactions = append(redactions, p.kind)
			s = p.re.ReplaceAllString(s, Redacted)
		}
	}
	if len(reasons) > 0 {
		return Result{
			Content: s,
			Meta: schema.ModerationMeta{
				Action:     schema.ActionRedact,
				Reasons:    reasons,
				Redactions: redactions,
			},
		}
	}
	return Result{Content: s, Meta: schema.ModerationMeta{Action: schema.ActionAllow}}
}
