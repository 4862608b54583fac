// Package textutil holds the small text predicates shared by the policy
// engine, the generator, and the chat window.
package textutil

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// HypeTokens are the chat emote tokens treated as hype signals.
var HypeTokens = []string{"POG", "POGGERS", "OMEGALUL", "LUL", "KEKW", "W", "HYPE"}

var (
	mentionRe        = regexp.MustCompile(`@\w+`)
	leadingMentionRe = regexp.MustCompile(`^\s*@\w+[\s,:]*`)
	spaceRe          = regexp.MustCompile(`\s+`)
)

// Sanitize folds a string onto one line and collapses whitespace runs.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// StripLeadingMention removes one @handle token at the start of s, with any
// separator after it. Mentions elsewhere in the line are kept.
func StripLeadingMention(s string) string {
	return leadingMentionRe.ReplaceAllString(s, "")
}

// Truncate bounds s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return string(r[:1])
	}
	return string(r[:max-1]) + "…"
}

// MentionsName reports whether content addresses displayName, either as a
// plain substring or as an @handle within edit distance 1 of the name. The
// fuzzy match tolerates the single-typo mentions that are routine in live
// chat.
func MentionsName(content, displayName string) bool {
	if displayName == "" {
		return false
	}
	name := strings.ToLower(displayName)
	lowered := strings.ToLower(content)
	if strings.Contains(lowered, name) || strings.Contains(lowered, "@"+name) {
		return true
	}
	for _, handle := range mentionRe.FindAllString(lowered, -1) {
		handle = strings.TrimPrefix(handle, "@")
		if matchr.DamerauLevenshtein(handle, name) <= 1 {
			return true
		}
	}
	return false
}

// HasHypeToken reports whether content contains any hype emote token.
func HasHypeToken(content string) bool {
	upper := strings.ToUpper(content)
	for _, tok := range HypeTokens {
		if tok == "W" {
			// too short for substring matching, require a standalone token
			for _, field := range strings.Fields(upper) {
				if field == "W" {
					return true
				}
			}
			continue
		}
		if strings.Contains(upper, tok) {
			return true
		}
	}
	return false
}

// PickDeterministic selects items[idx mod len] for seeded template choices.
func PickDeterministic(items []string, idx int) string {
	if len(items) == 0 {
		return ""
	}
	if idx < 0 {
		idx = -idx
	}
	return items[idx%len(items)]
}
