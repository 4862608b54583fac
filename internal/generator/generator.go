// Package generator produces a single chat line for a persona given its
// trigger context. Three backends share one contract: a rule-driven
// deterministic mode for tests, a fixture-table stub, and a live LLM mode.
//
// Whatever the backend returns goes through [Finalize]; an empty result
// means the caller drops the post.
package generator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"regexp"
	"strings"

	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/textutil"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// DefaultMaxChars bounds generated content when the persona does not set
// its own limit.
const DefaultMaxChars = 200

// Purpose selects the prompt family for a generation.
type Purpose string

const (
	PurposeReply Purpose = "persona_reply"
	PurposeAuto  Purpose = "persona_auto_commentary"
)

// Request carries everything one generation reads.
type Request struct {
	Persona *persona.Config
	Room    *persona.RoomConfig

	// Trigger is the firehose message being reacted to. Nil for
	// auto-commentary generations.
	Trigger *schema.ChatMessage

	// Observation is the latest perception snapshot, when available.
	Observation *schema.StreamObservation

	// RecentChat is a small, humans-first sample of recent lines.
	RecentChat []string

	// MemoryHits are pre-formatted memory bullets.
	MemoryHits []string

	// Marker is the deterministic marker detected by policy, "" when none.
	Marker string

	// Forced is set when policy forced the post deterministically.
	Forced bool

	MaxChars int
	Purpose  Purpose
}

// Generator is the pluggable backend contract.
type Generator interface {
	// Generate returns one candidate chat line. An empty string with a nil
	// error means the backend declined; the caller drops the post either
	// way. The returned line has NOT been finalized yet.
	Generate(ctx context.Context, req *Request) (string, error)

	// Mode names the backend for telemetry.
	Mode() string
}

// maxChars resolves the effective content limit for req.
func (r *Request) maxChars() int {
	if r.MaxChars > 0 {
		return r.MaxChars
	}
	return DefaultMaxChars
}

// triggerID returns a stable id for seeding, falling back to the
// observation when there is no trigger message.
func (r *Request) triggerID() string {
	if r.Trigger != nil {
		return r.Trigger.ID
	}
	if r.Observation != nil {
		return r.Observation.ID
	}
	return "evt"
}

// triggerContent returns the text being reacted to.
func (r *Request) triggerContent() string {
	if r.Trigger != nil {
		return r.Trigger.Content
	}
	if r.Observation != nil {
		return r.Observation.Summary
	}
	return ""
}

// Finalize applies the mandatory post-processing: strip a leading @ token,
// single line, collapsed whitespace, truncation. Mentions inside the line
// survive, so a bot can still address someone explicitly. Empty output
// means drop.
func Finalize(s string, maxChars int) string {
	s = textutil.StripLeadingMention(s)
	s = textutil.Sanitize(s)
	return textutil.Truncate(s, maxChars)
}

var (
	obsPrefixRe = regexp.MustCompile(`(?i)\bOBS:`)
	rfc3339Re   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[Tt]\d{2}:\d{2}`)
)

// LeaksObservationMeta reports whether s quotes observation metadata that
// must never reach chat: the OBS: prefix or an RFC 3339 timestamp.
func LeaksObservationMeta(s string) bool {
	return obsPrefixRe.MatchString(s) || rfc3339Re.MatchString(s)
}

// seededIndex maps seed onto [0, modulo) deterministically.
func seededIndex(seed string, modulo int) int {
	if modulo <= 0 {
		return 0
	}
	h := sha256.Sum256([]byte(seed))
	return int(binary.BigEndian.Uint64(h[:8]) % uint64(modulo))
}

// echoWords returns up to the first three words of content with punctuation
// stripped, for the echoing template family.
func echoWords(content string) string {
	var b strings.Builder
	for _, r := range content {
		if r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') ||
			('0' <= r && r <= '9') || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	words := strings.Fields(b.String())
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}
