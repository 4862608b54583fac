package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Write governance defaults: at most 5 accepted writes per namespace per
// minute.
const (
	DefaultWriteLimit  = 5
	DefaultWriteWindow = time.Minute
)

// Governance rejection errors.
var (
	ErrInvalidItem = errors.New("memory: invalid item")
	ErrPII         = errors.New("memory: item contains PII")
	ErrRateLimited = errors.New("memory: namespace write rate exceeded")
)

// piiPatterns mirror the gateway's redaction set, but memory rejects
// outright instead of rewriting: a redacted fact is not worth keeping.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z]{2,}\s+(Street|St|Road|Rd|Avenue|Ave|Boulevard|Blvd)\b`),
}

// ContainsPII reports whether text matches any rejection pattern.
func ContainsPII(text string) bool {
	for _, re := range piiPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// DeriveID produces the stable id for an extracted item: a short hash over
// (namespace, content) so re-extracting the same fact stays idempotent.
func DeriveID(namespace, content string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + content))
	return "mem_" + hex.EncodeToString(sum[:])[:16]
}

// Governor enforces the write policy in front of any backend: items must be
// well-formed, PII-free, and within the per-namespace rate limit. Safe for
// concurrent use.
type Governor struct {
	mu     sync.Mutex
	writes map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// GovernorOption configures a [Governor].
type GovernorOption func(*Governor)

// WithWriteLimit overrides the accepted writes per window.
func WithWriteLimit(n int, window time.Duration) GovernorOption {
	return func(g *Governor) {
		if n > 0 {
			g.limit = n
		}
		if window > 0 {
			g.window = window
		}
	}
}

// WithGovernorClock overrides the clock. Intended for tests.
func WithGovernorClock(now func() time.Time) GovernorOption {
	return func(g *Governor) {
		g.now = now
	}
}

// NewGovernor builds a governor with the default limits.
func NewGovernor(opts ...GovernorOption) *Governor {
	g := &Governor{
		writes: make(map[string][]time.Time),
		limit:  DefaultWriteLimit,
		window: DefaultWriteWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit validates item for namespace and consumes one write slot. The item
// is normalized in place: missing schema identity, id, timestamp, and
// confidence are filled.
func (g *Governor) Admit(namespace string, item *schema.MemoryItem) error {
	if item.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidItem)
	}
	if !item.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, item.Type)
	}
	if item.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidItem)
	}
	if ContainsPII(item.Content) || ContainsPII(item.OtherUser) {
		return ErrPII
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	recent := g.writes[namespace][:0]
	for _, t := range g.writes[namespace] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= g.limit {
		g.writes[namespace] = recent
		return ErrRateLimited
	}
	g.writes[namespace] = append(recent, now)

	item.SchemaName = schema.MemoryItemName
	item.SchemaVersion = schema.CurrentVersion
	item.Namespace = namespace
	if item.ID == "" {
		item.ID = DeriveID(namespace, item.Content)
	}
	if item.TS == "" {
		item.TS = schema.NowTS(now)
	}
	if item.Confidence == "" {
		item.Confidence = schema.ConfidenceMed
	}
	return nil
}
