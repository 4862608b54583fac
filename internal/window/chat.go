// Package window maintains the per-room bounded views of recent activity:
// the chat window over firehose messages and the observation buffer over
// perceptor snapshots. Both feed the policy engine and the generator.
package window

import (
	"sync"
	"time"

	"github.com/itsDarianNgo/Chatter/internal/textutil"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Chat window defaults.
const (
	DefaultMaxMessages = 200
	DefaultMaxAge      = 10 * time.Second
)

// ChatWindow keeps, per room, the most recent firehose messages bounded by
// count and age, and derives the rate and composition signals the policy
// engine consumes.
//
// All methods are safe for concurrent use.
type ChatWindow struct {
	mu      sync.RWMutex
	rooms   map[string][]schema.ChatMessage
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

// ChatOption configures a [ChatWindow].
type ChatOption func(*ChatWindow)

// WithChatClock overrides the window clock. Intended for tests.
func WithChatClock(now func() time.Time) ChatOption {
	return func(w *ChatWindow) {
		w.now = now
	}
}

// WithChatBounds overrides the count and age limits.
func WithChatBounds(maxSize int, maxAge time.Duration) ChatOption {
	return func(w *ChatWindow) {
		if maxSize > 0 {
			w.maxSize = maxSize
		}
		if maxAge > 0 {
			w.maxAge = maxAge
		}
	}
}

// NewChatWindow creates an empty window with the default bounds.
func NewChatWindow(opts ...ChatOption) *ChatWindow {
	w := &ChatWindow{
		rooms:   make(map[string][]schema.ChatMessage),
		maxSize: DefaultMaxMessages,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add appends msg to its room and evicts entries beyond the count or age
// bound. Messages without a parseable timestamp are stamped with the current
// clock so they still age out.
func (w *ChatWindow) Add(msg schema.ChatMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if msg.Time().IsZero() {
		msg.TS = schema.NowTS(w.now())
	}
	entries := append(w.rooms[msg.RoomID], msg)
	w.rooms[msg.RoomID] = w.evict(entries)
}

// Recent returns up to n messages for room, newest first.
func (w *ChatWindow) Recent(room string, n int) []schema.ChatMessage {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entries := w.live(w.rooms[room])
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]schema.ChatMessage, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out
}

// RatePerSec returns the message arrival rate over the trailing window.
func (w *ChatWindow) RatePerSec(room string, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.countSince(room, w.now().Add(-window), nil)
	return float64(n) / window.Seconds()
}

// BotFraction returns the share of bot-origin messages over the trailing
// window, zero when the window is empty.
func (w *ChatWindow) BotFraction(room string, window time.Duration) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := w.now().Add(-window)
	var total, bots int
	total = w.countSince(room, cutoff, func(m *schema.ChatMessage) {
		if m.Origin == schema.OriginBot {
			bots++
		}
	})
	if total == 0 {
		return 0
	}
	return float64(bots) / float64(total)
}

// MentionHits counts messages within the trailing window that address
// personaDisplay, either via the mentions list or fuzzy @handle matching in
// the content.
func (w *ChatWindow) MentionHits(room, personaDisplay string, window time.Duration) int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := w.now().Add(-window)
	hits := 0
	w.countSince(room, cutoff, func(m *schema.ChatMessage) {
		for _, mention := range m.Mentions {
			if textutil.MentionsName("@"+mention, personaDisplay) {
				hits++
				return
			}
		}
		if textutil.MentionsName(m.Content, personaDisplay) {
			hits++
		}
	})
	return hits
}

// countSince counts live entries at or after cutoff, invoking visit on each.
// Must be called with w.mu held.
func (w *ChatWindow) countSince(room string, cutoff time.Time, visit func(*schema.ChatMessage)) int {
	entries := w.rooms[room]
	n := 0
	for i := range entries {
		if entries[i].Time().Before(cutoff) {
			continue
		}
		n++
		if visit != nil {
			visit(&entries[i])
		}
	}
	return n
}

// live filters out aged entries without mutating the stored slice.
// Must be called with w.mu held.
func (w *ChatWindow) live(entries []schema.ChatMessage) []schema.ChatMessage {
	cutoff := w.now().Add(-w.maxAge)
	start := 0
	for start < len(entries) && entries[start].Time().Before(cutoff) {
		start++
	}
	return entries[start:]
}

// evict trims entries beyond the age or count bound, copying survivors to a
// fresh backing array so evicted messages can be collected.
// Must be called with w.mu held.
func (w *ChatWindow) evict(entries []schema.ChatMessage) []schema.ChatMessage {
	keep := w.live(entries)
	if len(keep) > w.maxSize {
		keep = keep[len(keep)-w.maxSize:]
	}
	if len(keep) < len(entries) {
		fresh := make([]schema.ChatMessage, len(keep), w.maxSize)
		copy(fresh, keep)
		return fresh
	}
	return keep
}
