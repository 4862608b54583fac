package window

import (
	"sync"
	"time"

	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Observation buffer defaults.
const (
	DefaultMaxObservations = 32
	DefaultObservationTTL  = 120 * time.Second
)

// ObservationBuffer keeps, per room, the K most recent perceptor snapshots
// with a TTL. Only records that already passed schema validation should be
// added.
//
// All methods are safe for concurrent use.
type ObservationBuffer struct {
	mu      sync.RWMutex
	rooms   map[string][]schema.StreamObservation
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// ObservationOption configures an [ObservationBuffer].
type ObservationOption func(*ObservationBuffer)

// WithObservationClock overrides the buffer clock. Intended for tests.
func WithObservationClock(now func() time.Time) ObservationOption {
	return func(b *ObservationBuffer) {
		b.now = now
	}
}

// WithObservationBounds overrides the count limit and TTL.
func WithObservationBounds(maxSize int, ttl time.Duration) ObservationOption {
	return func(b *ObservationBuffer) {
		if maxSize > 0 {
			b.maxSize = maxSize
		}
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// NewObservationBuffer creates an empty buffer with the default bounds.
func NewObservationBuffer(opts ...ObservationOption) *ObservationBuffer {
	b := &ObservationBuffer{
		rooms:   make(map[string][]schema.StreamObservation),
		maxSize: DefaultMaxObservations,
		ttl:     DefaultObservationTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add appends obs to its room and evicts expired or excess entries.
func (b *ObservationBuffer) Add(obs schema.StreamObservation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if obs.Time().IsZero() {
		obs.TS = schema.NowTS(b.now())
	}
	entries := append(b.rooms[obs.RoomID], obs)

	cutoff := b.now().Add(-b.ttl)
	start := 0
	for start < len(entries) && entries[start].Time().Before(cutoff) {
		start++
	}
	keep := entries[start:]
	if len(keep) > b.maxSize {
		keep = keep[len(keep)-b.maxSize:]
	}
	if len(keep) < len(entries) {
		fresh := make([]schema.StreamObservation, len(keep), b.maxSize)
		copy(fresh, keep)
		keep = fresh
	}
	b.rooms[obs.RoomID] = keep
}

// Latest returns up to n unexpired observations for room, newest first.
func (b *ObservationBuffer) Latest(room string, n int) []schema.StreamObservation {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.rooms[room]
	cutoff := b.now().Add(-b.ttl)
	out := make([]schema.StreamObservation, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if entries[i].Time().Before(cutoff) {
			break
		}
		out = append(out, entries[i])
	}
	return out
}
