// Package bus abstracts the ordered, append-only event log that connects the
// gateway, the persona workers, and the perceptor.
//
// The contract is at-least-once: entries are ordered within a single stream,
// duplicates are possible, and consumers must be idempotent on the message
// id carried inside each payload. Group creation is idempotent. Pending
// entries survive restarts because delivery tracking lives on the group
// side, not in this process.
package bus

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// DataField is the single stream field carrying the JSON-encoded record.
const DataField = "data"

// Entry is one stream element: the bus-assigned entry id plus the raw
// payload of the DataField.
type Entry struct {
	ID   string
	Data []byte
}

// Group start positions for EnsureGroup.
const (
	StartNow   = "$"   // deliver only entries appended after group creation
	StartBegin = "0-0" // deliver the full stream history
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Bus is the adapter over the event log. All implementations must be safe
// for concurrent use.
type Bus interface {
	// Publish appends data to stream and returns the assigned entry id.
	Publish(ctx context.Context, stream string, data []byte) (string, error)

	// GroupRead blocks up to block for new entries on stream delivered to
	// (group, consumer). Returns at most max entries; an empty slice with a
	// nil error means the block timed out.
	GroupRead(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Entry, error)

	// Ack acknowledges processed entry ids for group on stream.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// TailRange scans stream entries strictly after fromExclusive, oldest
	// first, up to count. Pass "" to scan from the beginning.
	TailRange(ctx context.Context, stream, fromExclusive string, count int64) ([]Entry, error)

	// EnsureGroup creates the consumer group at the given start position,
	// creating the stream when absent. Creating an existing group is a no-op.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// Ping probes connectivity for health checks.
	Ping(ctx context.Context) error

	// Degraded reports whether the adapter is currently riding out transient
	// I/O failures with backoff.
	Degraded() bool

	// Close releases the underlying connection.
	Close() error
}

// Backoff computes exponential retry delays with ±20% jitter, starting at
// 100ms and capped at 5s. The zero value is ready to use.
type Backoff struct {
	attempt int
	rand    func() float64 // test hook; nil means math/rand
}

// Next returns the delay to sleep before the next retry and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	base := 100 * time.Millisecond << b.attempt
	if base > 5*time.Second || base <= 0 {
		base = 5 * time.Second
	}
	b.attempt++

	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	// jitter in [-20%, +20%]
	jitter := 1 + (r()*0.4 - 0.2)
	return time.Duration(float64(base) * jitter)
}

// Reset clears the attempt counter after a successful operation.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for the next backoff delay or until ctx is cancelled.
func (b *Backoff) Sleep(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
