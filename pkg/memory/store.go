// Package memory defines the scoped persona memory interface and its write
// governance. Every read and write is bound to a namespace derived from
// (room, persona); nothing crosses scopes.
//
// Memory is strictly best-effort for the pipeline: the [Resilient] wrapper
// turns any backend failure into empty results and a degraded flag so a
// broken store can never stall posting.
package memory

import (
	"context"
	"fmt"

	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Top-K bounds for searches.
const (
	DefaultTopK = 6
	MaxTopK     = 10
)

// Store is the backend contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Search returns up to topK items from namespace ranked by relevance to
	// query. Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, namespace, query string, topK int) ([]schema.MemoryItem, error)

	// Add persists item under namespace. The item must already have passed
	// write governance; backends only store.
	Add(ctx context.Context, namespace string, item schema.MemoryItem) error

	// Count reports the number of items stored under namespace.
	Count(ctx context.Context, namespace string) (int64, error)

	// Close releases backend resources.
	Close() error
}

// Namespace derives the scope key for (room, persona).
func Namespace(roomID, personaID string) string {
	return fmt.Sprintf("room:%s|agent:%s", roomID, personaID)
}

// ClampTopK bounds k to [1, MaxTopK], defaulting zero and negatives.
func ClampTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	if k > MaxTopK {
		return MaxTopK
	}
	return k
}
