package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Resilient wrapper defaults.
const (
	DefaultCallDeadline = 500 * time.Millisecond
	DefaultConcurrency  = 8

	// recentIDs bounds the last-read and last-write id rings in [Stats].
	recentIDs = 10
)

// Stats is a point-in-time snapshot of the wrapper's counters.
type Stats struct {
	Enabled         bool             `json:"memory_enabled"`
	ReadsSucceeded  int64            `json:"memory_reads_succeeded"`
	ReadsFailed     int64            `json:"memory_reads_failed"`
	WritesAccepted  int64            `json:"memory_writes_accepted"`
	WritesRejected  int64            `json:"memory_writes_rejected"`
	ItemsTotal      int64            `json:"memory_items_total"`
	ItemsByScope    map[string]int64 `json:"memory_items_by_scope"`
	LastReadIDs     []string         `json:"memory_last_read_ids"`
	LastWriteIDs    []string         `json:"memory_last_write_ids"`
	DegradedFlipped int64            `json:"memory_degraded_transitions"`
}

// Resilient wraps a backend [Store] with write governance, a concurrency
// cap, a short per-call deadline, and failure absorption: the pipeline sees
// empty results instead of errors, and a degraded flag instead of crashes.
type Resilient struct {
	store    Store
	governor *Governor
	sem      *semaphore.Weighted
	deadline time.Duration
	log      *slog.Logger

	degraded       atomic.Bool
	readsSucceeded atomic.Int64
	readsFailed    atomic.Int64
	writesAccepted atomic.Int64
	writesRejected atomic.Int64
	itemsTotal     atomic.Int64
	flips          atomic.Int64

	mu           sync.Mutex
	itemsByScope map[string]int64
	lastReadIDs  []string
	lastWriteIDs []string
}

// ResilientOption configures a [Resilient] wrapper.
type ResilientOption func(*Resilient)

// WithCallDeadline overrides the per-call deadline.
func WithCallDeadline(d time.Duration) ResilientOption {
	return func(r *Resilient) {
		if d > 0 {
			r.deadline = d
		}
	}
}

// WithConcurrency overrides the in-flight call cap.
func WithConcurrency(n int64) ResilientOption {
	return func(r *Resilient) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithResilientLogger sets the logger. Defaults to [slog.Default].
func WithResilientLogger(log *slog.Logger) ResilientOption {
	return func(r *Resilient) {
		r.log = log
	}
}

// NewResilient wraps store. A nil store yields a disabled wrapper whose
// reads return empty and whose writes are rejected, keeping callers free of
// nil checks.
func NewResilient(store Store, governor *Governor, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		store:        store,
		governor:     governor,
		sem:          semaphore.NewWeighted(DefaultConcurrency),
		deadline:     DefaultCallDeadline,
		log:          slog.Default(),
		itemsByScope: make(map[string]int64),
	}
	if r.governor == nil {
		r.governor = NewGovernor()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether a backend is attached.
func (r *Resilient) Enabled() bool { return r.store != nil }

// Degraded reports whether the last backend call failed.
func (r *Resilient) Degraded() bool { return r.degraded.Load() }

// Search queries the backend, absorbing every failure into an empty result.
func (r *Resilient) Search(ctx context.Context, namespace, query string, topK int) []schema.MemoryItem {
	if r.store == nil {
		return nil
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	items, err := r.store.Search(ctx, namespace, query, ClampTopK(topK))
	if err != nil {
		r.readsFailed.Add(1)
		r.noteFailure("search", err)
		return nil
	}
	r.readsSucceeded.Add(1)
	r.noteSuccess()

	// scope check: a backend must never leak a foreign namespace
	kept := items[:0]
	for _, it := range items {
		if it.Namespace == namespace {
			kept = append(kept, it)
		}
	}
	if len(kept) > 0 {
		r.noteRead(kept[len(kept)-1].ID)
	}
	return kept
}

// Add runs item through governance and persists it. Governance rejections
// and backend failures both report false; only backend failures degrade.
func (r *Resilient) Add(ctx context.Context, namespace string, item schema.MemoryItem) bool {
	if r.store == nil {
		return false
	}
	if err := r.governor.Admit(namespace, &item); err != nil {
		r.writesRejected.Add(1)
		if !errors.Is(err, ErrRateLimited) {
			r.log.Debug("memory write rejected", "namespace", namespace, "error", err)
		}
		return false
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.writesRejected.Add(1)
		return false
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	if err := r.store.Add(ctx, namespace, item); err != nil {
		r.writesRejected.Add(1)
		r.noteFailure("add", err)
		return false
	}
	r.writesAccepted.Add(1)
	r.itemsTotal.Add(1)
	r.noteWrite(namespace, item.ID)
	r.noteSuccess()
	return true
}

// Snapshot returns the current counters.
func (r *Resilient) Snapshot() Stats {
	r.mu.Lock()
	byScope := make(map[string]int64, len(r.itemsByScope))
	for ns, n := range r.itemsByScope {
		byScope[ns] = n
	}
	reads := append([]string(nil), r.lastReadIDs...)
	writes := append([]string(nil), r.lastWriteIDs...)
	r.mu.Unlock()

	return Stats{
		Enabled:         r.store != nil,
		ReadsSucceeded:  r.readsSucceeded.Load(),
		ReadsFailed:     r.readsFailed.Load(),
		WritesAccepted:  r.writesAccepted.Load(),
		WritesRejected:  r.writesRejected.Load(),
		ItemsTotal:      r.itemsTotal.Load(),
		ItemsByScope:    byScope,
		LastReadIDs:     reads,
		LastWriteIDs:    writes,
		DegradedFlipped: r.flips.Load(),
	}
}

// Close releases the backend.
func (r *Resilient) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Resilient) noteFailure(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if r.degraded.CompareAndSwap(false, true) {
		r.flips.Add(1)
		r.log.Warn("memory degraded", "op", op, "error", err)
	}
}

func (r *Resilient) noteSuccess() {
	if r.degraded.CompareAndSwap(true, false) {
		r.log.Info("memory recovered")
	}
}

func (r *Resilient) noteRead(id string) {
	r.mu.Lock()
	r.lastReadIDs = appendRing(r.lastReadIDs, id)
	r.mu.Unlock()
}

func (r *Resilient) noteWrite(namespace, id string) {
	r.mu.Lock()
	r.itemsByScope[namespace]++
	r.lastWriteIDs = appendRing(r.lastWriteIDs, id)
	r.mu.Unlock()
}

// appendRing keeps the most recent recentIDs entries, newest last.
func appendRing(ring []string, id string) []string {
	ring = append(ring, id)
	if len(ring) > recentIDs {
		ring = ring[len(ring)-recentIDs:]
	}
	return ring
}
