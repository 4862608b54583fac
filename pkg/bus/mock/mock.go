// Package mock provides an in-memory [bus.Bus] for tests. Entries are held
// per stream, group cursors emulate consumer-group delivery, and blocking
// reads wake on publish.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsDarianNgo/Chatter/pkg/bus"
)

// Bus is an in-memory event log. The zero value is not usable; construct
// with [New].
type Bus struct {
	mu      sync.Mutex
	streams map[string][]bus.Entry
	groups  map[string]*group // keyed stream + "\x00" + group
	seq     int64
	wake    chan struct{}
	closed  bool

	// FailPublish, when set, makes every Publish return the given error.
	// Used to exercise degraded paths.
	FailPublish error
}

type group struct {
	cursor  int            // index of next undelivered entry
	pending map[string]int // entry id -> delivery count, cleared by Ack
}

var _ bus.Bus = (*Bus)(nil)

// New returns an empty in-memory bus.
func New() *Bus {
	return &Bus{
		streams: make(map[string][]bus.Entry),
		groups:  make(map[string]*group),
		wake:    make(chan struct{}),
	}
}

func (b *Bus) Publish(_ context.Context, stream string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", bus.ErrClosed
	}
	if b.FailPublish != nil {
		return "", b.FailPublish
	}
	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)
	cp := make([]byte, len(data))
	copy(cp, data)
	b.streams[stream] = append(b.streams[stream], bus.Entry{ID: id, Data: cp})

	close(b.wake)
	b.wake = make(chan struct{})
	return id, nil
}

func (b *Bus) GroupRead(ctx context.Context, stream, gname, _ string, max int64, block time.Duration) ([]bus.Entry, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, bus.ErrClosed
		}
		g, ok := b.groups[stream+"\x00"+gname]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("mock: no such group %s on %s", gname, stream)
		}
		entries := b.streams[stream]
		if g.cursor < len(entries) {
			end := len(entries)
			if max > 0 && g.cursor+int(max) < end {
				end = g.cursor + int(max)
			}
			out := make([]bus.Entry, end-g.cursor)
			copy(out, entries[g.cursor:end])
			for _, e := range out {
				g.pending[e.ID]++
			}
			g.cursor = end
			b.mu.Unlock()
			return out, nil
		}
		wake := b.wake
		b.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		t := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
			return nil, nil
		case <-wake:
			t.Stop()
		}
	}
}

func (b *Bus) Ack(_ context.Context, stream, gname string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	g, ok := b.groups[stream+"\x00"+gname]
	if !ok {
		return fmt.Errorf("mock: no such group %s on %s", gname, stream)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (b *Bus) TailRange(_ context.Context, stream, fromExclusive string, count int64) ([]bus.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	var out []bus.Entry
	for _, e := range b.streams[stream] {
		if fromExclusive != "" && e.ID <= fromExclusive {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (b *Bus) EnsureGroup(_ context.Context, stream, gname, start string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	key := stream + "\x00" + gname
	if _, ok := b.groups[key]; ok {
		return nil
	}
	g := &group{pending: make(map[string]int)}
	if start == bus.StartNow {
		g.cursor = len(b.streams[stream])
	}
	b.groups[key] = g
	return nil
}

func (b *Bus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	return nil
}

func (b *Bus) Degraded() bool { return false }

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Len reports the number of entries currently on stream.
func (b *Bus) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[stream])
}

// Entries returns a copy of all entries on stream, oldest first.
func (b *Bus) Entries(stream string) []bus.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Entry, len(b.streams[stream]))
	copy(out, b.streams[stream])
	return out
}

// PendingCount reports unacknowledged deliveries for (stream, group).
func (b *Bus) PendingCount(stream, gname string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[stream+"\x00"+gname]
	if !ok {
		return 0
	}
	return len(g.pending)
}
