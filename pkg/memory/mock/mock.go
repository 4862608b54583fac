// Package mock provides an in-memory [memory.Store] for tests: naive
// keyword ranking, strict namespace isolation, optional injected failures.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/itsDarianNgo/Chatter/pkg/memory"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Store keeps items per namespace in memory. Construct with [New].
type Store struct {
	mu    sync.Mutex
	items map[string][]schema.MemoryItem

	// FailSearch and FailAdd, when set, make the corresponding operation
	// return the given error. Used to exercise degraded paths.
	FailSearch error
	FailAdd    error
}

var _ memory.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string][]schema.MemoryItem)}
}

func (s *Store) Search(_ context.Context, namespace, query string, topK int) ([]schema.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSearch != nil {
		return nil, s.FailSearch
	}

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		item  schema.MemoryItem
		score int
	}
	var hits []scored
	for _, it := range s.items[namespace] {
		content := strings.ToLower(it.Content + " " + it.Topic + " " + it.OtherUser)
		score := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
		}
		if score > 0 || len(terms) == 0 {
			hits = append(hits, scored{it, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]schema.MemoryItem, 0, topK)
	for _, h := range hits {
		if len(out) >= topK {
			break
		}
		out = append(out, h.item)
	}
	return out, nil
}

func (s *Store) Add(_ context.Context, namespace string, item schema.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAdd != nil {
		return s.FailAdd
	}
	// upsert on id
	existing := s.items[namespace]
	for i := range existing {
		if existing[i].ID == item.ID {
			existing[i] = item
			return nil
		}
	}
	s.items[namespace] = append(existing, item)
	return nil
}

func (s *Store) Count(_ context.Context, namespace string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.items[namespace])), nil
}

func (s *Store) Close() error { return nil }
