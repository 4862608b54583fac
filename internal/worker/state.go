package worker

import (
	"sync"
	"time"

	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/policy"
)

// Per-persona state bounds.
const (
	// seenTriggerCap bounds the per-persona trigger dedupe ring. Sized to
	// outlast any realistic at-least-once redelivery window.
	seenTriggerCap = 512

	// ownMessageCap bounds the own-message window reflection reads.
	ownMessageCap = 50
)

// personaState is the mutable, per-persona side of the worker. One mutex
// guards every field; it is held only while reading or updating counters,
// never across bus, generator, or memory calls.
type personaState struct {
	cfg *persona.Config

	mu          sync.Mutex
	drift       persona.Drift
	lastPost    time.Time
	lastAuto    time.Time
	posts       []time.Time
	ownLines    []string
	ownCount    int
	lastReflect time.Time
	lastReason  policy.Reason
	seen        *ringSet
}

func newPersonaState(cfg *persona.Config, now time.Time) *personaState {
	return &personaState{
		cfg:         cfg,
		drift:       cfg.Drift,
		lastReflect: now,
		seen:        newRingSet(seenTriggerCap),
	}
}

// snapshot copies the evaluation inputs owned by this persona: the config
// with its current drift, the last post time, and the count of posts inside
// the budget window ending at now. Pruning happens here so the posts ring
// never grows past the window.
func (s *personaState) snapshot(now time.Time, budgetWindow time.Duration) (*persona.Config, time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-budgetWindow)
	keep := s.posts[:0]
	for _, t := range s.posts {
		if !t.Before(cutoff) {
			keep = append(keep, t)
		}
	}
	s.posts = keep

	cfg := *s.cfg
	cfg.Drift = s.drift
	return &cfg, s.lastPost, len(s.posts)
}

// seenTrigger records id and reports whether this persona already evaluated
// it. Survives at-least-once redelivery of firehose entries.
func (s *personaState) seenTrigger(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.seen.admit(id)
}

// notePost records a successful publish for cooldown, budget, and
// reflection accounting.
func (s *personaState) notePost(now time.Time, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPost = now
	s.posts = append(s.posts, now)
	s.ownLines = append(s.ownLines, line)
	if len(s.ownLines) > ownMessageCap {
		s.ownLines = s.ownLines[len(s.ownLines)-ownMessageCap:]
	}
	s.ownCount++
}

// noteAuto records an auto-commentary publish for the auto cooldown.
func (s *personaState) noteAuto(now time.Time) {
	s.mu.Lock()
	s.lastAuto = now
	s.mu.Unlock()
}

// autoReady reports whether the persona's auto cooldown has elapsed.
func (s *personaState) autoReady(now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuto.IsZero() || now.Sub(s.lastAuto) >= cooldown
}

// noteReason records the latest decision reason for the stats surface.
func (s *personaState) noteReason(r policy.Reason) {
	s.mu.Lock()
	s.lastReason = r
	s.mu.Unlock()
}

func (s *personaState) reason() policy.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// takeReflection reports whether a reflection cycle is due, and when it is,
// returns the own-message window and resets the cycle counters.
func (s *personaState) takeReflection(now time.Time, interval time.Duration, messageCount int) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.ownCount >= messageCount ||
		(now.Sub(s.lastReflect) >= interval && s.ownCount > 0)
	if !due {
		return nil, false
	}
	lines := make([]string, len(s.ownLines))
	copy(lines, s.ownLines)
	s.ownCount = 0
	s.lastReflect = now
	return lines, true
}

// currentDrift snapshots the drift knobs.
func (s *personaState) currentDrift() persona.Drift {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drift
}

// applyDrift moves the drift knobs by the given deltas. Each knob honors
// its per-step cap and bounds via [persona.Knob.Apply].
func (s *personaState) applyDrift(d driftDeltas) {
	s.mu.Lock()
	s.drift.Talkativeness = s.drift.Talkativeness.Apply(d.Talkativeness)
	s.drift.Positivity = s.drift.Positivity.Apply(d.Positivity)
	s.drift.EmoteRate = s.drift.EmoteRate.Apply(d.EmoteRate)
	s.mu.Unlock()
}

// ringSet is a bounded string set with FIFO eviction. Not safe for
// concurrent use; callers hold their own lock.
type ringSet struct {
	seen  map[string]struct{}
	order []string
	max   int
}

func newRingSet(max int) *ringSet {
	return &ringSet{seen: make(map[string]struct{}, max), max: max}
}

// admit records id and reports whether it was new.
func (r *ringSet) admit(id string) bool {
	if _, dup := r.seen[id]; dup {
		return false
	}
	if len(r.order) >= r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	return true
}
