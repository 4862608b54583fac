// Package worker runs the persona engine for one room: a reactive loop over
// the firehose, an auto-commentary loop over stream observations, and a slow
// reflection loop that drifts persona knobs and extracts durable memories.
//
// The three loops run concurrently and coordinate only through per-persona
// state guarded by a single mutex, held for counter updates and never across
// I/O. All bus consumption is at-least-once; trigger ids are deduped per
// persona.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itsDarianNgo/Chatter/internal/generator"
	"github.com/itsDarianNgo/Chatter/internal/observe"
	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/policy"
	"github.com/itsDarianNgo/Chatter/internal/safety"
	"github.com/itsDarianNgo/Chatter/internal/window"
	"github.com/itsDarianNgo/Chatter/pkg/bus"
	"github.com/itsDarianNgo/Chatter/pkg/memory"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Worker defaults.
const (
	DefaultGroup     = "personas"
	DefaultReadBatch = 64
	DefaultReadBlock = 2 * time.Second

	// DefaultShutdownGrace bounds how long an in-flight generation may keep
	// running after shutdown starts.
	DefaultShutdownGrace = 5 * time.Second

	// maxTickJitter de-synchronizes persona fleets; each loop cycle sleeps a
	// uniform random offset below this bound.
	maxTickJitter = 250 * time.Millisecond

	// recentDecisionCap bounds the /stats decision ring.
	recentDecisionCap = 20

	producerReactive = "persona_worker"
	producerAuto     = "persona_worker_auto"
)

// Config carries the worker's construction dependencies; fields without a
// stated default are required.
type Config struct {
	Bus       bus.Bus
	Validator *schema.Validator
	Policy    *policy.Engine
	Generator generator.Generator
	Filter    *safety.Filter
	Memory    *memory.Resilient

	Room     *persona.RoomConfig
	Personas map[string]*persona.Config

	Metrics *observe.Metrics
	Logger  *slog.Logger // default slog.Default

	FirehoseStream     string
	ObservationsStream string
	IngestStream       string
	Group              string // default DefaultGroup
	Consumer           string

	Auto       AutoConfig
	Reflection ReflectionConfig

	ShutdownGrace time.Duration    // default DefaultShutdownGrace
	Now           func() time.Time // test hook
	Jitter        func() time.Duration
}

// DecisionRecord is one entry of the /stats recent-decisions ring.
type DecisionRecord struct {
	TS        string  `json:"ts"`
	PersonaID string  `json:"persona_id"`
	TriggerID string  `json:"trigger_id"`
	Post      bool    `json:"post"`
	Reason    string  `json:"reason"`
	PUsed     float64 `json:"p_used"`
}

// Worker is the persona engine for one room.
type Worker struct {
	bus       bus.Bus
	validator *schema.Validator
	policy    *policy.Engine
	gen       generator.Generator
	filter    *safety.Filter
	mem       *memory.Resilient
	room      *persona.RoomConfig
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time
	jitter    func() time.Duration

	firehose     string
	observations string
	ingest       string
	group        string
	consumer     string

	auto       AutoConfig
	reflection ReflectionConfig
	grace      time.Duration

	chat *window.ChatWindow
	obs  *window.ObservationBuffer

	// states holds one entry per enrolled persona; ids keeps a stable
	// evaluation order.
	states map[string]*personaState
	ids    []string

	groupsJoined atomic.Bool

	consumed             atomic.Int64
	published            atomic.Int64
	publishFailed        atomic.Int64
	invalid              atomic.Int64
	genFailed            atomic.Int64
	safetyDropped        atomic.Int64
	obsReceived          atomic.Int64
	obsValid             atomic.Int64
	obsInvalid           atomic.Int64
	obsDroppedOld        atomic.Int64
	autoObsSeen          atomic.Int64
	autoPublished        atomic.Int64
	autoSuppressedBusy   atomic.Int64
	autoSuppressedDup    atomic.Int64
	autoSuppressedLow    atomic.Int64
	autoSuppressedCool   atomic.Int64
	autoSuppressedBudget atomic.Int64
	autoRejectedLeak     atomic.Int64
	reflections          atomic.Int64

	mu        sync.Mutex
	decisions map[string]int64
	recent    []DecisionRecord

	autoMu         sync.Mutex
	autoSeen       *ringSet
	lastAutoPoster string
}

// New validates cfg, enrolls the room's enabled personas, and builds the
// worker. Personas enabled for the room but missing from cfg.Personas were
// already rejected by config loading; New only wires what it is given.
func New(cfg Config) (*Worker, error) {
	if cfg.Bus == nil || cfg.Validator == nil || cfg.Policy == nil ||
		cfg.Generator == nil || cfg.Filter == nil || cfg.Room == nil {
		return nil, fmt.Errorf("worker: bus, validator, policy, generator, filter, and room are required")
	}
	if cfg.FirehoseStream == "" || cfg.ObservationsStream == "" || cfg.IngestStream == "" {
		return nil, fmt.Errorf("worker: firehose, observations, and ingest stream names are required")
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewResilient(nil, nil)
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Jitter == nil {
		cfg.Jitter = func() time.Duration {
			return time.Duration(rand.Int64N(int64(maxTickJitter)))
		}
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	cfg.Auto.applyDefaults()
	cfg.Reflection.applyDefaults()

	w := &Worker{
		bus:          cfg.Bus,
		validator:    cfg.Validator,
		policy:       cfg.Policy,
		gen:          cfg.Generator,
		filter:       cfg.Filter,
		mem:          cfg.Memory,
		room:         cfg.Room,
		metrics:      cfg.Metrics,
		log:          cfg.Logger.With("room_id", cfg.Room.RoomID),
		now:          cfg.Now,
		jitter:       cfg.Jitter,
		firehose:     cfg.FirehoseStream,
		observations: cfg.ObservationsStream,
		ingest:       cfg.IngestStream,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		auto:         cfg.Auto,
		reflection:   cfg.Reflection,
		grace:        cfg.ShutdownGrace,
		chat:         window.NewChatWindow(window.WithChatClock(cfg.Now)),
		obs:          window.NewObservationBuffer(window.WithObservationClock(cfg.Now)),
		states:       make(map[string]*personaState),
		decisions:    make(map[string]int64),
		autoSeen:     newRingSet(seenTriggerCap),
	}

	startAt := cfg.Now()
	for _, id := range cfg.Room.EnabledPersonas {
		p, ok := cfg.Personas[id]
		if !ok {
			continue
		}
		w.states[id] = newPersonaState(p, startAt)
		w.ids = append(w.ids, id)
	}
	sort.Strings(w.ids)
	return w, nil
}

// GroupsJoined reports whether both consumer groups exist, for the health
// endpoint.
func (w *Worker) GroupsJoined() bool { return w.groupsJoined.Load() }

// EnabledPersonas returns the enrolled persona ids in evaluation order.
func (w *Worker) EnabledPersonas() []string {
	out := make([]string, len(w.ids))
	copy(out, w.ids)
	return out
}

// Run joins the consumer groups and drives the three loops until ctx ends.
// A room with no enrolled personas stays healthy and idle: the loops keep
// consuming and acking so the streams never back up.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bus.EnsureGroup(ctx, w.firehose, w.group, bus.StartNow); err != nil {
		return fmt.Errorf("worker: ensure firehose group: %w", err)
	}
	if err := w.bus.EnsureGroup(ctx, w.observations, w.group, bus.StartNow); err != nil {
		return fmt.Errorf("worker: ensure observations group: %w", err)
	}
	w.groupsJoined.Store(true)
	defer w.groupsJoined.Store(false)

	if w.metrics != nil {
		w.metrics.ActivePersonas.Add(ctx, int64(len(w.ids)))
		defer w.metrics.ActivePersonas.Add(context.Background(), -int64(len(w.ids)))
	}
	w.log.Info("worker started",
		"personas", w.ids, "firehose", w.firehose, "observations", w.observations)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runReactive(gctx) })
	g.Go(func() error { return w.runObservations(gctx) })
	g.Go(func() error { return w.runReflection(gctx) })
	return g.Wait()
}

// publishCtx returns the context a generation-and-publish runs under: it
// survives shutdown for up to the grace period so in-flight posts complete.
func (w *Worker) publishCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.grace)
}

// sleepJitter pauses for the per-cycle tick offset.
func (w *Worker) sleepJitter(ctx context.Context) {
	d := w.jitter()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// recordDecision folds one evaluation outcome into the counters, the recent
// ring, and telemetry.
func (w *Worker) recordDecision(ctx context.Context, personaID, triggerID string, dec policy.Decision) {
	w.mu.Lock()
	w.decisions[string(dec.Reason)]++
	w.recent = append(w.recent, DecisionRecord{
		TS:        schema.NowTS(w.now()),
		PersonaID: personaID,
		TriggerID: triggerID,
		Post:      dec.Post,
		Reason:    string(dec.Reason),
		PUsed:     dec.Tags.PUsed,
	})
	if len(w.recent) > recentDecisionCap {
		w.recent = w.recent[len(w.recent)-recentDecisionCap:]
	}
	w.mu.Unlock()

	w.states[personaID].noteReason(dec.Reason)
	if w.metrics != nil {
		w.metrics.RecordDecision(ctx, w.room.RoomID, string(dec.Reason))
	}
}

// botUserID is the wire user id for a persona's published messages.
func botUserID(personaID string) string { return "bot:" + personaID }
