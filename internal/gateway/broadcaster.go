package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsDarianNgo/Chatter/internal/observe"
	"github.com/itsDarianNgo/Chatter/internal/safety"
	"github.com/itsDarianNgo/Chatter/pkg/bus"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Broadcaster defaults.
const (
	DefaultGroup      = "gateway"
	DefaultReadBatch  = 64
	DefaultReadBlock  = 2 * time.Second
	DefaultDedupeSize = 4096

	gatewayName = "chat_gateway"
)

// BroadcasterStats is a point-in-time snapshot of the broadcaster counters,
// shaped for the /stats endpoint.
type BroadcasterStats struct {
	MessagesConsumed  int64         `json:"messages_consumed"`
	MessagesPublished int64         `json:"messages_published"`
	MessagesDropped   int64         `json:"messages_dropped"`
	MessagesRedacted  int64         `json:"messages_redacted"`
	MessagesInvalid   int64         `json:"messages_invalid"`
	MessagesDeduped   int64         `json:"messages_deduped"`
	Connections       []ClientStats `json:"connections"`
}

// Broadcaster bridges the ingest stream to WebSocket clients and the
// firehose: validate, moderate, stamp trace, fan out, republish, ack.
type Broadcaster struct {
	bus       bus.Bus
	validator *schema.Validator
	filter    *safety.Filter
	hub       *Hub
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time

	ingest   string
	firehose string
	group    string
	consumer string

	dedupe *dedupeCache

	groupJoined atomic.Bool

	consumed  atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
	redacted  atomic.Int64
	invalid   atomic.Int64
	deduped   atomic.Int64
}

// BroadcasterConfig carries the construction dependencies; all fields
// without a stated default are required.
type BroadcasterConfig struct {
	Bus       bus.Bus
	Validator *schema.Validator
	Filter    *safety.Filter
	Hub       *Hub
	Metrics   *observe.Metrics
	Logger    *slog.Logger // default slog.Default

	IngestStream   string
	FirehoseStream string
	Group          string // default DefaultGroup
	Consumer       string

	DedupeSize int              // default DefaultDedupeSize
	Now        func() time.Time // test hook
}

// NewBroadcaster validates cfg and builds a broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Bus == nil || cfg.Validator == nil || cfg.Filter == nil || cfg.Hub == nil {
		return nil, fmt.Errorf("gateway: bus, validator, filter, and hub are required")
	}
	if cfg.IngestStream == "" || cfg.FirehoseStream == "" {
		return nil, fmt.Errorf("gateway: ingest and firehose stream names are required")
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "gateway-1"
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		bus:       cfg.Bus,
		validator: cfg.Validator,
		filter:    cfg.Filter,
		hub:       cfg.Hub,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		now:       cfg.Now,
		ingest:    cfg.IngestStream,
		firehose:  cfg.FirehoseStream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		dedupe:    newDedupeCache(cfg.DedupeSize),
	}, nil
}

// Run consumes ingest until ctx ends. Transient bus errors ride out on
// exponential backoff; per-message failures never stop the loop.
func (b *Broadcaster) Run(ctx context.Context) error {
	if err := b.bus.EnsureGroup(ctx, b.ingest, b.group, bus.StartNow); err != nil {
		return fmt.Errorf("gateway: ensure group: %w", err)
	}
	b.groupJoined.Store(true)
	defer b.groupJoined.Store(false)
	b.log.Info("broadcaster started",
		"ingest", b.ingest, "firehose", b.firehose, "group", b.group)

	var backoff bus.Backoff
	for {
		entries, err := b.bus.GroupRead(ctx, b.ingest, b.group, b.consumer, DefaultReadBatch, DefaultReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("ingest read failed", "error", err)
			if err := backoff.Sleep(ctx); err != nil {
				return err
			}
			continue
		}
		backoff.Reset()

		for _, entry := range entries {
			b.process(ctx, entry)
			if err := b.bus.Ack(ctx, b.ingest, b.group, entry.ID); err != nil {
				b.log.Warn("ack failed", "entry_id", entry.ID, "error", err)
			}
		}
	}
}

// process handles one ingest entry end to end. Every path acks; failures
// only skip the broadcast.
func (b *Broadcaster) process(ctx context.Context, entry bus.Entry) {
	b.consumed.Add(1)

	msg, err := b.validator.ValidateChatMessage(entry.Data)
	if err != nil {
		b.invalid.Add(1)
		b.log.Debug("invalid ingest record", "entry_id", entry.ID, "error", err)
		return
	}

	res := b.filter.Process(msg.Content)
	if res.Meta.Action == schema.ActionDrop {
		b.dropped.Add(1)
		b.log.Debug("message dropped by safety",
			"id", msg.ID, "room_id", msg.RoomID, "reasons", res.Meta.Reasons)
		return
	}
	if res.Meta.Action == schema.ActionRedact {
		b.redacted.Add(1)
	}
	msg.Content = res.Content
	meta := res.Meta
	msg.Moderation = &meta

	b.stampTrace(msg)

	if !b.dedupe.admit(msg.ID) {
		b.deduped.Add(1)
		b.log.Debug("duplicate ingest id", "id", msg.ID)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.invalid.Add(1)
		return
	}

	b.hub.Broadcast(msg.RoomID, payload)

	if _, err := b.bus.Publish(ctx, b.firehose, payload); err != nil {
		// the id stays in the dedupe cache; at-least-once redelivery of the
		// ingest entry will not re-broadcast, and the loss is surfaced
		b.log.Warn("firehose publish failed", "id", msg.ID, "error", err)
		return
	}
	b.published.Add(1)
	if b.metrics != nil {
		producer := "unknown"
		if msg.Trace != nil && msg.Trace.Producer != "" {
			producer = msg.Trace.Producer
		}
		b.metrics.RecordPublish(ctx, msg.RoomID, producer)
	}
}

// stampTrace applies the gateway trace contract: default producer
// "unknown", append the gateway to processed_by, set gateway_ts if missing.
func (b *Broadcaster) stampTrace(msg *schema.ChatMessage) {
	if msg.Trace == nil {
		msg.Trace = &schema.Trace{}
	}
	if msg.Trace.Producer == "" {
		msg.Trace.Producer = "unknown"
	}
	msg.Trace.ProcessedBy = append(msg.Trace.ProcessedBy, gatewayName)
	if msg.Trace.GatewayTS == "" {
		msg.Trace.GatewayTS = schema.NowTS(b.now())
	}
}

// GroupJoined reports whether the ingest consumer group exists, for the
// health endpoint.
func (b *Broadcaster) GroupJoined() bool { return b.groupJoined.Load() }

// Stats snapshots the broadcaster and connection counters.
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		MessagesConsumed:  b.consumed.Load(),
		MessagesPublished: b.published.Load(),
		MessagesDropped:   b.dropped.Load(),
		MessagesRedacted:  b.redacted.Load(),
		MessagesInvalid:   b.invalid.Load(),
		MessagesDeduped:   b.deduped.Load(),
		Connections:       b.hub.Connections(),
	}
}

// dedupeCache is a bounded id set with FIFO eviction. One broadcaster
// instance re-broadcasts a duplicated ingest id at most once per cache
// lifetime.
type dedupeCache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func newDedupeCache(max int) *dedupeCache {
	return &dedupeCache{
		seen: make(map[string]struct{}, max),
		max:  max,
	}
}

// admit records id and reports whether it was new.
func (d *dedupeCache) admit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[id]; dup {
		return false
	}
	if len(d.order) >= d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}
