package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements [Bus] on Redis Streams. One adapter wraps one client and
// may serve multiple streams concurrently.
type Redis struct {
	client   *redis.Client
	log      *slog.Logger
	degraded atomic.Bool
	closed   atomic.Bool
}

var _ Bus = (*Redis)(nil)

// RedisOption configures a [Redis] adapter.
type RedisOption func(*Redis)

// WithLogger sets the adapter's logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.log = log
	}
}

// NewRedis connects to the Redis instance at url (redis:// or rediss://)
// and verifies connectivity before returning.
func NewRedis(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	cfg, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	r := &Redis{
		client: redis.NewClient(cfg),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Ping(ctx); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("bus: initial ping: %w", err)
	}
	return r, nil
}

// Publish appends data to stream under the single data field.
func (r *Redis) Publish(ctx context.Context, stream string, data []byte) (string, error) {
	if r.closed.Load() {
		return "", ErrClosed
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{DataField: data},
	}).Result()
	if err != nil {
		r.noteFailure("publish", stream, err)
		return "", fmt.Errorf("bus: publish to %s: %w", stream, err)
	}
	r.noteSuccess()
	return id, nil
}

// GroupRead reads undelivered entries for (group, consumer), blocking up to
// block. A timed-out block is not an error.
func (r *Redis) GroupRead(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.noteSuccess()
			return nil, nil
		}
		r.noteFailure("group read", stream, err)
		return nil, fmt.Errorf("bus: group read %s/%s: %w", stream, group, err)
	}
	r.noteSuccess()

	var out []Entry
	for _, str := range res {
		for _, m := range str.Messages {
			out = append(out, Entry{ID: m.ID, Data: payloadOf(m)})
		}
	}
	return out, nil
}

// Ack acknowledges processed ids for group on stream.
func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		r.noteFailure("ack", stream, err)
		return fmt.Errorf("bus: ack on %s/%s: %w", stream, group, err)
	}
	r.noteSuccess()
	return nil
}

// TailRange scans stream entries strictly after fromExclusive, oldest first.
func (r *Redis) TailRange(ctx context.Context, stream, fromExclusive string, count int64) ([]Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	start := "-"
	if fromExclusive != "" {
		// "(" makes the range bound exclusive (Redis 6.2+).
		start = "(" + fromExclusive
	}
	msgs, err := r.client.XRangeN(ctx, stream, start, "+", count).Result()
	if err != nil {
		r.noteFailure("tail range", stream, err)
		return nil, fmt.Errorf("bus: tail range %s: %w", stream, err)
	}
	r.noteSuccess()

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Data: payloadOf(m)})
	}
	return out, nil
}

// EnsureGroup creates group on stream at start, creating the stream when it
// does not exist yet. An already-existing group is not an error.
func (r *Redis) EnsureGroup(ctx context.Context, stream, group, start string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		r.noteFailure("ensure group", stream, err)
		return fmt.Errorf("bus: create group %s on %s: %w", group, stream, err)
	}
	r.noteSuccess()
	return nil
}

// Ping probes the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.noteFailure("ping", "", err)
		return fmt.Errorf("bus: ping: %w", err)
	}
	r.noteSuccess()
	return nil
}

// Degraded reports whether the last bus operation failed.
func (r *Redis) Degraded() bool {
	return r.degraded.Load()
}

// Close shuts the underlying client down. Further calls return [ErrClosed].
func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) noteFailure(op, stream string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if r.degraded.CompareAndSwap(false, true) {
		r.log.Warn("bus degraded", "op", op, "stream", stream, "error", err)
	}
}

func (r *Redis) noteSuccess() {
	if r.degraded.CompareAndSwap(true, false) {
		r.log.Info("bus recovered")
	}
}

// payloadOf extracts the data field from a stream message. Entries written
// by other producers may carry the payload as a string.
func payloadOf(m redis.XMessage) []byte {
	switch v := m.Values[DataField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
