// Command stubpublisher writes test chat messages onto the ingest stream.
// It stands in for real viewers during local runs and end-to-end tests:
// point it at the same Redis as the gateway and watch the lines come back
// out of the firehose.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/itsDarianNgo/Chatter/internal/config"
	"github.com/itsDarianNgo/Chatter/pkg/bus"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

const producerName = "stub_publisher"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ─────────────────────────────────────────────────────────────
	roomID := flag.String("room", "room:demo", "room the messages belong to")
	userID := flag.String("user", "user:stub", "sender user id")
	displayName := flag.String("name", "StubViewer", "sender display name")
	content := flag.String("content", "hello chat", "message content; #N expands to the message index")
	count := flag.Int("count", 1, "number of messages to publish")
	interval := flag.Duration("interval", 250*time.Millisecond, "delay between messages")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stubpublisher: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Bus ───────────────────────────────────────────────────────────────────
	b, err := bus.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", "err", err)
		return 1
	}
	defer b.Close()

	// ── Publish ───────────────────────────────────────────────────────────────
	for i := 1; i <= *count; i++ {
		msg := schema.ChatMessage{
			SchemaName:    schema.ChatMessageName,
			SchemaVersion: schema.CurrentVersion,
			ID:            uuid.NewString(),
			TS:            schema.NowTS(time.Now()),
			RoomID:        *roomID,
			Origin:        schema.OriginHuman,
			UserID:        *userID,
			DisplayName:   *displayName,
			Content:       expand(*content, i),
			Trace:         &schema.Trace{Producer: producerName},
		}
		payload, err := msg.Encode()
		if err != nil {
			slog.Error("encode failed", "err", err)
			return 1
		}

		entryID, err := b.Publish(ctx, cfg.IngestStream, payload)
		if err != nil {
			slog.Error("publish failed", "stream", cfg.IngestStream, "err", err)
			return 1
		}
		slog.Info("published", "entry_id", entryID, "id", msg.ID, "room_id", msg.RoomID)

		if i < *count {
			select {
			case <-ctx.Done():
				slog.Info("interrupted", "published", i, "requested", *count)
				return 0
			case <-time.After(*interval):
			}
		}
	}
	return 0
}

// expand substitutes the message index for a literal "#N" so repeated runs
// produce distinguishable content.
func expand(content string, i int) string {
	return strings.ReplaceAll(content, "#N", fmt.Sprintf("#%d", i))
}
