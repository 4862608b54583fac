// Command gateway is the chat gateway: it serves the WebSocket endpoint,
// consumes the ingest stream, and fans validated messages out to connected
// viewers and the firehose.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/itsDarianNgo/Chatter/internal/config"
	"github.com/itsDarianNgo/Chatter/internal/gateway"
	"github.com/itsDarianNgo/Chatter/internal/health"
	"github.com/itsDarianNgo/Chatter/internal/observe"
	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/safety"
	"github.com/itsDarianNgo/Chatter/pkg/bus"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("gateway starting",
		"listen_addr", cfg.ListenAddr,
		"ingest", cfg.IngestStream,
		"firehose", cfg.FirehoseStream,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "chat-gateway",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Room ──────────────────────────────────────────────────────────────────
	room, err := persona.LoadRoom(cfg.RoomConfigPath)
	if err != nil {
		slog.Error("failed to load room config", "path", cfg.RoomConfigPath, "err", err)
		return 1
	}

	// ── Bus ───────────────────────────────────────────────────────────────────
	b, err := bus.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", "err", err)
		return 1
	}
	defer b.Close()

	// ── Pipeline ──────────────────────────────────────────────────────────────
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to compile schemas", "err", err)
		return 1
	}
	filter := safety.New()

	hub := gateway.NewHub(room.RoomID, metrics)
	broadcaster, err := gateway.NewBroadcaster(gateway.BroadcasterConfig{
		Bus:            b,
		Validator:      validator,
		Filter:         filter,
		Hub:            hub,
		Metrics:        metrics,
		Logger:         logger,
		IngestStream:   cfg.IngestStream,
		FirehoseStream: cfg.FirehoseStream,
	})
	if err != nil {
		slog.Error("failed to build broadcaster", "err", err)
		return 1
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("GET /stats", broadcaster.StatsHandler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "redis", Check: b.Ping},
		health.Checker{Name: "group", Check: func(context.Context) error {
			if !broadcaster.GroupJoined() {
				return errors.New("ingest consumer group not joined")
			}
			return nil
		}},
	).Register(mux)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broadcaster.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("gateway ready", "addr", cfg.ListenAddr, "room_id", room.RoomID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
