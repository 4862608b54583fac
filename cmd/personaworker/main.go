// Command personaworker runs the persona engine for one room: it consumes
// the firehose and observation streams, decides per persona whether to
// speak, generates lines, and publishes them back through ingest.
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
	"github.com/itsDarianNgo/Chatter/internal/generator"
	"github.com/itsDarianNgo/Chatter/internal/health"
	"github.com/itsDarianNgo/Chatter/internal/observe"
	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/policy"
	"github.com/itsDarianNgo/Chatter/internal/safety"
	"github.com/itsDarianNgo/Chatter/internal/worker"
	"github.com/itsDarianNgo/Chatter/pkg/bus"
	"github.com/itsDarianNgo/Chatter/pkg/memory"
	"github.com/itsDarianNgo/Chatter/pkg/memory/postgres"
	"github.com/itsDarianNgo/Chatter/pkg/provider/embeddings"
	ollamaembed "github.com/itsDarianNgo/Chatter/pkg/provider/embeddings/ollama"
	oaembed "github.com/itsDarianNgo/Chatter/pkg/provider/embeddings/openai"
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
		fmt.Fprintf(os.Stderr, "personaworker: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "persona-worker",
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

	// ── Room and personas ─────────────────────────────────────────────────────
	room, err := persona.LoadRoom(cfg.RoomConfigPath)
	if err != nil {
		slog.Error("failed to load room config", "path", cfg.RoomConfigPath, "err", err)
		return 1
	}
	personas, err := persona.LoadDir(cfg.PersonaConfigDir, room.EnabledPersonas)
	if err != nil {
		slog.Error("failed to load persona configs", "dir", cfg.PersonaConfigDir, "err", err)
		return 1
	}
	if cfg.PromptManifestPath != "" {
		if err := generator.VerifyManifest(cfg.PromptManifestPath); err != nil {
			slog.Error("prompt manifest check failed", "path", cfg.PromptManifestPath, "err", err)
			return 1
		}
		slog.Info("prompt manifest verified", "path", cfg.PromptManifestPath)
	}

	slog.Info("persona worker starting",
		"room_id", room.RoomID,
		"personas", len(personas),
		"generation_mode", cfg.GenerationMode,
		"listen_addr", cfg.ListenAddr,
	)

	// ── Bus ───────────────────────────────────────────────────────────────────
	b, err := bus.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to redis", "err", err)
		return 1
	}
	defer b.Close()

	// ── Generator ─────────────────────────────────────────────────────────────
	gen, err := buildGenerator(cfg)
	if err != nil {
		slog.Error("failed to build generator", "err", err)
		return 1
	}

	// ── Memory ────────────────────────────────────────────────────────────────
	mem, err := buildMemory(ctx, cfg)
	if err != nil {
		slog.Error("failed to build memory backend", "err", err)
		return 1
	}
	defer mem.Close()
	slog.Info("memory backend ready", "enabled", mem.Enabled())

	// ── Auto commentary ───────────────────────────────────────────────────────
	auto := worker.AutoConfig{Enabled: cfg.AutoCommentaryEnabled}
	if cfg.AutoCommentaryConfig != "" {
		auto, err = worker.LoadAutoConfig(cfg.AutoCommentaryConfig)
		if err != nil {
			slog.Error("failed to load auto commentary config", "err", err)
			return 1
		}
		if cfg.AutoCommentaryEnabled {
			auto.Enabled = true
		}
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to compile schemas", "err", err)
		return 1
	}

	w, err := worker.New(worker.Config{
		Bus:                b,
		Validator:          validator,
		Policy:             policy.NewEngine(policy.Config{}),
		Generator:          gen,
		Filter:             safety.New(),
		Memory:             mem,
		Room:               room,
		Personas:           personas,
		Metrics:            metrics,
		Logger:             logger,
		FirehoseStream:     cfg.FirehoseStream,
		ObservationsStream: cfg.ObservationsStream,
		IngestStream:       cfg.IngestStream,
		Auto:               auto,
	})
	if err != nil {
		slog.Error("failed to build worker", "err", err)
		return 1
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", w.StatsHandler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "redis", Check: b.Ping},
		health.Checker{Name: "group", Check: func(context.Context) error {
			if !w.GroupsJoined() {
				return errors.New("consumer groups not joined")
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
		return w.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("persona worker ready", "addr", cfg.ListenAddr, "auto_commentary", auto.Enabled)
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
		slog.Error("persona worker error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

func buildGenerator(cfg *config.Settings) (generator.Generator, error) {
	switch cfg.GenerationMode {
	case config.ModeDeterministic:
		return generator.NewDeterministic(), nil
	case config.ModeStub:
		if cfg.StubFixtures == "" {
			return nil, errors.New("GENERATION_MODE=stub requires STUB_FIXTURES_PATH")
		}
		return generator.NewStub(cfg.StubFixtures)
	case config.ModeLiteLLM:
		completer, err := generator.NewOpenAICompatible(cfg.LLMModel, cfg.LLMBaseURL, cfg.LLMAPIKey)
		if err != nil {
			return nil, err
		}
		return generator.NewLive(completer), nil
	}
	return nil, fmt.Errorf("unknown generation mode %q", cfg.GenerationMode)
}

// buildMemory wires the durable memory store when POSTGRES_DSN is set;
// otherwise memory runs disabled and every read returns empty.
func buildMemory(ctx context.Context, cfg *config.Settings) (*memory.Resilient, error) {
	if cfg.PostgresDSN == "" {
		return memory.NewResilient(nil, nil), nil
	}

	var opts []postgres.Option
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	if embedder != nil {
		opts = append(opts, postgres.WithEmbedder(embedder))
	}

	store, err := postgres.New(ctx, cfg.PostgresDSN, opts...)
	if err != nil {
		return nil, err
	}
	return memory.NewResilient(store, memory.NewGovernor()), nil
}

func buildEmbedder(cfg *config.Settings) (embeddings.Provider, error) {
	switch cfg.EmbeddingsProvider {
	case "":
		return nil, nil
	case "openai":
		var opts []oaembed.Option
		if cfg.EmbeddingsBaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.EmbeddingsBaseURL))
		}
		return oaembed.New(cfg.EmbeddingsAPIKey, cfg.EmbeddingsModel, opts...)
	case "ollama":
		return ollamaembed.New(cfg.EmbeddingsBaseURL, cfg.EmbeddingsModel)
	}
	return nil, fmt.Errorf("unknown embeddings provider %q", cfg.EmbeddingsProvider)
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
