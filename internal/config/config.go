// Package config reads the environment-driven service settings shared by
// the gateway and the persona workers. File-based configuration (room,
// persona, auto-commentary YAML) is loaded by the packages that own those
// formats; this package only resolves where the files live.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// GenerationMode selects the generator backend.
type GenerationMode string

const (
	ModeDeterministic GenerationMode = "deterministic"
	ModeStub          GenerationMode = "stub"
	ModeLiteLLM       GenerationMode = "litellm"
)

// IsValid reports whether m is a recognised generation mode.
func (m GenerationMode) IsValid() bool {
	switch m {
	case ModeDeterministic, ModeStub, ModeLiteLLM:
		return true
	}
	return false
}

// Stream name defaults.
const (
	DefaultIngestStream       = "stream:chat.ingest"
	DefaultFirehoseStream     = "stream:chat.firehose"
	DefaultObservationsStream = "stream:observations"
	DefaultFramesStream       = "stream:frames"
	DefaultTranscriptsStream  = "stream:transcripts"
)

// Settings is the resolved environment configuration for one service
// process.
type Settings struct {
	RedisURL string
	LogLevel LogLevel

	ListenAddr string

	IngestStream       string
	FirehoseStream     string
	ObservationsStream string
	FramesStream       string
	TranscriptsStream  string

	RoomConfigPath   string
	PersonaConfigDir string

	// PromptManifestPath pins persona prompt files by sha256; empty skips
	// the startup check.
	PromptManifestPath string

	GenerationMode GenerationMode
	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	StubFixtures   string

	AutoCommentaryEnabled bool
	AutoCommentaryConfig  string

	// PostgresDSN enables the durable memory backend when set.
	PostgresDSN string

	// EmbeddingsProvider selects vector search for memory: "openai",
	// "ollama", or "" for text-only search.
	EmbeddingsProvider string
	EmbeddingsBaseURL  string
	EmbeddingsAPIKey   string
	EmbeddingsModel    string
}

// Load reads the settings from the environment, applying defaults and
// validating enumerated values. All validation failures are joined.
func Load() (*Settings, error) {
	s := &Settings{
		RedisURL:   getenv("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:   LogLevel(getenv("LOG_LEVEL", string(LogInfo))),
		ListenAddr: getenv("LISTEN_ADDR", ":8080"),

		IngestStream:       getenv("INGEST_STREAM", DefaultIngestStream),
		FirehoseStream:     getenv("FIREHOSE_STREAM", DefaultFirehoseStream),
		ObservationsStream: getenv("STREAM_OBSERVATIONS_KEY", DefaultObservationsStream),
		FramesStream:       getenv("STREAM_FRAMES_KEY", DefaultFramesStream),
		TranscriptsStream:  getenv("STREAM_TRANSCRIPTS_KEY", DefaultTranscriptsStream),

		RoomConfigPath:     getenv("ROOM_CONFIG_PATH", "configs/room.yaml"),
		PersonaConfigDir:   getenv("PERSONA_CONFIG_DIR", "configs/personas"),
		PromptManifestPath: os.Getenv("PROMPT_MANIFEST_PATH"),

		GenerationMode: GenerationMode(getenv("GENERATION_MODE", string(ModeDeterministic))),
		LLMBaseURL:     os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMModel:       os.Getenv("LLM_MODEL"),
		StubFixtures:   os.Getenv("STUB_FIXTURES_PATH"),

		AutoCommentaryConfig: os.Getenv("AUTO_COMMENTARY_CONFIG_PATH"),

		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		EmbeddingsProvider: os.Getenv("EMBEDDINGS_PROVIDER"),
		EmbeddingsBaseURL:  os.Getenv("EMBEDDINGS_BASE_URL"),
		EmbeddingsAPIKey:   os.Getenv("EMBEDDINGS_API_KEY"),
		EmbeddingsModel:    os.Getenv("EMBEDDINGS_MODEL"),
	}

	var err error
	if s.AutoCommentaryEnabled, err = getenvBool("AUTO_COMMENTARY_ENABLED", false); err != nil {
		return nil, err
	}

	var errs []error
	if !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: LOG_LEVEL %q invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if !s.GenerationMode.IsValid() {
		errs = append(errs, fmt.Errorf("config: GENERATION_MODE %q invalid; valid values: deterministic, stub, litellm", s.GenerationMode))
	}
	if s.GenerationMode == ModeLiteLLM && s.LLMModel == "" {
		errs = append(errs, errors.New("config: GENERATION_MODE=litellm requires LLM_MODEL"))
	}
	switch s.EmbeddingsProvider {
	case "", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("config: EMBEDDINGS_PROVIDER %q invalid; valid values: openai, ollama", s.EmbeddingsProvider))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s %q is not a boolean: %w", key, v, err)
	}
	return b, nil
}
