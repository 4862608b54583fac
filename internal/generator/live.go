package generator

import (
	"context"
	"fmt"
	"time"

	anyllm "github.com/mozilla-ai/any-llm-go"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
	"golang.org/x/sync/semaphore"
)

// Live generation limits.
const (
	DefaultLLMTimeout     = 3 * time.Second
	DefaultLLMConcurrency = 8

	liveTemperature = 0.9
	liveMaxTokens   = 120
)

// Completer is the minimal LLM surface the live backend needs. Satisfied by
// [AnyLLMCompleter]; tests substitute a fake.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Live calls an external LLM with a process-wide concurrency cap and a
// per-call timeout. Failures yield an empty line, never an aborted worker.
type Live struct {
	completer Completer
	sem       *semaphore.Weighted
	timeout   time.Duration
}

var _ Generator = (*Live)(nil)

// LiveOption configures a [Live] backend.
type LiveOption func(*Live)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) LiveOption {
	return func(l *Live) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithConcurrency overrides the process-wide in-flight cap.
func WithConcurrency(n int64) LiveOption {
	return func(l *Live) {
		if n > 0 {
			l.sem = semaphore.NewWeighted(n)
		}
	}
}

// NewLive wraps completer with the concurrency and deadline guards.
func NewLive(completer Completer, opts ...LiveOption) *Live {
	l := &Live{
		completer: completer,
		sem:       semaphore.NewWeighted(DefaultLLMConcurrency),
		timeout:   DefaultLLMTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Live) Mode() string { return "litellm" }

func (l *Live) Generate(ctx context.Context, req *Request) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("generator: acquire llm slot: %w", err)
	}
	defer l.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	system, user := BuildPrompts(req)
	text, err := l.completer.Complete(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("generator: llm completion: %w", err)
	}
	return text, nil
}

// AnyLLMCompleter implements [Completer] over an any-llm-go provider.
type AnyLLMCompleter struct {
	backend anyllm.Provider
	model   string
}

var _ Completer = (*AnyLLMCompleter)(nil)

// NewOpenAICompatible connects to any OpenAI-compatible endpoint, covering
// both the hosted API and local proxies. apiKey and baseURL may be empty,
// falling back to the provider's environment defaults.
func NewOpenAICompatible(model, baseURL, apiKey string) (*AnyLLMCompleter, error) {
	if model == "" {
		return nil, fmt.Errorf("generator: llm model must not be empty")
	}
	var opts []anyllm.Option
	if apiKey != "" {
		opts = append(opts, anyllm.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllm.WithBaseURL(baseURL))
	}
	backend, err := anyllmoai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("generator: create llm backend: %w", err)
	}
	return &AnyLLMCompleter{backend: backend, model: model}, nil
}

func (c *AnyLLMCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	temp := liveTemperature
	maxTokens := liveMaxTokens
	resp, err := c.backend.Completion(ctx, anyllm.CompletionParams{
		Model: c.model,
		Messages: []anyllm.Message{
			{Role: anyllm.RoleSystem, Content: system},
			{Role: anyllm.RoleUser, Content: user},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
