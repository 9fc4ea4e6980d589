package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
)

var errConsumerStopped = errors.New("consumer stopped")

// Source exposes a Generator as a fragment stream for the pipeline.
type Source struct {
	gen    Generator
	base   Request
	logger *slog.Logger
}

// NewSource wraps gen; base supplies everything but the prompt.
func NewSource(gen Generator, base Request, logger *slog.Logger) *Source {
	return &Source{gen: gen, base: base, logger: logger.With(slog.String("component", "llm"))}
}

// NewFromConfig selects the backend named by cfg.Mode.
func NewFromConfig(cfg config.LLMConfig, logger *slog.Logger) (*Source, error) {
	var (
		gen Generator
		err error
	)
	switch cfg.Mode {
	case "", "mock":
		gen = NewMockGenerator(cfg.MockReply, 0)
	case "ollama":
		gen = NewOllamaGenerator(cfg.Endpoint)
	case "exec":
		gen, err = NewExecGenerator(cfg.Command)
	case "openai":
		gen = NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint)
	case "anthropic":
		gen = NewAnthropicGenerator(cfg.APIKey, cfg.Endpoint)
	default:
		err = fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return NewSource(gen, RequestFromConfig(cfg), logger), nil
}

// StreamCompletion yields the non-empty content of every generated chunk.
func (s *Source) StreamCompletion(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := s.base
		req.Prompt = prompt
		chunks := 0
		err := s.gen.Generate(ctx, req, func(c Chunk) error {
			if c.Content == "" {
				return nil
			}
			chunks++
			if !yield(c.Content, nil) {
				return errConsumerStopped
			}
			return nil
		})
		if errors.Is(err, errConsumerStopped) {
			return
		}
		if err != nil {
			s.logger.Debug("llm generation failed", slog.Int("chunks", chunks), slogError(err))
			yield("", err)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
