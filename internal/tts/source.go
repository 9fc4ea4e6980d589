package tts

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Source exposes a Synthesizer as a per-sentence audio stream for the
// pipeline.
type Source struct {
	synth      Synthesizer
	voice      string
	warmupText string
	logger     *slog.Logger
}

// NewSource wraps synth. When synth has no Prepare of its own, warm-up
// synthesizes warmupText and discards the audio; an empty warmupText makes
// warm-up a no-op.
func NewSource(synth Synthesizer, voice, warmupText string, logger *slog.Logger) *Source {
	return &Source{
		synth:      synth,
		voice:      voice,
		warmupText: warmupText,
		logger:     logger.With(slog.String("component", "tts")),
	}
}

// NewFromConfig selects the backend named by cfg.Mode.
func NewFromConfig(cfg config.TTSConfig, logger *slog.Logger) (*Source, error) {
	var (
		synth Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "", "mock":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.MockDelayMS)*time.Millisecond)
	case "exec":
		synth, err = NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "openai":
		synth = NewOpenAISynth(cfg.APIKey, cfg.Endpoint, cfg.Model, cfg.ReadSize)
	default:
		err = fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return NewSource(synth, cfg.Voice, cfg.WarmupText, logger), nil
}

// Prepare warms the backend up.
func (s *Source) Prepare(ctx context.Context) error {
	if p, ok := s.synth.(Preparer); ok {
		return p.Prepare(ctx)
	}
	if s.warmupText == "" {
		return nil
	}
	start := time.Now()
	for _, err := range s.StreamAudio(ctx, s.warmupText) {
		if err != nil {
			return fmt.Errorf("warm-up synthesis: %w", err)
		}
	}
	s.logger.Debug("tts warm-up complete", slog.Duration("latency", time.Since(start)))
	return nil
}

// StreamAudio yields the PCM of every non-empty chunk for sentence.
func (s *Source) StreamAudio(ctx context.Context, sentence string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{Text: sentence, Voice: s.voice})
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				if len(chunk.PCM) == 0 {
					continue
				}
				if !yield(chunk.PCM, nil) {
					return
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					yield(nil, err)
					return
				}
			}
		}
	}
}
