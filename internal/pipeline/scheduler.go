package pipeline

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/flow"
)

// Scheduler turns a stream of sentences into one ordered stream of audio
// fragments. The first sentence is dispatched as soon as it arrives, before
// the consumer asks for audio. Every later sentence is dispatched only after
// the previous synthesis call has finished and the consumer has started on
// the sentence before it, so at most one call is in flight per run and at
// most two sentences of audio are buffered. Output is the strict
// concatenation of per-sentence audio in sentence order.
type Scheduler struct {
	source  SynthesisSource
	pool    *pool
	timeout time.Duration
	logger  *slog.Logger
}

// NewScheduler returns a scheduler whose synthesis calls are limited to
// workers concurrent calls and to timeout each (0 disables the deadline).
func NewScheduler(source SynthesisSource, workers int, timeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:  source,
		pool:    newPool(workers),
		timeout: timeout,
		logger:  logger,
	}
}

type segment struct {
	index    int
	sentence string
	audio    *flow.Queue[[]byte]
}

// Synthesize starts a warm-up for this call and streams the audio for
// sentences. An error from sentences or from any synthesis call ends the
// stream; sentences not yet dispatched are never synthesized.
func (s *Scheduler) Synthesize(ctx context.Context, sentences iter.Seq2[string, error]) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		warm := startWarmup(ctx, s.pool, s.timeout, s.source.Prepare, s.logger)
		for frag, err := range s.stream(ctx, sentences, warm, nil) {
			if !yield(frag, err) || err != nil {
				return
			}
		}
	}
}

func (s *Scheduler) stream(ctx context.Context, sentences iter.Seq2[string, error], warm *warmup, onDispatch func(int, string)) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		segments := make(chan *segment, 1)
		go s.dispatch(ctx, sentences, warm, segments, onDispatch)

		for {
			var (
				seg *segment
				ok  bool
			)
			select {
			case seg, ok = <-segments:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
			if !ok {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
				}
				return
			}
			for frag, err := range seg.audio.All(ctx) {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(frag, nil) {
					return
				}
			}
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, sentences iter.Seq2[string, error], warm *warmup, out chan<- *segment, onDispatch func(int, string)) {
	defer close(out)
	index := 0
	for text, err := range sentences {
		seg := &segment{index: index, sentence: text, audio: flow.NewQueue[[]byte]()}
		if err != nil {
			seg.audio.Close(err)
			select {
			case out <- seg:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- seg:
		case <-ctx.Done():
			return
		}
		if onDispatch != nil {
			onDispatch(index, text)
		}
		if err := s.synthesize(ctx, seg, warm); err != nil {
			if KindOf(err) != KindCancelled {
				s.logger.Warn("sentence synthesis failed",
					slog.Int("sentence", seg.index),
					slogError(err))
			}
			return
		}
		index++
	}
}

func (s *Scheduler) synthesize(ctx context.Context, seg *segment, warm *warmup) (err error) {
	defer func() { seg.audio.Close(err) }()

	if warm != nil {
		if err := warm.wait(ctx); err != nil {
			return classify(ctx, nil, StageSynthesizing, err)
		}
	}
	if err := s.pool.acquire(ctx); err != nil {
		return classify(ctx, nil, StageSynthesizing, err)
	}
	defer s.pool.release()

	callCtx, cancel := withDeadline(ctx, s.timeout, errSynthesisDeadline)
	defer cancel()

	start := time.Now()
	fragments := 0
	for frag, ferr := range s.source.StreamAudio(callCtx, seg.sentence) {
		if ferr != nil {
			return classify(ctx, callCtx, StageSynthesizing, ferr)
		}
		seg.audio.Push(frag)
		fragments++
	}
	if callCtx.Err() != nil {
		return classify(ctx, callCtx, StageSynthesizing, context.Cause(callCtx))
	}
	s.logger.Debug("sentence synthesized",
		slog.Int("sentence", seg.index),
		slog.Int("fragments", fragments),
		slog.Duration("latency", time.Since(start)))
	return nil
}
