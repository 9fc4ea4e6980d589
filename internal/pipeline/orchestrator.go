// Package pipeline streams a text reply from a completion source through
// sentence assembly and per-sentence speech synthesis into fixed-size audio
// chunks.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/flow"
	"github.com/loqalabs/loqa-voice/internal/reframe"
	"github.com/loqalabs/loqa-voice/internal/sentence"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options are the immutable per-orchestrator settings shared by every run.
type Options struct {
	ChunkSize         int
	CompletionTimeout time.Duration
	SynthesisTimeout  time.Duration
	CompletionRetries int
	RetryDelay        time.Duration
	FlushTrailing     bool
	CompletionWorkers int
	SynthesisWorkers  int
	PullBatch         int
}

// OptionsFromConfig builds Options from the pipeline config section.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		ChunkSize:         cfg.ChunkSize,
		CompletionTimeout: time.Duration(cfg.CompletionTimeoutMS) * time.Millisecond,
		SynthesisTimeout:  time.Duration(cfg.SynthesisTimeoutMS) * time.Millisecond,
		CompletionRetries: cfg.CompletionRetryAttempts,
		RetryDelay:        time.Duration(cfg.CompletionRetryDelayMS) * time.Millisecond,
		FlushTrailing:     cfg.FlushTrailing,
		CompletionWorkers: cfg.CompletionWorkers,
		SynthesisWorkers:  cfg.SynthesisWorkers,
		PullBatch:         cfg.PullBatch,
	}
}

// Orchestrator runs the voice pipeline. It is safe for concurrent use; runs
// share nothing but the options and the worker pools that bound remote calls.
type Orchestrator struct {
	completion     CompletionSource
	synthesis      SynthesisSource
	scheduler      *Scheduler
	completionPool *pool
	opts           Options
	logger         *slog.Logger
	observer       Observer
	metrics        *metrics
	tracer         trace.Tracer
	clock          func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithObserver delivers every run's stage events to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithMeter records pipeline metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(o *Orchestrator) {
		if m, err := newMetrics(meter); err == nil {
			o.metrics = m
		}
	}
}

// WithTracer records run spans on tracer instead of the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// New returns an orchestrator over the given sources.
func New(completion CompletionSource, synthesis SynthesisSource, opts Options, logger *slog.Logger, options ...Option) *Orchestrator {
	logger = logger.With(slog.String("component", "pipeline"))
	o := &Orchestrator{
		completion:     completion,
		synthesis:      synthesis,
		scheduler:      NewScheduler(synthesis, opts.SynthesisWorkers, opts.SynthesisTimeout, logger),
		completionPool: newPool(opts.CompletionWorkers),
		opts:           opts,
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		clock:          time.Now,
	}
	if m, err := newMetrics(otel.Meter(instrumentationName)); err != nil {
		logger.Warn("failed to initialize pipeline metrics", slogError(err))
		o.metrics = noopMetrics()
	} else {
		o.metrics = m
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// ChunkSize returns the configured output chunk size.
func (o *Orchestrator) ChunkSize() int { return o.opts.ChunkSize }

// Run streams audio chunks of the configured size for text.
func (o *Orchestrator) Run(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return o.RunWithChunkSize(ctx, text, o.opts.ChunkSize)
}

// RunEncoded is Run with every chunk encoded as standard base64, for
// line-oriented transports.
func (o *Orchestrator) RunEncoded(ctx context.Context, text string) iter.Seq2[string, error] {
	return Encode(o.Run(ctx, text))
}

// Encode maps a chunk stream to base64 strings.
func Encode(chunks iter.Seq2[[]byte, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for chunk, err := range chunks {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(base64.StdEncoding.EncodeToString(chunk), nil) {
				return
			}
		}
	}
}

// RunWithChunkSize streams audio for text regrouped into chunkSize bytes; a
// chunkSize <= 0 yields synthesis fragments unmodified. The sequence is lazy:
// nothing starts until it is ranged over, and breaking out of the range
// cancels every in-flight remote call of the run. A failure ends the sequence
// with a single *Error.
func (o *Orchestrator) RunWithChunkSize(ctx context.Context, text string, chunkSize int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, span := o.tracer.Start(ctx, "pipeline.run",
			trace.WithAttributes(attribute.Int("pipeline.chunk_size", chunkSize)))
		defer span.End()

		run := newRun(text, o.runObserver(span), o.clock)
		span.SetAttributes(attribute.String("pipeline.run_id", run.ID))
		logger := o.logger.With(slog.String("run_id", run.ID))

		if strings.TrimSpace(text) == "" {
			err := &Error{Kind: KindMalformedInput, Stage: StageStarted, Err: errors.New("input text is empty")}
			o.end(ctx, span, run, logger, err)
			yield(nil, err)
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		logger.Debug("pipeline run started", slog.Int("chunk_size", chunkSize))
		warm := startWarmup(runCtx, o.scheduler.pool, o.opts.SynthesisTimeout, o.synthesis.Prepare, logger)
		sentences := o.sentences(runCtx, run, text, logger)
		audio := o.scheduler.stream(runCtx, sentences.All(runCtx), warm, func(_ int, s string) {
			run.addSentence(s)
			o.metrics.sentences.Add(runCtx, 1)
			run.advance(StageSynthesizing)
		})

		for chunk, err := range reframe.Reframe(observeFragments(run, audio), chunkSize) {
			if err != nil {
				failure := classify(runCtx, nil, run.Stage(), err)
				cancel()
				o.end(ctx, span, run, logger, failure)
				yield(nil, failure)
				return
			}
			run.addChunk()
			o.metrics.chunks.Add(ctx, 1)
			if !yield(chunk, nil) {
				cancel()
				o.end(ctx, span, run, logger, &Error{Kind: KindCancelled, Stage: run.Stage(), Err: errors.New("consumer stopped reading")})
				return
			}
		}
		o.end(ctx, span, run, logger, nil)
	}
}

func observeFragments(run *Run, audio iter.Seq2[[]byte, error]) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for frag, err := range audio {
			if err == nil {
				run.advance(StageReframing)
			}
			if !yield(frag, err) {
				return
			}
		}
	}
}

func (o *Orchestrator) runObserver(span trace.Span) Observer {
	return ObserverFunc(func(evt Event) {
		span.AddEvent(evt.Stage.String())
		if o.observer != nil {
			o.observer.Observe(evt)
		}
	})
}

// sentences consumes the completion stream on its own goroutine so the
// completion call is never held back by synthesis.
func (o *Orchestrator) sentences(ctx context.Context, run *Run, prompt string, logger *slog.Logger) *flow.Queue[string] {
	q := flow.NewQueue[string]()
	go func() {
		if err := o.complete(ctx, run, prompt, q, logger); err != nil {
			q.Close(err)
			return
		}
		q.Close(nil)
	}()
	return q
}

// complete runs the completion call, retrying the whole stream from scratch
// while the failed attempt has not yet handed a sentence downstream. Once a
// sentence is committed a failure is terminal, so the output never mixes two
// attempts.
func (o *Orchestrator) complete(ctx context.Context, run *Run, prompt string, q *flow.Queue[string], logger *slog.Logger) *Error {
	var last *Error
	for attempt := 0; attempt <= o.opts.CompletionRetries; attempt++ {
		if attempt > 0 {
			o.metrics.retries.Add(ctx, 1)
			logger.Warn("retrying completion",
				slog.Int("attempt", attempt+1),
				slog.String("kind", last.Kind.String()),
				slogError(last))
			if err := sleep(ctx, o.opts.RetryDelay); err != nil {
				return classify(ctx, nil, StageRetrievingTokens, err)
			}
		}
		committed, err := o.attempt(ctx, run, prompt, q)
		if err == nil {
			return nil
		}
		last = err
		if err.Kind == KindCancelled || committed {
			break
		}
	}
	return last
}

func (o *Orchestrator) attempt(ctx context.Context, run *Run, prompt string, q *flow.Queue[string]) (committed bool, _ *Error) {
	if err := o.completionPool.acquire(ctx); err != nil {
		return false, classify(ctx, nil, StageRetrievingTokens, err)
	}
	defer o.completionPool.release()

	run.advance(StageRetrievingTokens)
	callCtx, cancel := withDeadline(ctx, o.opts.CompletionTimeout, errCompletionDeadline)
	defer cancel()

	opts := []sentence.Option{sentence.WithFragmentHook(func(string) {
		run.tokens.Add(1)
		o.metrics.tokens.Add(ctx, 1)
		run.advance(StageAssemblingSentences)
	})}
	if o.opts.FlushTrailing {
		opts = append(opts, sentence.WithTrailingFlush())
	}

	fragments := flow.RateLimited(callCtx, o.completion.StreamCompletion(callCtx, prompt), o.opts.PullBatch, nil)
	for s, err := range sentence.Assemble(fragments, opts...) {
		if err != nil {
			return committed, classify(ctx, callCtx, StageRetrievingTokens, err)
		}
		q.Push(s)
		committed = true
	}
	if callCtx.Err() != nil {
		return committed, classify(ctx, callCtx, StageRetrievingTokens, context.Cause(callCtx))
	}
	return committed, nil
}

func (o *Orchestrator) end(ctx context.Context, span trace.Span, run *Run, logger *slog.Logger, err error) {
	stage := StageCompleted
	if err != nil {
		stage = StageFailed
		if KindOf(err) == KindCancelled {
			stage = StageCancelled
		}
	}
	if !run.finish(stage, err) {
		return
	}
	o.metrics.recordRun(context.WithoutCancel(ctx), run, stage)

	tokens, sentences, chunks := run.Counts()
	span.SetAttributes(
		attribute.String("pipeline.outcome", stage.String()),
		attribute.Int64("pipeline.tokens", tokens),
		attribute.Int64("pipeline.sentences", sentences),
		attribute.Int64("pipeline.audio_chunks", chunks),
	)
	attrs := []any{
		slog.String("stage", stage.String()),
		slog.Int64("tokens", tokens),
		slog.Int64("sentences", sentences),
		slog.Int64("audio_chunks", chunks),
		slog.Duration("elapsed", o.clock().Sub(run.StartedAt)),
	}
	switch stage {
	case StageFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("pipeline run failed", append(attrs, slogError(err))...)
	case StageCancelled:
		logger.Info("pipeline run cancelled", attrs...)
	default:
		logger.Info("pipeline run completed", attrs...)
	}
}

func withDeadline(ctx context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
