// Package eventfeed fans pipeline stage events out to the bus and the run
// history without ever blocking a run.
package eventfeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/flow"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Publisher sends an event to subscribers.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder persists a batch of events.
type Recorder interface {
	AppendEvents(ctx context.Context, events []eventstore.Event) error
}

const storeTimeout = 5 * time.Second

// Feed is a pipeline.Observer. Observe only enqueues; a background loop
// started by Start publishes each event and hands it to a timed batcher that
// writes to the recorder. When the queue is full the configured overflow
// policy decides which event is lost.
type Feed struct {
	buf       *flow.Buffer[pipeline.Event]
	batcher   flow.Batcher[eventstore.Event]
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger

	startOnce sync.Once
	done      chan struct{}
}

// New builds a feed. publisher and recorder may be nil.
func New(cfg config.FlowControlConfig, publisher Publisher, recorder Recorder, logger *slog.Logger) (*Feed, error) {
	policy, err := flow.ParseOverflow(cfg.EventStrategy)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		buf: flow.NewBuffer[pipeline.Event](cfg.EventBuffer, policy),
		batcher: flow.Batcher[eventstore.Event]{
			MaxSize: cfg.StoreBatchSize,
			MaxWait: time.Duration(cfg.StoreBatchIntervalMS) * time.Millisecond,
		},
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.With(slog.String("component", "eventfeed")),
		done:      make(chan struct{}),
	}
	f.buf.OnDrop = func(evt pipeline.Event) {
		f.logger.Debug("pipeline event dropped",
			slog.String("run_id", evt.RunID),
			slog.String("stage", evt.Stage.String()),
			slog.String("policy", policy.String()))
	}
	return f, nil
}

// Observe implements pipeline.Observer.
func (f *Feed) Observe(evt pipeline.Event) {
	f.buf.Offer(evt)
}

// Start launches the delivery loop. It stops when ctx is done or Close is
// called.
func (f *Feed) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		records := make(chan eventstore.Event)
		go func() {
			defer close(f.done)
			f.batcher.Run(context.Background(), records, f.store)
		}()
		go func() {
			defer close(records)
			for evt := range f.buf.All(ctx) {
				f.publish(evt)
				records <- toRecord(evt)
			}
		}()
	})
}

// Close stops accepting events, delivers what is queued and waits for the
// final batch to be written.
func (f *Feed) Close() {
	f.buf.Close()
	f.Start(context.Background())
	<-f.done
}

// Dropped reports how many events the overflow policy discarded.
func (f *Feed) Dropped() int {
	return f.buf.Dropped()
}

func (f *Feed) publish(evt pipeline.Event) {
	if f.publisher == nil {
		return
	}
	msg := protocol.PipelineEvent{
		RunID:        evt.RunID,
		Stage:        evt.Stage.String(),
		Tokens:       evt.Tokens,
		Sentences:    evt.Sentences,
		Chunks:       evt.Chunks,
		ElapsedMS:    evt.Elapsed.Milliseconds(),
		FirstChunkMS: evt.FirstChunk.Milliseconds(),
		Response:     evt.Response,
		Error:        evt.Err,
		Timestamp:    evt.Time.UTC(),
	}
	if err := f.publisher.PublishJSON(protocol.SubjectPipelineEvent, msg); err != nil {
		f.logger.Warn("failed to publish pipeline event", slog.String("error", err.Error()))
	}
}

func (f *Feed) store(batch []eventstore.Event) {
	if f.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := f.recorder.AppendEvents(ctx, batch); err != nil {
		f.logger.Warn("failed to store pipeline events",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()))
	}
}

func toRecord(evt pipeline.Event) eventstore.Event {
	return eventstore.Event{
		RunID:      evt.RunID,
		Stage:      evt.Stage.String(),
		Terminal:   evt.Stage.Terminal(),
		Input:      evt.Input,
		Tokens:     evt.Tokens,
		Sentences:  evt.Sentences,
		Chunks:     evt.Chunks,
		Elapsed:    evt.Elapsed,
		FirstChunk: evt.FirstChunk,
		Response:   evt.Response,
		Error:      evt.Err,
		CreatedAt:  evt.Time,
	}
}
