package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-voice/pipeline"

type metrics struct {
	tokens     metric.Int64Counter
	sentences  metric.Int64Counter
	chunks     metric.Int64Counter
	runs       metric.Int64Counter
	retries    metric.Int64Counter
	duration   metric.Float64Histogram
	firstChunk metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m    metrics
		err  error
		errs []error
	)
	m.tokens, err = meter.Int64Counter("pipeline.tokens",
		metric.WithDescription("Text fragments received from the completion source"))
	errs = append(errs, err)
	m.sentences, err = meter.Int64Counter("pipeline.sentences",
		metric.WithDescription("Sentences dispatched to synthesis"))
	errs = append(errs, err)
	m.chunks, err = meter.Int64Counter("pipeline.audio_chunks",
		metric.WithDescription("Audio chunks delivered to callers"))
	errs = append(errs, err)
	m.runs, err = meter.Int64Counter("pipeline.runs",
		metric.WithDescription("Finished pipeline runs by outcome"))
	errs = append(errs, err)
	m.retries, err = meter.Int64Counter("pipeline.completion.retries",
		metric.WithDescription("Completion attempts restarted after a failure"))
	errs = append(errs, err)
	m.duration, err = meter.Float64Histogram("pipeline.run.duration",
		metric.WithDescription("Wall time of a pipeline run"), metric.WithUnit("ms"))
	errs = append(errs, err)
	m.firstChunk, err = meter.Float64Histogram("pipeline.first_chunk.latency",
		metric.WithDescription("Time from run start to the first audio chunk"), metric.WithUnit("ms"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

func noopMetrics() *metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

func (m *metrics) recordRun(ctx context.Context, run *Run, outcome Stage) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(run.clock().Sub(run.StartedAt))/float64(time.Millisecond), attrs)
	if fc := run.firstChunk.Load(); fc > 0 {
		m.firstChunk.Record(ctx, float64(fc)/float64(time.Millisecond))
	}
}
