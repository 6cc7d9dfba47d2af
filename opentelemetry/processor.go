package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/publish"
)

var _ publish.Processor = new(InstrumentedProcessor)

// InstrumentedProcessor wraps a publish.Processor to record a span
// and the processing duration of every Event Stream it receives.
type InstrumentedProcessor struct {
	processor publish.Processor
	inst      instrumentation

	tracer   trace.Tracer
	duration metric.Int64Histogram
}

// NewInstrumentedProcessor returns an InstrumentedProcessor wrapping the processor.
//
// An error is returned if metrics could not be registered.
func NewInstrumentedProcessor(processor publish.Processor, options ...Option) (*InstrumentedProcessor, error) {
	inst := newInstrumentation(options...)

	duration, err := inst.meter().Int64Histogram(
		"consistently.processor.process.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of Event Stream processing, per Processor."),
	)
	if err != nil {
		return nil, fmt.Errorf("opentelemetry.InstrumentedProcessor: failed to register metric, %w", err)
	}

	return &InstrumentedProcessor{
		processor: processor,
		inst:      inst,
		tracer:    inst.tracer(),
		duration:  duration,
	}, nil
}

// Name returns the name of the wrapped Processor, so that published
// versions are recorded as if the Processor was not wrapped.
func (ip *InstrumentedProcessor) Name() string { return ip.processor.Name() }

// Process calls the wrapped Processor, recording its duration and outcome.
func (ip *InstrumentedProcessor) Process(ctx context.Context, stream event.Stream) (err error) {
	ctx, span := ip.tracer.Start(ctx, "publish.Processor.Process", trace.WithAttributes(ip.inst.with(
		ProcessorAttribute.String(ip.processor.Name()),
		AggregateIDAttribute.String(stream.AggregateID),
		AggregateTypeAttribute.String(stream.AggregateType),
		StreamVersionAttribute.Int64(int64(stream.Version)),
	)...))

	start := time.Now()

	defer func() {
		ip.duration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(ip.inst.with(
			ProcessorAttribute.String(ip.processor.Name()),
			ErrorAttribute.Bool(err != nil),
		)...))

		endSpan(span, err)
	}()

	return ip.processor.Process(ctx, stream)
}
