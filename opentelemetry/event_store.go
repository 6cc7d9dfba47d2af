package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/version"
)

// Attribute keys used by the instrumentation.
const (
	ErrorAttribute            attribute.Key = "error"
	AggregateIDAttribute      attribute.Key = "aggregate.id"
	AggregateTypeAttribute    attribute.Key = "aggregate.type"
	StreamVersionAttribute    attribute.Key = "event_stream.version"
	StreamCommandIDAttribute  attribute.Key = "event_stream.command_id"
	BatchSizeAttribute        attribute.Key = "event_store.batch_size"
	AppendResultAttribute     attribute.Key = "event_store.append_result"
	VersionRangeFromAttribute attribute.Key = "event_store.range_from"
	ProcessorAttribute        attribute.Key = "processor.name"
)

var _ event.Store = new(InstrumentedEventStore)

// InstrumentedEventStore wraps an event.Store to record traces and
// metrics of its operations.
//
// Use NewInstrumentedEventStore to create a new instance.
type InstrumentedEventStore struct {
	store event.Store
	inst  instrumentation

	tracer         trace.Tracer
	appendDuration metric.Int64Histogram
	queryDuration  metric.Int64Histogram
	appendResults  metric.Int64Counter
}

func (ies *InstrumentedEventStore) registerMetrics(meter metric.Meter) error {
	var err error

	if ies.appendDuration, err = meter.Int64Histogram(
		"consistently.event_store.append.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of Event Store appends, single and batch."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.queryDuration, err = meter.Int64Histogram(
		"consistently.event_store.query.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of Event Store queries."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	if ies.appendResults, err = meter.Int64Counter(
		"consistently.event_store.append.results",
		metric.WithDescription("Outcomes of Event Store appends, including constraint violations."),
	); err != nil {
		return fmt.Errorf("opentelemetry.InstrumentedEventStore: failed to register metric, %w", err)
	}

	return nil
}

// NewInstrumentedEventStore returns an InstrumentedEventStore wrapping the store.
//
// An error is returned if metrics could not be registered.
func NewInstrumentedEventStore(store event.Store, options ...Option) (*InstrumentedEventStore, error) {
	inst := newInstrumentation(options...)

	ies := &InstrumentedEventStore{
		store:  store,
		inst:   inst,
		tracer: inst.tracer(),
	}

	if err := ies.registerMetrics(inst.meter()); err != nil {
		return nil, err
	}

	return ies, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func (ies *InstrumentedEventStore) recordAppend(
	ctx context.Context,
	span trace.Span,
	start time.Time,
	result event.AppendResult,
	err error,
) {
	ies.appendDuration.Record(ctx, time.Since(start).Milliseconds(),
		metric.WithAttributes(ies.inst.with(ErrorAttribute.Bool(err != nil))...))

	if err == nil {
		ies.appendResults.Add(ctx, 1,
			metric.WithAttributes(ies.inst.with(AppendResultAttribute.String(result.String()))...))
		span.SetAttributes(AppendResultAttribute.String(result.String()))
	}

	endSpan(span, err)
}

// Append calls the wrapped event.Store.Append, recording its duration and outcome.
func (ies *InstrumentedEventStore) Append(ctx context.Context, stream event.Stream) (result event.AppendResult, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Store.Append", trace.WithAttributes(ies.inst.with(
		AggregateIDAttribute.String(stream.AggregateID),
		AggregateTypeAttribute.String(stream.AggregateType),
		StreamVersionAttribute.Int64(int64(stream.Version)),
		StreamCommandIDAttribute.String(stream.CommandID),
	)...))

	start := time.Now()
	defer func() { ies.recordAppend(ctx, span, start, result, err) }()

	return ies.store.Append(ctx, stream)
}

// BatchAppend calls the wrapped event.Store.BatchAppend, recording its duration and outcome.
func (ies *InstrumentedEventStore) BatchAppend(
	ctx context.Context,
	streams []event.Stream,
) (result event.AppendResult, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Store.BatchAppend", trace.WithAttributes(ies.inst.with(
		BatchSizeAttribute.Int(len(streams)),
	)...))

	start := time.Now()
	defer func() { ies.recordAppend(ctx, span, start, result, err) }()

	return ies.store.BatchAppend(ctx, streams)
}

// QueryByVersionRange calls the wrapped event.Store.QueryByVersionRange, recording its duration.
func (ies *InstrumentedEventStore) QueryByVersionRange(
	ctx context.Context,
	aggregateID string,
	r version.Range,
) (streams []event.Stream, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Store.QueryByVersionRange", trace.WithAttributes(ies.inst.with(
		AggregateIDAttribute.String(aggregateID),
		VersionRangeFromAttribute.Int64(int64(r.From)),
	)...))

	start := time.Now()

	defer func() {
		ies.queryDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(ies.inst.with(
			attribute.String("operation", "QueryByVersionRange"),
			ErrorAttribute.Bool(err != nil),
		)...))

		endSpan(span, err)
	}()

	return ies.store.QueryByVersionRange(ctx, aggregateID, r)
}

// FindByCommandID calls the wrapped event.Store.FindByCommandID, recording its duration.
func (ies *InstrumentedEventStore) FindByCommandID(
	ctx context.Context,
	aggregateID, commandID string,
) (stream event.Stream, found bool, err error) {
	ctx, span := ies.tracer.Start(ctx, "event.Store.FindByCommandID", trace.WithAttributes(ies.inst.with(
		AggregateIDAttribute.String(aggregateID),
		StreamCommandIDAttribute.String(commandID),
	)...))

	start := time.Now()

	defer func() {
		ies.queryDuration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(ies.inst.with(
			attribute.String("operation", "FindByCommandID"),
			ErrorAttribute.Bool(err != nil),
		)...))

		endSpan(span, err)
	}()

	return ies.store.FindByCommandID(ctx, aggregateID, commandID)
}
