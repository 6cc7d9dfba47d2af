// Package opentelemetry provides OpenTelemetry instrumentation, in the form
// of traces and metrics, for Event Stores and Processors.
package opentelemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/get-consistently/go-consistently/opentelemetry"

type instrumentation struct {
	meters     metric.MeterProvider
	tracers    trace.TracerProvider
	attributes []attribute.KeyValue
}

// Option configures the instrumentation of a wrapped component.
type Option func(*instrumentation)

// WithMeterProvider sets the metric.MeterProvider used to create instruments.
// Defaults to the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(i *instrumentation) { i.meters = provider }
}

// WithTracerProvider sets the trace.TracerProvider used to start spans.
// Defaults to the global one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(i *instrumentation) { i.tracers = provider }
}

// WithAttributes adds attributes to every span and measurement
// recorded by the wrapped component.
func WithAttributes(attributes ...attribute.KeyValue) Option {
	return func(i *instrumentation) { i.attributes = append(i.attributes, attributes...) }
}

func newInstrumentation(options ...Option) instrumentation {
	i := instrumentation{
		meters:  otel.GetMeterProvider(),
		tracers: otel.GetTracerProvider(),
	}

	for _, apply := range options {
		apply(&i)
	}

	return i
}

func (i instrumentation) meter() metric.Meter { return i.meters.Meter(instrumentationName) }

func (i instrumentation) tracer() trace.Tracer { return i.tracers.Tracer(instrumentationName) }

// with returns the static attributes followed by the given ones.
func (i instrumentation) with(attributes ...attribute.KeyValue) []attribute.KeyValue {
	if len(i.attributes) == 0 {
		return attributes
	}

	all := make([]attribute.KeyValue, 0, len(i.attributes)+len(attributes))
	all = append(all, i.attributes...)

	return append(all, attributes...)
}
