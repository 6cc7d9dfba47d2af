package opentelemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/internal/storetest"
	"github.com/get-consistently/go-consistently/opentelemetry"
	"github.com/get-consistently/go-consistently/publish"
)

func options() []opentelemetry.Option {
	return []opentelemetry.Option{
		opentelemetry.WithMeterProvider(metricnoop.NewMeterProvider()),
		opentelemetry.WithTracerProvider(tracenoop.NewTracerProvider()),
		opentelemetry.WithAttributes(attribute.String("service.name", "opentelemetry-test")),
	}
}

func TestInstrumentedEventStore(t *testing.T) {
	store, err := opentelemetry.NewInstrumentedEventStore(event.NewInMemoryStore(), options()...)
	require.NoError(t, err)

	storetest.EventStore(store)(t)
}

func TestInstrumentedProcessor(t *testing.T) {
	ctx := context.Background()
	errProcessing := errors.New("projection is unavailable")

	var received []event.Stream

	inner := publish.NewProcessor("projection", func(_ context.Context, stream event.Stream) error {
		received = append(received, stream)

		if stream.Version == 2 {
			return errProcessing
		}

		return nil
	})

	processor, err := opentelemetry.NewInstrumentedProcessor(inner, options()...)
	require.NoError(t, err)

	assert.Equal(t, "projection", processor.Name())

	id := uuid.NewString()
	require.NoError(t, processor.Process(ctx, storetest.NewStream(id, 1, uuid.NewString())))
	assert.ErrorIs(t, processor.Process(ctx, storetest.NewStream(id, 2, uuid.NewString())), errProcessing)
	assert.Len(t, received, 2)
}
