package correlation

import (
	"context"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/publish"
)

var _ publish.Processor = ProcessorWrapper{}

// ProcessorWrapper is an extension component that adds Correlation,
// Causation and Process ids to the context of the underlying publish.Processor
// instance, taken from the Event Stream received in Process.
type ProcessorWrapper struct {
	publish.Processor
}

// Process processes the Event Stream with the wrapped publish.Processor,
// using an augmented context containing the Stream correlation ids.
func (pw ProcessorWrapper) Process(ctx context.Context, stream event.Stream) error {
	if correlationID := stream.Items.Get(message.CorrelationIDKey); correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}

	if processID := stream.Items.Get(message.ProcessIDKey); processID != "" {
		ctx = WithProcessID(ctx, processID)
	}

	// New Commands sent from inside the Processor are going to be
	// caused by the Stream processed, hence the usage of the Stream id as causation.
	ctx = WithCausationID(ctx, stream.ID)

	return pw.Processor.Process(ctx, stream)
}
