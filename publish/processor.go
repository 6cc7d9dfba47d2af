package publish

import (
	"context"

	"github.com/get-consistently/go-consistently/event"
)

// Processor represents a component that can process committed Event Streams,
// such as a Projection or a Process Manager.
//
// Processors receive the Event Streams of each Aggregate in order,
// with no gaps and no duplicates, but at least once in case of failures:
// a Stream is considered processed only when Process returns nil.
type Processor interface {
	// Name uniquely identifies the Processor, and is used to record
	// its delivery progress.
	Name() string

	Process(ctx context.Context, stream event.Stream) error
}

type processorFunc struct {
	name string
	fn   func(ctx context.Context, stream event.Stream) error
}

func (p processorFunc) Name() string { return p.name }

func (p processorFunc) Process(ctx context.Context, stream event.Stream) error {
	return p.fn(ctx, stream)
}

// NewProcessor returns a named Processor using the provided function.
func NewProcessor(name string, fn func(ctx context.Context, stream event.Stream) error) Processor {
	return processorFunc{name: name, fn: fn}
}
