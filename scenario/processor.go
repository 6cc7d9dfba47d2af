package scenario

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/retry"
)

// ProcessorInit is the entrypoint of the Processor scenario API.
type ProcessorInit struct{}

// Processor is a scenario type to test how a publish.Processor, e.g. a
// projection or a process manager, reacts to a committed Event Stream.
//
// Streams are delivered through a publish.Resequencer, as in production.
func Processor() ProcessorInit { return ProcessorInit{} }

// Given sets the Event Streams delivered to the Processor before
// the one under test.
func (ProcessorInit) Given(streams ...event.Stream) ProcessorGiven {
	return ProcessorGiven{given: streams}
}

// When provides the Event Stream under test.
func (sc ProcessorInit) When(stream event.Stream) ProcessorWhen {
	return sc.Given().When(stream)
}

// ProcessorGiven is the state of the scenario once the previously
// delivered Event Streams have been provided.
type ProcessorGiven struct {
	given []event.Stream
}

// When provides the Event Stream under test.
func (sc ProcessorGiven) When(stream event.Stream) ProcessorWhen {
	return ProcessorWhen{ProcessorGiven: sc, when: stream}
}

// ProcessorWhen is the state of the scenario once the Event Stream
// under test has been provided.
type ProcessorWhen struct {
	ProcessorGiven

	when event.Stream
}

// Then expects the Processor to handle the Event Stream successfully,
// then runs check to assert on its side effects.
func (sc ProcessorWhen) Then(check func(t *testing.T)) ProcessorThen {
	return ProcessorThen{ProcessorWhen: sc, check: check}
}

// ThenError expects the Processor to fail with an error matching err,
// using errors.Is.
func (sc ProcessorWhen) ThenError(err error) ProcessorThen {
	return ProcessorThen{ProcessorWhen: sc, thenError: err, wantError: true}
}

// ThenFails expects the Processor to fail, with no assertion on the error.
func (sc ProcessorWhen) ThenFails() ProcessorThen {
	return ProcessorThen{ProcessorWhen: sc, wantError: true}
}

// ProcessorThen is the state of the scenario once the preconditions
// and expectations have been fully specified.
type ProcessorThen struct {
	ProcessorWhen

	check     func(t *testing.T)
	thenError error
	wantError bool
}

// AssertOn runs the scenario on the Processor returned by the factory.
func (sc ProcessorThen) AssertOn(t *testing.T, factory func() publish.Processor) { //nolint:gocritic // Value semantics are intended.
	t.Helper()

	ctx := context.Background()
	processor := factory()
	versions := publish.NewInMemoryVersionStore()
	resequencer := publish.NewResequencer(processor, versions, retry.Policy{MaxRetries: 0}, nil)

	for _, stream := range sc.given {
		if err := resequencer.Handle(ctx, stream, func() {}); !assert.NoError(t, err, "failed to deliver %s", stream) {
			return
		}
	}

	err := resequencer.Handle(ctx, sc.when, func() {})

	if sc.wantError {
		if assert.Error(t, err) && sc.thenError != nil {
			assert.ErrorIs(t, err, sc.thenError)
		}

		return
	}

	if !assert.NoError(t, err) {
		return
	}

	published, err := versions.GetVersion(ctx, processor.Name(), sc.when.AggregateID)
	if assert.NoError(t, err) {
		assert.Equal(t, sc.when.Version, published, "the stream should have been delivered, check the given versions")
	}

	if sc.check != nil {
		sc.check(t)
	}
}
