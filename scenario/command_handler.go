package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/get-consistently/go-consistently/aggregate"
	"github.com/get-consistently/go-consistently/cache"
	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/retry"
	"github.com/get-consistently/go-consistently/version"
)

// Stream returns a committed Event Stream for the Aggregate, to be used
// as a scenario precondition.
func Stream(typ aggregate.Type, aggregateID string, v version.Version, events ...event.Event) event.Stream {
	envelopes := make([]event.Envelope, 0, len(events))
	for _, evt := range events {
		envelopes = append(envelopes, event.ToEnvelope(evt))
	}

	return event.Stream{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: typ.Name,
		Version:       v,
		CommandID:     uuid.NewString(),
		Timestamp:     time.Now(),
		Events:        envelopes,
	}
}

// CommandHandlerInit is the entrypoint of the Command Handler scenario API.
//
// A Command Handler scenario can either set the Event Streams already
// committed using Given(), or test a "clean-slate" scenario by using When() directly.
type CommandHandlerInit struct {
	register func(*command.Registry)
}

// CommandHandler is a scenario type to test the outcome of a Command
// executed with the Handlers added by register.
//
// The Command is run by a command.Executor on an in-memory Event Store,
// so the outcome includes the Executor policies, e.g. how many
// Aggregates a Handler is allowed to change.
func CommandHandler(register func(*command.Registry)) CommandHandlerInit {
	return CommandHandlerInit{register: register}
}

// Given sets the Event Streams committed before the Command is executed.
func (sc CommandHandlerInit) Given(streams ...event.Stream) CommandHandlerGiven {
	return CommandHandlerGiven{
		register: sc.register,
		given:    streams,
	}
}

// When provides the Command to execute.
func (sc CommandHandlerInit) When(cmd command.Envelope) CommandHandlerWhen {
	return sc.Given().When(cmd)
}

// CommandHandlerGiven is the state of the scenario once the
// committed Event Streams have been provided.
type CommandHandlerGiven struct {
	register func(*command.Registry)
	given    []event.Stream
}

// When provides the Command to execute.
func (sc CommandHandlerGiven) When(cmd command.Envelope) CommandHandlerWhen {
	return CommandHandlerWhen{
		CommandHandlerGiven: sc,
		when:                cmd,
	}
}

// CommandHandlerWhen is the state of the scenario once the preconditions
// and the Command to execute have been provided.
type CommandHandlerWhen struct {
	CommandHandlerGiven

	when command.Envelope
}

// Then expects the Command to succeed, committing a single Event Stream
// with the Domain Events provided, in the same order.
func (sc CommandHandlerWhen) Then(events ...event.Event) CommandHandlerThen {
	return CommandHandlerThen{
		CommandHandlerWhen: sc,
		status:             command.StatusSuccess,
		then:               events,
	}
}

// ThenNothingChanged expects the Command to succeed without
// changing any Aggregate.
func (sc CommandHandlerWhen) ThenNothingChanged() CommandHandlerThen {
	return CommandHandlerThen{
		CommandHandlerWhen: sc,
		status:             command.StatusNothingChanged,
	}
}

// ThenFails expects the Command to fail with the specified failure kind.
func (sc CommandHandlerWhen) ThenFails(kind command.FailureKind) CommandHandlerThen {
	return CommandHandlerThen{
		CommandHandlerWhen: sc,
		status:             command.StatusFailed,
		kind:               kind,
	}
}

// ThenError expects the Command to be rejected by its Handler with the
// error provided in input.
//
// Results only carry the error message, so the assertion checks the
// Result message contains the message of err.
func (sc CommandHandlerWhen) ThenError(err error) CommandHandlerThen {
	return CommandHandlerThen{
		CommandHandlerWhen: sc,
		status:             command.StatusFailed,
		kind:               command.FailureBusiness,
		thenError:          err,
	}
}

// CommandHandlerThen is the state of the scenario once the preconditions
// and expectations have been fully specified.
type CommandHandlerThen struct {
	CommandHandlerWhen

	status    command.Status
	kind      command.FailureKind
	then      []event.Event
	thenError error
}

// AssertOn executes the scenario, returning the Result for further assertions.
func (sc CommandHandlerThen) AssertOn(t *testing.T) command.Result { //nolint:gocritic // Value semantics are intended.
	t.Helper()

	ctx := context.Background()
	store := event.NewInMemoryStore()

	for _, stream := range sc.given {
		if _, err := store.Append(ctx, stream); !assert.NoError(t, err, "failed to commit %s", stream) {
			return command.Result{}
		}
	}

	registry := command.NewRegistry()
	sc.register(registry)

	tracking := event.NewTrackingStore(store)
	executor := command.NewExecutor(registry, tracking, cache.New(store),
		command.WithIORetryPolicy(retry.Policy{MaxRetries: 0}),
	)

	result := executor.Execute(ctx, sc.when)

	if !assert.Equal(t, sc.status, result.Status, "unexpected result: %s", result.Message) {
		return result
	}

	if sc.status == command.StatusFailed {
		assert.Equal(t, sc.kind, result.Kind)

		if sc.thenError != nil {
			assert.Contains(t, result.Message, sc.thenError.Error())
		}

		assert.Empty(t, tracking.Recorded(), "failed commands should not commit streams")

		return result
	}

	recorded := tracking.Recorded()

	if sc.status == command.StatusNothingChanged {
		assert.Empty(t, recorded)
		return result
	}

	if !assert.Len(t, recorded, 1) {
		return result
	}

	events := make([]event.Event, 0, len(recorded[0].Events))
	for _, evt := range recorded[0].Events {
		events = append(events, evt.Message)
	}

	assert.Equal(t, sc.then, events)
	assert.Equal(t, sc.when.ID, recorded[0].CommandID)

	return result
}
