package aggregate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/version"
)

// Scenario starts a Given/When/Then test of the domain methods of an
// Aggregate Root of the given Type, without any Event Store involved.
//
// The outcome asserted is the list of Events recorded by the method,
// still uncommitted, or the error it returned.
func Scenario[T Root](typ Type) ScenarioInit[T] {
	return ScenarioInit[T]{typ: typ}
}

// ScenarioInit is a Scenario with no history: use Given to replay
// committed Event Streams first, or When to test a creating function.
type ScenarioInit[T Root] struct {
	typ Type
}

// Given sets the committed Event Streams, ordered by version,
// replayed on a fresh Aggregate Root before the When step.
func (sc ScenarioInit[T]) Given(streams ...event.Stream) ScenarioGiven[T] {
	return ScenarioGiven[T]{typ: sc.typ, history: streams}
}

// When sets the function creating a new Aggregate Root.
func (sc ScenarioInit[T]) When(create func() (T, error)) ScenarioWhen[T] {
	return ScenarioWhen[T]{run: func() (T, version.Version, error) {
		root, err := create()
		return root, 0, err
	}}
}

// ScenarioGiven is a Scenario with a replayed history.
type ScenarioGiven[T Root] struct {
	typ     Type
	history []event.Stream
}

// When sets the domain method called on the replayed Aggregate Root.
func (sc ScenarioGiven[T]) When(call func(T) error) ScenarioWhen[T] {
	return ScenarioWhen[T]{run: func() (T, version.Version, error) {
		var none T

		root, ok := sc.typ.Factory().(T)
		if !ok {
			return none, 0, fmt.Errorf("aggregate.Scenario: %s factory returned %T", sc.typ.Name, sc.typ.Factory())
		}

		if err := Replay(root, sc.history); err != nil {
			return none, 0, fmt.Errorf("aggregate.Scenario: failed to replay history, %w", err)
		}

		replayed := root.Version()

		return root, replayed, call(root)
	}}
}

// ScenarioWhen is a Scenario waiting for its expected outcome.
type ScenarioWhen[T Root] struct {
	run func() (T, version.Version, error)
}

// Then expects the domain method to succeed recording exactly the given Events.
func (sc ScenarioWhen[T]) Then(events ...event.Envelope) ScenarioThen[T] {
	return ScenarioThen[T]{run: sc.run, events: events}
}

// ThenFails expects the domain method to return any error.
func (sc ScenarioWhen[T]) ThenFails() ScenarioThen[T] {
	return ScenarioThen[T]{run: sc.run, fails: true}
}

// ThenError expects the domain method to return an error
// matching all the given ones through errors.Is.
func (sc ScenarioWhen[T]) ThenError(errs ...error) ScenarioThen[T] {
	return ScenarioThen[T]{run: sc.run, fails: true, errs: errs}
}

// ScenarioThen is a complete Scenario, run with AssertOn.
type ScenarioThen[T Root] struct {
	run    func() (T, version.Version, error)
	events []event.Envelope
	errs   []error
	fails  bool
}

// AssertOn runs the Scenario and asserts its outcome.
//
// Recording Events never changes the version of the Aggregate Root,
// so a successful outcome also asserts the version is still the replayed one.
func (sc ScenarioThen[T]) AssertOn(t *testing.T) {
	t.Helper()

	root, replayed, err := sc.run()

	if sc.fails {
		assert.Error(t, err)

		for _, expected := range sc.errs {
			assert.ErrorIs(t, err, expected)
		}

		return
	}

	if !assert.NoError(t, err) {
		return
	}

	assert.Equal(t, sc.events, root.UncommittedEvents())
	assert.Equal(t, replayed, root.Version())
}
