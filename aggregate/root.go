// Package aggregate contains the building blocks to model versioned,
// event-sourced Aggregate Roots, whose state changes only by applying
// Domain Events.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/version"
)

// ErrAggregateIDMismatch is returned when applying an Event Stream that
// targets a different Aggregate than the one it is applied to.
var ErrAggregateIDMismatch = errors.New("aggregate: event stream targets a different aggregate")

// Aggregate is the segregated interface, part of the Aggregate Root interface,
// that describes the left-folding behavior of Domain Events to update the
// Aggregate Root state.
type Aggregate interface {
	// Apply applies the specified Event to the Aggregate Root,
	// by causing a state change in the Aggregate Root instance.
	//
	// Since this method cause a state change, implementors should make sure
	// to use pointer semantics on their Aggregate Root method receivers.
	//
	// Please note, this method should not perform any kind of external request
	// and should be, save for the Aggregate Root state mutation, free of side effects.
	// For this reason, this method does not include a context.Context instance
	// in the input parameters.
	Apply(event.Event) error
}

// Root is the interface describing an Aggregate Root instance.
//
// This interface should be implemented by your Aggregate Root types.
// Make sure your Aggregate Root types embed the aggregate.BaseRoot type
// to complete the implementation of this interface.
type Root interface {
	Aggregate

	// AggregateID returns the Aggregate Root identifier.
	// It is empty until the first Domain Event has been applied.
	AggregateID() string

	// Version returns the number of Event Streams committed
	// for the Aggregate Root. Recording new Domain Events does not
	// change the version, only accepting a committed Stream does.
	Version() version.Version

	// UncommittedEvents returns the Domain Events recorded through
	// aggregate.RecordThat and not committed yet.
	UncommittedEvents() []event.Envelope

	setVersion(version.Version)
	recordThat(Aggregate, ...event.Envelope) error
	clearUncommitted()
}

// RecordThat records the Domain Event for the specified Aggregate Root,
// applying it to the Root state and queueing it as uncommitted.
//
// An error is typically returned if applying the Domain Event on the Aggregate
// Root instance fails with an error.
func RecordThat(root Root, events ...event.Envelope) error {
	return root.recordThat(root, events...)
}

// IsDirty returns true if the Aggregate Root has uncommitted Domain Events.
func IsDirty(root Root) bool {
	return len(root.UncommittedEvents()) > 0
}

// ApplyStream applies all the Domain Events in a committed Event Stream
// to the Aggregate Root, in order, then sets the Root version to the Stream version.
//
// A version.ConflictError is returned if the Stream version does not directly
// follow the current Root version, and ErrAggregateIDMismatch if the Stream
// targets a different Aggregate.
func ApplyStream(root Root, stream event.Stream) error {
	if expected := root.Version().Next(); stream.Version != expected {
		return fmt.Errorf("aggregate.ApplyStream: failed to apply stream, %w", version.ConflictError{
			AggregateID: stream.AggregateID,
			Expected:    expected,
			Actual:      stream.Version,
		})
	}

	if id := root.AggregateID(); id != "" && id != stream.AggregateID {
		return fmt.Errorf("aggregate.ApplyStream: %w, expected '%s', got '%s'", ErrAggregateIDMismatch, id, stream.AggregateID)
	}

	for _, evt := range stream.Events {
		if err := root.Apply(evt.Message); err != nil {
			return fmt.Errorf("aggregate.ApplyStream: failed to apply event, %w", err)
		}
	}

	if id := root.AggregateID(); id != stream.AggregateID {
		return fmt.Errorf("aggregate.ApplyStream: %w, expected '%s', got '%s'", ErrAggregateIDMismatch, stream.AggregateID, id)
	}

	root.setVersion(stream.Version)

	return nil
}

// Replay rebuilds the Aggregate Root state by applying the provided
// Event Streams sequentially, in ascending version order.
func Replay(root Root, streams []event.Stream) error {
	for _, stream := range streams {
		if err := ApplyStream(root, stream); err != nil {
			return fmt.Errorf("aggregate.Replay: failed to replay stream, %w", err)
		}
	}

	return nil
}

// AcceptChanges marks the uncommitted Domain Events of the Aggregate Root
// as committed in the Event Stream with the specified version.
//
// The Domain Events have already been applied to the Root state when recorded,
// so no replay is needed.
func AcceptChanges(root Root, v version.Version) {
	root.clearUncommitted()
	root.setVersion(v)
}

// BaseRoot segregates and completes the aggregate.Root interface implementation
// when embedded to a user-defined Aggregate Root type.
//
// BaseRoot provides some common traits, such as tracking the current Aggregate
// Root version, and the recorded-but-uncommitted Domain Events, through
// the aggregate.RecordThat function.
type BaseRoot struct {
	version     version.Version
	uncommitted []event.Envelope
}

// Version returns the current version of the Aggregate Root instance.
func (br BaseRoot) Version() version.Version { return br.version }

// UncommittedEvents returns the Domain Events recorded and not yet committed.
func (br BaseRoot) UncommittedEvents() []event.Envelope { return br.uncommitted }

func (br *BaseRoot) setVersion(v version.Version) { br.version = v }

func (br *BaseRoot) clearUncommitted() { br.uncommitted = nil }

func (br *BaseRoot) recordThat(aggregate Aggregate, events ...event.Envelope) error {
	for _, evt := range events {
		if err := aggregate.Apply(evt.Message); err != nil {
			return fmt.Errorf("aggregate.RecordThat: failed to record event, %w", err)
		}

		br.uncommitted = append(br.uncommitted, evt)
	}

	return nil
}
