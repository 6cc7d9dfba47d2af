package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/version"
)

var (
	// ErrRootNotFound is returned when no Event Streams for the
	// specified Aggregate Root have been found.
	ErrRootNotFound = errors.New("aggregate: aggregate root not found")

	// ErrTypeMismatch is returned when the Event Streams of an Aggregate
	// belong to a different Aggregate type than the one requested.
	ErrTypeMismatch = errors.New("aggregate: aggregate type mismatch")
)

// Type represents the type of an Aggregate, which will expose the
// name of the Aggregate (used as Event Stream type) and a factory method
// to create new zero-valued instances of the type, without using reflection.
type Type struct {
	Name    string
	Factory func() Root
}

// NewType creates a new Aggregate type, using a typed factory function.
//
// Consider creating a global variable in the package containing the Aggregate,
// and make sure the name used for the Aggregate is unique in your system,
// as to avoid clashes with other Aggregate types.
func NewType[T Root](name string, factory func() T) Type {
	return Type{
		Name:    name,
		Factory: func() Root { return factory() },
	}
}

// Rehydrate rebuilds the Aggregate Root identified by the specified id,
// by replaying all of its Event Streams from the Event Store.
//
// ErrRootNotFound is returned if no Event Stream exists for the Aggregate.
func Rehydrate(ctx context.Context, querier event.Querier, typ Type, id string) (Root, error) {
	streams, err := querier.QueryByVersionRange(ctx, id, version.All)
	if err != nil {
		return nil, fmt.Errorf("aggregate.Rehydrate: failed to query event streams, %w", err)
	}

	if len(streams) == 0 {
		return nil, ErrRootNotFound
	}

	if streams[0].AggregateType != typ.Name {
		return nil, fmt.Errorf("aggregate.Rehydrate: %w, expected '%s', got '%s'",
			ErrTypeMismatch, typ.Name, streams[0].AggregateType)
	}

	root := typ.Factory()

	if err := Replay(root, streams); err != nil {
		return nil, fmt.Errorf("aggregate.Rehydrate: failed to rehydrate aggregate root, %w", err)
	}

	return root, nil
}
