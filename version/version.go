// Package version contains types used to describe the version of an
// Aggregate Root and of the Event Streams committed for it.
package version

import (
	"fmt"
	"math"
)

// Version is the type to specify Aggregate and Event Stream versions.
//
// Versions start from 1: the version of an Aggregate is the count of
// Event Streams applied to it, and the version of an Event Stream is the
// version the Aggregate becomes after applying it.
type Version uint64

// Next returns the version directly following the current one.
func (v Version) Next() Version { return v + 1 }

// Max is the highest possible Version, used as an unbounded upper limit.
const Max = Version(math.MaxUint64)

// Range specifies an inclusive range of versions to select
// when querying Event Streams from an Event Store.
type Range struct {
	From Version
	To   Version
}

// All selects all the Event Streams of an Aggregate.
var All = Range{From: 1, To: Max}

// From selects all the Event Streams starting from the specified version.
func From(v Version) Range { return Range{From: v, To: Max} }

// Contains returns true if the version falls within the Range.
func (r Range) Contains(v Version) bool { return v >= r.From && v <= r.To }

// ConflictError is returned when an Event Stream is applied, or appended,
// with a version that does not follow the current one.
type ConflictError struct {
	AggregateID string
	Expected    Version
	Actual      Version
}

func (err ConflictError) Error() string {
	return fmt.Sprintf(
		"version: conflict detected on aggregate '%s'; expected version: %d, actual: %d",
		err.AggregateID,
		err.Expected,
		err.Actual,
	)
}
