package event

import (
	"context"
	"errors"

	"github.com/get-consistently/go-consistently/version"
)

var (
	// ErrInvalidStream is returned when appending a malformed Stream.
	// It is a permanent failure and should not be retried.
	ErrInvalidStream = errors.New("event: invalid stream")

	// ErrVersionGap is returned when appending a Stream whose version
	// would leave a gap in the Aggregate history.
	ErrVersionGap = errors.New("event: stream version leaves a gap in aggregate history")

	// ErrEmptyBatch is returned by BatchAppend when no Stream has been provided.
	ErrEmptyBatch = errors.New("event: empty batch")

	// ErrDuplicateAggregateInBatch is returned by BatchAppend when more than
	// one Stream targets the same Aggregate.
	ErrDuplicateAggregateInBatch = errors.New("event: more than one stream for the same aggregate in batch")
)

// AppendResult is the outcome of an Append operation.
//
// Constraint violations on the Event Store are not errors, but outcomes
// the caller must handle explicitly.
type AppendResult int

const (
	// AppendSuccess signals the Stream has been durably committed.
	AppendSuccess AppendResult = iota + 1

	// AppendDuplicateVersion signals another writer already committed a Stream
	// for the same (aggregate id, version) pair: the in-memory Aggregate used
	// to produce the Stream is stale.
	AppendDuplicateVersion

	// AppendDuplicateCommand signals a Stream for the same (aggregate id, command id)
	// pair has already been committed, e.g. because a Command has been redelivered.
	AppendDuplicateCommand
)

func (r AppendResult) String() string {
	switch r {
	case AppendSuccess:
		return "Success"
	case AppendDuplicateVersion:
		return "DuplicateVersion"
	case AppendDuplicateCommand:
		return "DuplicateCommand"
	default:
		return "Unknown"
	}
}

// Appender is an Event Store trait used to durably append Event Streams.
//
// Implementations must enforce uniqueness on both (aggregate id, version)
// and (aggregate id, command id), reporting violations through AppendResult.
// When both are violated, AppendDuplicateCommand takes precedence.
//
// Any returned error is considered a failure of the underlying storage
// and might be retried by the caller, except for ErrInvalidStream and ErrVersionGap.
type Appender interface {
	Append(ctx context.Context, stream Stream) (AppendResult, error)

	// BatchAppend appends Streams for distinct Aggregates atomically:
	// either all Streams are committed, or none is, in which case
	// the first non-successful AppendResult is returned.
	BatchAppend(ctx context.Context, streams []Stream) (AppendResult, error)
}

// Querier is an Event Store trait used to read committed Event Streams back.
type Querier interface {
	// QueryByVersionRange returns the Streams of the Aggregate within
	// the inclusive version range, ordered by ascending version.
	QueryByVersionRange(ctx context.Context, aggregateID string, r version.Range) ([]Stream, error)

	// FindByCommandID returns the Stream committed by the specified Command
	// on the Aggregate. The boolean is false if no such Stream exists.
	FindByCommandID(ctx context.Context, aggregateID, commandID string) (Stream, bool, error)
}

// Store represents an Event Store, a durable, append-only store of Event Streams.
type Store interface {
	Appender
	Querier
}

// IsPermanent returns true if the error returned by an Event Store
// should not be retried by the caller.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidStream) ||
		errors.Is(err, ErrVersionGap) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrDuplicateAggregateInBatch)
}

// ValidateBatch checks that the Streams of a batch are well-formed
// and all target different Aggregates.
func ValidateBatch(streams []Stream) error {
	if len(streams) == 0 {
		return ErrEmptyBatch
	}

	seen := make(map[string]struct{}, len(streams))

	for _, s := range streams {
		if err := s.Validate(); err != nil {
			return err
		}

		if _, ok := seen[s.AggregateID]; ok {
			return ErrDuplicateAggregateInBatch
		}

		seen[s.AggregateID] = struct{}{}
	}

	return nil
}
