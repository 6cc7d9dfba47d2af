package command

import (
	"errors"
	"fmt"

	"github.com/get-consistently/go-consistently/version"
)

// Status is the terminal outcome of a Command.
type Status int

// All the possible Command outcomes.
const (
	StatusSuccess Status = iota + 1
	StatusNothingChanged
	StatusFailed
	StatusConcurrencyConflict
	StatusTimeout
	StatusSendFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusNothingChanged:
		return "NothingChanged"
	case StatusFailed:
		return "Failed"
	case StatusConcurrencyConflict:
		return "ConcurrencyConflict"
	case StatusTimeout:
		return "Timeout"
	case StatusSendFailed:
		return "SendFailed"
	default:
		return "Unknown"
	}
}

// FailureKind qualifies a Failed Command outcome.
type FailureKind int

// All the kinds of Command failures.
const (
	// FailureNone is used by non-failed outcomes.
	FailureNone FailureKind = iota

	// FailureBusiness signals the Handler rejected the Command.
	FailureBusiness

	// FailureIO signals the storage could not be reached, even after retries.
	FailureIO

	// FailureNoHandler signals no Handler is registered for the Command.
	FailureNoHandler

	// FailureMultipleHandlers signals more than one Handler is registered for the Command.
	FailureMultipleHandlers

	// FailureTooManyDirtyAggregates signals the Handler changed more than one Aggregate.
	FailureTooManyDirtyAggregates

	// FailureInvalidStream signals the Handler produced an Event Stream
	// the Event Store refused as malformed.
	FailureInvalidStream
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "None"
	case FailureBusiness:
		return "Business"
	case FailureIO:
		return "IO"
	case FailureNoHandler:
		return "NoHandlerFound"
	case FailureMultipleHandlers:
		return "MultipleHandlers"
	case FailureTooManyDirtyAggregates:
		return "TooManyDirtyAggregates"
	case FailureInvalidStream:
		return "InvalidStream"
	default:
		return "Unknown"
	}
}

// Retryable returns true for failures that might not happen
// if the Command is executed again later.
func (k FailureKind) Retryable() bool {
	return k == FailureIO
}

// All the errors returned by Result.Err.
var (
	ErrRejected               = errors.New("command: rejected")
	ErrStoreUnavailable       = errors.New("command: event store unavailable")
	ErrTooManyDirtyAggregates = errors.New("command: more than one aggregate changed")
	ErrInvalidStream          = errors.New("command: invalid event stream")
	ErrConcurrencyConflict    = errors.New("command: concurrency conflict")
	ErrTimeout                = errors.New("command: timed out waiting for result")
	ErrSendFailed             = errors.New("command: failed to send")
)

// Result is the outcome of a Command execution, reported to the caller.
type Result struct {
	CommandID   string
	AggregateID string
	Status      Status
	Kind        FailureKind
	Message     string

	// Payload is the optional result set by the Handler through Context.SetResult.
	Payload string

	// Version is the Aggregate version after the Command execution.
	Version version.Version

	// Duplicate is true when the Command had already been committed before,
	// e.g. because it has been redelivered.
	Duplicate bool

	// Unpublished is true when the committed Event Stream could not be
	// handed over for publishing. Executing the Command again publishes it,
	// through the duplicate Command path.
	Unpublished bool
}

// Succeeded returns true if the Command execution did not fail.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusNothingChanged
}

// Err returns nil for successful outcomes, or an error describing the failure
// otherwise, that can be inspected using errors.Is.
func (r Result) Err() error {
	var cause error

	switch r.Status {
	case StatusSuccess, StatusNothingChanged:
		return nil
	case StatusConcurrencyConflict:
		cause = ErrConcurrencyConflict
	case StatusTimeout:
		cause = ErrTimeout
	case StatusSendFailed:
		cause = ErrSendFailed
	default:
		cause = r.Kind.err()
	}

	return fmt.Errorf("command '%s' on '%s': %w: %s", r.CommandID, r.AggregateID, cause, r.Message)
}

func (k FailureKind) err() error {
	switch k {
	case FailureIO:
		return ErrStoreUnavailable
	case FailureNoHandler:
		return ErrNoHandlerFound
	case FailureMultipleHandlers:
		return ErrMultipleHandlers
	case FailureTooManyDirtyAggregates:
		return ErrTooManyDirtyAggregates
	case FailureInvalidStream:
		return ErrInvalidStream
	default:
		return ErrRejected
	}
}

// Failed returns a Failed Result for the Command, of the specified kind.
func Failed(cmd Envelope, kind FailureKind, err error) Result {
	return Result{
		CommandID:   cmd.ID,
		AggregateID: cmd.AggregateID,
		Status:      StatusFailed,
		Kind:        kind,
		Message:     err.Error(),
	}
}

// TimedOut returns a Timeout Result for the Command with the specified id.
func TimedOut(commandID string) Result {
	return Result{
		CommandID: commandID,
		Status:    StatusTimeout,
		Message:   "no result received before deadline",
	}
}

// SendFailed returns a SendFailed Result for the Command with the specified id.
func SendFailed(commandID string, err error) Result {
	return Result{
		CommandID: commandID,
		Status:    StatusSendFailed,
		Message:   err.Error(),
	}
}
