package command

import (
	"time"

	"github.com/google/uuid"

	"github.com/get-consistently/go-consistently/message"
)

// Command is a Message representing an action being performed by something
// or somebody.
//
// In order to enforce this concept, it is suggested to name Command types
// using "present tense".
type Command message.Message

// Envelope carries a Command, together with the information needed
// to route, execute and correlate it.
type Envelope struct {
	// ID uniquely identifies the Command, and is used as idempotency key
	// when committing the resulting Event Stream.
	ID string

	// AggregateID is the target Aggregate of the Command, used as routing key.
	// Creating commands should use the client-supplied id of the new Aggregate.
	AggregateID string

	Message  Command
	Metadata message.Metadata

	// RetryBudget is the number of times the Command can be re-submitted
	// on the secondary retry lane, after exhausting the immediate retries
	// on transient storage failures.
	RetryBudget int

	// Timeout is the maximum time a caller waits for the Command Result.
	// Zero means the default timeout of the component sending the Command.
	Timeout time.Duration
}

// New returns a new Envelope for the Command targeting the specified Aggregate,
// using a random Command id.
func New(aggregateID string, cmd Command) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Message:     cmd,
		Metadata:    nil,
	}
}

// Name returns the name of the Command carried by the Envelope.
func (e Envelope) Name() string {
	if e.Message == nil {
		return ""
	}

	return e.Message.Name()
}

// CorrelationID returns the correlation id of the Command,
// falling back to the Command id when none has been specified.
func (e Envelope) CorrelationID() string {
	if id := e.Metadata.Get(message.CorrelationIDKey); id != "" {
		return id
	}

	return e.ID
}
