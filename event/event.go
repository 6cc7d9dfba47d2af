// Package event contains the types describing Domain Events, the Event Streams
// committed atomically for an Aggregate, and the Event Store contract
// used to durably persist them.
package event

import (
	"fmt"
	"time"

	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/version"
)

// Event is a Message representing some Domain information that has happened
// in the past, which is of vital information to the Domain itself.
//
// Event type names should be phrased in the past tense, to enforce the notion
// of "information happened in the past".
type Event message.Message

// Envelope contains a Domain Event and possible metadata associated to it.
type Envelope message.Envelope[Event]

// ToEnvelope returns an Envelope instance with the provided Event
// instance and no Metadata.
func ToEnvelope(event Event) Envelope {
	return Envelope{
		Message:  event,
		Metadata: nil,
	}
}

// Stream is the atomic unit appended to the Event Store, also known as commit:
// the ordered list of Domain Events produced by handling a single Command
// on a single Aggregate.
//
// Version is the version the Aggregate becomes after applying the Stream.
// For a given Aggregate there can be exactly one Stream per Version,
// and exactly one Stream per CommandID.
type Stream struct {
	ID            string
	AggregateID   string
	AggregateType string
	Version       version.Version
	CommandID     string
	Timestamp     time.Time
	Events        []Envelope
	Items         message.Metadata
}

// Validate checks the Stream is well-formed and can be appended.
func (s Stream) Validate() error {
	switch {
	case s.AggregateID == "":
		return fmt.Errorf("%w: missing aggregate id", ErrInvalidStream)
	case s.AggregateType == "":
		return fmt.Errorf("%w: missing aggregate type", ErrInvalidStream)
	case s.CommandID == "":
		return fmt.Errorf("%w: missing command id", ErrInvalidStream)
	case s.Version == 0:
		return fmt.Errorf("%w: version must start from 1", ErrInvalidStream)
	case len(s.Events) == 0:
		return fmt.Errorf("%w: no events", ErrInvalidStream)
	}

	return nil
}

func (s Stream) String() string {
	return fmt.Sprintf("%s[%s]@%d (command: %s, events: %d)",
		s.AggregateType, s.AggregateID, s.Version, s.CommandID, len(s.Events))
}
