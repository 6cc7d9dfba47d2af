package serde

import (
	"encoding/json"
	"fmt"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/message"
)

// StoredEvent is the storage representation of a Domain Event:
// the Event name, its encoded payload and its metadata.
type StoredEvent struct {
	Type     string           `json:"type"`
	Data     json.RawMessage  `json:"data"`
	Metadata message.Metadata `json:"metadata,omitempty"`
}

// NewStoredEvents returns a Serde mapping Domain Events into their
// storage representation, using the Registry for the Event payloads.
//
// Payloads must be encoded as JSON, e.g. with RegisterJSON or NewProtoJSON.
func NewStoredEvents(r *Registry) Fused[[]event.Envelope, []StoredEvent] {
	serialize := func(events []event.Envelope) ([]StoredEvent, error) {
		stored := make([]StoredEvent, 0, len(events))

		for i, evt := range events {
			data, err := r.Serialize(evt.Message)
			if err != nil {
				return nil, fmt.Errorf("serde.StoredEvents: event #%d, %w", i, err)
			}

			stored = append(stored, StoredEvent{
				Type:     evt.Message.Name(),
				Data:     data,
				Metadata: evt.Metadata,
			})
		}

		return stored, nil
	}

	deserialize := func(stored []StoredEvent) ([]event.Envelope, error) {
		events := make([]event.Envelope, 0, len(stored))

		for i, s := range stored {
			msg, err := r.Deserialize(s.Type, s.Data)
			if err != nil {
				return nil, fmt.Errorf("serde.StoredEvents: event #%d, %w", i, err)
			}

			events = append(events, event.Envelope{
				Message:  msg,
				Metadata: s.Metadata,
			})
		}

		return events, nil
	}

	return Fuse[[]event.Envelope, []StoredEvent](
		SerializerFunc[[]event.Envelope, []StoredEvent](serialize),
		DeserializerFunc[[]event.Envelope, []StoredEvent](deserialize),
	)
}

// NewEventsJSON returns a Serde encoding the Domain Events of a Stream
// as a single JSON array of StoredEvent.
func NewEventsJSON(r *Registry) Chained[[]event.Envelope, []StoredEvent, []byte] {
	return Chain[[]event.Envelope, []StoredEvent, []byte](
		NewStoredEvents(r),
		NewJSON(func() []StoredEvent { return nil }),
	)
}
