// Package transport contains the Message Transport contract used to move
// Commands, Command Results and Event Streams between components,
// and an in-memory implementation of it.
//
// Transports are expected to provide at-least-once delivery: a delivered
// Message is removed from the Transport only once acknowledged by its Handler,
// and redelivered otherwise.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/get-consistently/go-consistently/message"
)

var (
	// ErrClosed is returned when sending to a closed Transport.
	ErrClosed = errors.New("transport: closed")

	// ErrAlreadySubscribed is returned when subscribing twice to the same topic.
	ErrAlreadySubscribed = errors.New("transport: topic already has a subscriber")
)

// Message is the unit of transmission of a Transport.
type Message struct {
	Topic string

	// Key is the routing key of the Message, usually the id of the Aggregate
	// the Message refers to.
	Key string

	Payload  any
	Metadata message.Metadata
}

// Delivery is a Message delivered to a Handler.
//
// Every Delivery must eventually be either acknowledged, or negatively
// acknowledged: a Delivery that is neither is redelivered after a timeout.
type Delivery struct {
	Message

	// Attempt is the delivery attempt of the Message, starting from 1.
	Attempt int

	settle func(ok bool)
}

// Ack acknowledges the Delivery: the Message has been durably handled
// and will not be delivered again.
func (d Delivery) Ack() {
	if d.settle != nil {
		d.settle(true)
	}
}

// Nack negatively acknowledges the Delivery: the Message will be delivered again.
func (d Delivery) Nack() {
	if d.settle != nil {
		d.settle(false)
	}
}

// NewDelivery returns a Delivery of the Message using the provided
// settlement function, called with true on Ack and false on Nack.
// Only the first settlement is forwarded.
//
// Useful to implement Transports, or to test Handlers.
func NewDelivery(msg Message, attempt int, settle func(ok bool)) Delivery {
	var once sync.Once

	return Delivery{
		Message: msg,
		Attempt: attempt,
		settle: func(ok bool) {
			once.Do(func() {
				if settle != nil {
					settle(ok)
				}
			})
		},
	}
}

// Handler handles the Messages delivered from a topic.
//
// Handlers should return quickly, e.g. by routing the Delivery to a mailbox,
// and settle the Delivery once it has been handled.
type Handler func(ctx context.Context, d Delivery)

// Sender is the Transport trait used to send Messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Subscriber is the Transport trait used to receive Messages.
type Subscriber interface {
	Subscribe(topic string, handler Handler) error
}

// Transport is a Message Transport with at-least-once delivery semantics.
type Transport interface {
	Sender
	Subscriber
}
