package serde

import (
	"errors"
	"fmt"
	"sync"

	"github.com/get-consistently/go-consistently/message"
)

var (
	// ErrUnknownMessage is returned when deserializing a Message
	// whose name has not been registered.
	ErrUnknownMessage = errors.New("serde: unknown message name")

	// ErrUnexpectedMessage is returned when serializing a Message whose
	// concrete type differs from the one registered under its name.
	ErrUnexpectedMessage = errors.New("serde: unexpected message type")
)

// Registry encodes Messages by name, so that durable stores can
// persist a Message name next to its payload and decode it back
// into the right concrete type.
//
// Use NewRegistry to create a new instance, and Register, RegisterJSON
// to add Message types to it.
type Registry struct {
	mx     sync.RWMutex
	serdes map[string]Serde[message.Message, []byte]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{serdes: make(map[string]Serde[message.Message, []byte])}
}

// Register adds the Message type T to the Registry, encoded using the provided Serde.
//
// T is registered under the name returned by its zero value,
// so Name must not depend on the Message content.
func Register[T message.Message](r *Registry, s Serde[T, []byte]) {
	var zero T

	name := zero.Name()

	serialize := func(msg message.Message) ([]byte, error) {
		t, ok := msg.(T)
		if !ok {
			return nil, fmt.Errorf("%w: expected %T for '%s', got %T", ErrUnexpectedMessage, zero, name, msg)
		}

		return s.Serialize(t)
	}

	deserialize := func(data []byte) (message.Message, error) {
		return s.Deserialize(data)
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	r.serdes[name] = Fuse[message.Message, []byte](
		SerializerFunc[message.Message, []byte](serialize),
		DeserializerFunc[message.Message, []byte](deserialize),
	)
}

// RegisterJSON adds the Message type T to the Registry, encoded as JSON.
func RegisterJSON[T message.Message](r *Registry) {
	Register[T](r, NewJSON(func() T {
		var zero T
		return zero
	}))
}

// Names returns the names of all the registered Messages.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	names := make([]string, 0, len(r.serdes))
	for name := range r.serdes {
		names = append(names, name)
	}

	return names
}

func (r *Registry) lookup(name string) (Serde[message.Message, []byte], error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	s, ok := r.serdes[name]
	if !ok {
		return nil, fmt.Errorf("%w, '%s'", ErrUnknownMessage, name)
	}

	return s, nil
}

// Serialize encodes the Message using the Serde registered for its name.
func (r *Registry) Serialize(msg message.Message) ([]byte, error) {
	s, err := r.lookup(msg.Name())
	if err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to serialize message, %w", err)
	}

	data, err := s.Serialize(msg)
	if err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to serialize '%s', %w", msg.Name(), err)
	}

	return data, nil
}

// Deserialize decodes the data into the Message type registered with the name.
func (r *Registry) Deserialize(name string, data []byte) (message.Message, error) {
	s, err := r.lookup(name)
	if err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to deserialize message, %w", err)
	}

	msg, err := s.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to deserialize '%s', %w", name, err)
	}

	return msg, nil
}
