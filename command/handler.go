package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoHandlerFound is returned when no Handler has been registered
	// for a Command type.
	ErrNoHandlerFound = errors.New("command: no handler found")

	// ErrMultipleHandlers is returned when more than one Handler has been
	// registered for a Command type, which is a configuration error.
	ErrMultipleHandlers = errors.New("command: multiple handlers registered")

	// ErrUnexpectedCommand is returned by HandlerFunc when receiving
	// a Command of a different type than the one it handles.
	ErrUnexpectedCommand = errors.New("command: unexpected command type")
)

// Handler is the interface that defines a Command Handler,
// a component that receives a specific kind of Command
// and executes the business logic related to that particular Command.
//
// Handlers load and change Aggregate Roots only through the provided Context,
// so that the resulting Domain Events can be committed by the Executor.
type Handler interface {
	Handle(ctx context.Context, hctx *Context, cmd Envelope) error
}

// HandlerFunc is a functional type for a Handler of Commands of type T.
type HandlerFunc[T Command] func(ctx context.Context, hctx *Context, cmd T) error

// Handle implements the Handler interface.
func (fn HandlerFunc[T]) Handle(ctx context.Context, hctx *Context, cmd Envelope) error {
	typed, ok := cmd.Message.(T)
	if !ok {
		return fmt.Errorf("command.HandlerFunc: %w, %T", ErrUnexpectedCommand, cmd.Message)
	}

	return fn(ctx, hctx, typed)
}

// Registry maps Command names to their Handlers.
//
// Registrations are expected to happen at startup, before any Command
// is executed, but Registry is safe for concurrent use.
type Registry struct {
	mx       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry returns a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register adds the Handler for the Command with the specified name.
//
// Registering more than one Handler for the same Command is allowed,
// but resolving the Handler for that Command will fail with ErrMultipleHandlers.
func (r *Registry) Register(name string, handler Handler) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.handlers[name] = append(r.handlers[name], handler)
}

// Resolve returns the only Handler registered for the specified Command name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	switch handlers := r.handlers[name]; len(handlers) {
	case 0:
		return nil, fmt.Errorf("command.Registry: %w for '%s'", ErrNoHandlerFound, name)
	case 1:
		return handlers[0], nil
	default:
		return nil, fmt.Errorf("command.Registry: %w for '%s', %d handlers", ErrMultipleHandlers, name, len(handlers))
	}
}

// Names returns the names of all the Commands with a registered Handler.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}

	return names
}

// Register registers the typed HandlerFunc for Commands of type T,
// using the name returned by the zero value of T.
func Register[T Command](r *Registry, fn HandlerFunc[T]) {
	var zero T
	r.Register(zero.Name(), fn)
}
