// Package mailbox implements single-writer, ordered execution lanes.
//
// Work items are routed to one of a fixed number of lanes by hashing their
// routing key (typically an aggregate id). Items of the same lane run strictly
// one at a time, in arrival order; different lanes run concurrently.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultLanes is the number of lanes used when none is specified.
const DefaultLanes = 32

// DefaultBuffer is the per-lane queue size used when none is specified.
const DefaultBuffer = 1024

var (
	// ErrClosed is returned when routing an item to a closed Router.
	ErrClosed = errors.New("mailbox: router is closed")

	// ErrAlreadyRunning is returned when calling Run more than once.
	ErrAlreadyRunning = errors.New("mailbox: router is already running")
)

// LaneFor returns the lane the routing key is assigned to,
// out of the specified number of lanes.
func LaneFor(key string, lanes int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))

	return int(h.Sum64() % uint64(lanes))
}

// Handler processes a single item routed to a lane.
type Handler[T any] func(ctx context.Context, item T)

// Router dispatches items to a fixed set of ordered lanes.
//
// Use New to create a new instance, and Run to start processing.
type Router[T any] struct {
	name    string
	handler Handler[T]
	lanes   []chan T

	mx      sync.RWMutex
	closed  bool
	running bool
}

// New creates a new Router with the specified number of lanes, each with
// a queue of the specified size, processing items with the provided Handler.
//
// Non-positive lanes or buffer values are replaced by DefaultLanes and DefaultBuffer.
func New[T any](name string, lanes, buffer int, handler Handler[T]) *Router[T] {
	if lanes <= 0 {
		lanes = DefaultLanes
	}

	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	r := &Router[T]{
		name:    name,
		handler: handler,
		lanes:   make([]chan T, lanes),
	}

	for i := range r.lanes {
		r.lanes[i] = make(chan T, buffer)
	}

	return r
}

// Lanes returns the number of lanes of the Router.
func (r *Router[T]) Lanes() int { return len(r.lanes) }

// Route enqueues the item on the lane assigned to the routing key.
//
// Route blocks if the lane queue is full, until either the item is enqueued
// or the context is done.
func (r *Router[T]) Route(ctx context.Context, key string, item T) error {
	r.mx.RLock()
	defer r.mx.RUnlock()

	if r.closed {
		return fmt.Errorf("mailbox.Router(%s): %w", r.name, ErrClosed)
	}

	select {
	case r.lanes[LaneFor(key, len(r.lanes))] <- item:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mailbox.Router(%s): failed to route item, %w", r.name, ctx.Err())
	}
}

// Run processes the items routed to the lanes, one goroutine per lane.
//
// Run blocks until the context is done, or until Close is called and
// all the already-enqueued items have been processed.
func (r *Router[T]) Run(ctx context.Context) error {
	r.mx.Lock()
	if r.running {
		r.mx.Unlock()
		return fmt.Errorf("mailbox.Router(%s): %w", r.name, ErrAlreadyRunning)
	}

	r.running = true
	r.mx.Unlock()

	group, ctx := errgroup.WithContext(ctx)

	for _, lane := range r.lanes {
		group.Go(func() error {
			for {
				select {
				case item, ok := <-lane:
					if !ok {
						return nil
					}

					r.handler(ctx, item)

				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	return group.Wait()
}

// Close stops accepting new items. Lanes exit once their queues are drained.
func (r *Router[T]) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return
	}

	r.closed = true

	for _, lane := range r.lanes {
		close(lane)
	}
}
