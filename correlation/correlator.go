package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/logger"
)

// ErrAlreadyRegistered is returned when registering an id that is
// already waiting for its completion.
var ErrAlreadyRegistered = errors.New("correlation: id already registered")

// Granularity specifies when a registered Command is considered completed.
type Granularity int

const (
	// CompleteOnAppended completes as soon as the Command outcome is known,
	// i.e. once its Event Stream has been appended to the Event Store.
	CompleteOnAppended Granularity = iota + 1

	// CompleteOnPublished completes only once the Command Event Stream
	// has been handled by all the Processors, or explicitly by a Processor
	// completing the process the Command takes part in.
	// Failed Commands complete right away, as they produce no Event Stream.
	CompleteOnPublished
)

func (g Granularity) String() string {
	switch g {
	case CompleteOnAppended:
		return "OnAppended"
	case CompleteOnPublished:
		return "OnPublished"
	default:
		return "Unknown"
	}
}

// Future is the pending outcome of a registered Command.
type Future struct {
	id         string
	correlator *Correlator
	once       sync.Once
	done       chan struct{}
	result     command.Result
}

func (f *Future) resolve(result command.Result) bool {
	resolved := false

	f.once.Do(func() {
		f.result = result
		resolved = true
		close(f.done)
	})

	return resolved
}

// ID returns the id the Future has been registered with.
func (f *Future) ID() string { return f.id }

// Done returns a channel closed once the Future has been resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the Future is resolved, or the context is done.
//
// If the context is done first, the registration is removed and a Timeout
// Result is returned, together with an error wrapping command.ErrTimeout.
// Waiting does not affect the Command execution.
func (f *Future) Wait(ctx context.Context) (command.Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
	}

	f.correlator.remove(f)

	// The Future might have been resolved in the meantime.
	select {
	case <-f.done:
		return f.result, nil
	default:
	}

	result := command.TimedOut(f.id)

	return result, fmt.Errorf("correlation.Future: %w, %w", command.ErrTimeout, ctx.Err())
}

type registration struct {
	future      *Future
	granularity Granularity
	appended    *command.Result
}

// Correlator matches Command outcomes with the Futures of their callers.
//
// Use New to create a new instance.
type Correlator struct {
	logger  logger.Logger
	mx      sync.Mutex
	pending map[string]*registration
}

// New returns a new Correlator instance.
func New(l logger.Logger) *Correlator {
	return &Correlator{
		logger:  l,
		pending: make(map[string]*registration),
	}
}

// Pending returns the number of registrations waiting for completion.
func (c *Correlator) Pending() int {
	c.mx.Lock()
	defer c.mx.Unlock()

	return len(c.pending)
}

// Register registers the Command (or process) id, returning the Future
// resolved when the Command completes with the desired granularity.
func (c *Correlator) Register(id string, granularity Granularity) (*Future, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("correlation.Correlator: %w, '%s'", ErrAlreadyRegistered, id)
	}

	future := &Future{
		id:         id,
		correlator: c,
		done:       make(chan struct{}),
	}

	c.pending[id] = &registration{future: future, granularity: granularity}

	return future, nil
}

func (c *Correlator) remove(f *Future) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if r, ok := c.pending[f.id]; ok && r.future == f {
		delete(c.pending, f.id)
	}
}

// Complete reports the outcome of the Command (or process) with the specified id,
// at the specified stage, returning true if a waiting Future has been resolved.
//
// Completions for unknown ids, already completed ones, or for a stage earlier
// than the one the caller is waiting for, are dropped.
func (c *Correlator) Complete(id string, stage Granularity, result command.Result) bool {
	c.mx.Lock()

	r, ok := c.pending[id]
	if !ok {
		c.mx.Unlock()
		logger.Debug(c.logger, "correlation: completion dropped, no pending registration",
			logger.With("id", id),
			logger.With("stage", stage.String()),
		)

		return false
	}

	if r.granularity == CompleteOnPublished && stage == CompleteOnAppended && result.Status == command.StatusSuccess {
		// Keep the handling outcome, to be returned once published.
		r.appended = &result
		c.mx.Unlock()

		return false
	}

	if stage == CompleteOnPublished && r.appended != nil && result.Succeeded() {
		published := *r.appended
		published.Duplicate = published.Duplicate || result.Duplicate
		result = published
	}

	delete(c.pending, id)
	c.mx.Unlock()

	return r.future.resolve(result)
}

// NotifySendFailed resolves the Future of the specified Command with
// a SendFailed Result, used when the Command could not even be sent.
func (c *Correlator) NotifySendFailed(id string, err error) bool {
	return c.Complete(id, CompleteOnPublished, command.SendFailed(id, err))
}
