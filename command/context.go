package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/get-consistently/go-consistently/aggregate"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/retry"
	"github.com/get-consistently/go-consistently/version"
)

var (
	// ErrAggregateLoad is returned by Context.Get when the Aggregate Root
	// could not be loaded because of a storage failure.
	ErrAggregateLoad = errors.New("command: failed to load aggregate")

	// ErrAggregateAlreadyTracked is returned by Context.Add when an Aggregate Root
	// with the same id is already tracked in the current handling cycle.
	ErrAggregateAlreadyTracked = errors.New("command: aggregate already tracked")
)

// Cache is the Memory Cache used to load and commit Aggregate Roots.
type Cache interface {
	GetOrLoad(ctx context.Context, typ aggregate.Type, id string) (aggregate.Root, error)
	RefreshFromStore(ctx context.Context, typ aggregate.Type, id string) (aggregate.Root, error)
	AcceptChanges(typ aggregate.Type, root aggregate.Root, stream event.Stream) error
	Evict(typ aggregate.Type, id string)
}

type tracked struct {
	typ  aggregate.Type
	root aggregate.Root
}

// Context tracks the Aggregate Roots loaded or created by a Handler
// during a single handling cycle.
//
// A Context is created by the Executor for every handling attempt
// and must not be retained by Handlers.
type Context struct {
	cache   Cache
	policy  retry.Policy
	tracked []tracked
	result  string
}

func newContext(cache Cache, policy retry.Policy) *Context {
	return &Context{cache: cache, policy: policy}
}

func (c *Context) find(typ aggregate.Type, id string) (aggregate.Root, bool) {
	for _, t := range c.tracked {
		if t.typ.Name == typ.Name && t.root.AggregateID() == id {
			return t.root, true
		}
	}

	return nil, false
}

// Get returns the Aggregate Root of the specified type and id,
// and tracks it for the current handling cycle.
//
// aggregate.ErrRootNotFound is returned if the Aggregate does not exist.
// Errors wrapping ErrAggregateLoad signal a storage failure.
func (c *Context) Get(ctx context.Context, typ aggregate.Type, id string) (aggregate.Root, error) {
	if root, ok := c.find(typ, id); ok {
		return root, nil
	}

	var root aggregate.Root

	err := c.policy.Do(ctx, "load aggregate", func(ctx context.Context) error {
		var err error

		root, err = c.cache.GetOrLoad(ctx, typ, id)
		if errors.Is(err, aggregate.ErrRootNotFound) || errors.Is(err, aggregate.ErrTypeMismatch) {
			return retry.Permanent(err)
		}

		return err
	})

	switch {
	case errors.Is(err, aggregate.ErrRootNotFound), errors.Is(err, aggregate.ErrTypeMismatch):
		return nil, fmt.Errorf("command.Context.Get: %s '%s', %w", typ.Name, id, err)
	case err != nil:
		return nil, fmt.Errorf("command.Context.Get: %w, %w", ErrAggregateLoad, err)
	}

	c.tracked = append(c.tracked, tracked{typ: typ, root: root})

	return root, nil
}

// Add tracks a newly-created Aggregate Root, so that its recorded Domain Events
// are committed at the end of the handling cycle.
func (c *Context) Add(typ aggregate.Type, root aggregate.Root) error {
	if _, ok := c.find(typ, root.AggregateID()); ok {
		return fmt.Errorf("command.Context.Add: %w, %s '%s'", ErrAggregateAlreadyTracked, typ.Name, root.AggregateID())
	}

	c.tracked = append(c.tracked, tracked{typ: typ, root: root})

	return nil
}

// SetResult sets the payload returned to the caller in the Command Result.
func (c *Context) SetResult(payload string) {
	c.result = payload
}

func (c *Context) versionOf(id string) version.Version {
	for _, t := range c.tracked {
		if t.root.AggregateID() == id {
			return t.root.Version()
		}
	}

	return 0
}

func (c *Context) dirty() []tracked {
	var dirty []tracked

	for _, t := range c.tracked {
		if aggregate.IsDirty(t.root) {
			dirty = append(dirty, t)
		}
	}

	return dirty
}

// discard evicts from the Cache all the Aggregate Roots holding
// uncommitted Domain Events, so that they are rebuilt from the Event Store.
func (c *Context) discard() {
	for _, t := range c.dirty() {
		c.cache.Evict(t.typ, t.root.AggregateID())
	}
}
