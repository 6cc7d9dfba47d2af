// Package cache contains the in-process Memory Cache of Aggregate Roots.
//
// The cache is not a source of truth: every entry can always be rebuilt
// by replaying the Event Streams committed in the Event Store.
//
// Mutual exclusion between a read and an AcceptChanges call for the same
// Aggregate is provided by the mailbox lane the Aggregate is assigned to;
// the cache only protects its own internal map.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/get-consistently/go-consistently/aggregate"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/version"
)

// ErrStaleStream is returned by AcceptChanges when the committed Stream
// does not directly follow the cached Aggregate Root version.
var ErrStaleStream = errors.New("cache: committed stream does not follow aggregate version")

type key struct {
	typ string
	id  string
}

func (k key) String() string { return k.typ + "/" + k.id }

type entry struct {
	root       aggregate.Root
	lastAccess time.Time
}

// Option configures a MemoryCache instance.
type Option func(*MemoryCache)

// WithLogger sets the Logger used by the MemoryCache.
func WithLogger(l logger.Logger) Option {
	return func(c *MemoryCache) { c.logger = l }
}

// WithClock overrides the clock used to track the last access of entries.
func WithClock(now func() time.Time) Option {
	return func(c *MemoryCache) { c.now = now }
}

// MemoryCache keeps the Aggregate Roots loaded in memory,
// so that commands don't need to replay the full history on every execution.
//
// Use New to create a new instance.
type MemoryCache struct {
	querier event.Querier
	logger  logger.Logger
	now     func() time.Time

	mx      sync.Mutex
	entries map[key]*entry
	loads   singleflight.Group
}

// New returns a new MemoryCache loading Aggregate Roots from the provided querier.
func New(querier event.Querier, options ...Option) *MemoryCache {
	c := &MemoryCache{
		querier: querier,
		now:     time.Now,
		entries: make(map[key]*entry),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Len returns the number of Aggregate Roots currently cached.
func (c *MemoryCache) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()

	return len(c.entries)
}

func (c *MemoryCache) lookup(k key) (aggregate.Root, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}

	e.lastAccess = c.now()

	return e.root, true
}

func (c *MemoryCache) store(k key, root aggregate.Root, overwrite bool) aggregate.Root {
	c.mx.Lock()
	defer c.mx.Unlock()

	if e, ok := c.entries[k]; ok && !overwrite {
		e.lastAccess = c.now()
		return e.root
	}

	c.entries[k] = &entry{root: root, lastAccess: c.now()}

	return root
}

// GetOrLoad returns the cached Aggregate Root of the specified type and id,
// or replays all its persisted Event Streams and caches the result.
//
// aggregate.ErrRootNotFound is returned if the Aggregate has no committed Stream.
func (c *MemoryCache) GetOrLoad(ctx context.Context, typ aggregate.Type, id string) (aggregate.Root, error) {
	k := key{typ: typ.Name, id: id}

	if root, ok := c.lookup(k); ok {
		return root, nil
	}

	root, err := c.load(ctx, typ, k)
	if err != nil {
		return nil, fmt.Errorf("cache.MemoryCache.GetOrLoad: failed to load %s, %w", k, err)
	}

	return c.store(k, root, false), nil
}

// RefreshFromStore discards the cached copy of the Aggregate Root, if any,
// and rebuilds it by replaying all its persisted Event Streams.
//
// aggregate.ErrRootNotFound is returned if the Aggregate has no committed Stream,
// in which case nothing stays cached for it.
func (c *MemoryCache) RefreshFromStore(ctx context.Context, typ aggregate.Type, id string) (aggregate.Root, error) {
	k := key{typ: typ.Name, id: id}
	c.evict(k)

	root, err := c.load(ctx, typ, k)
	if err != nil {
		return nil, fmt.Errorf("cache.MemoryCache.RefreshFromStore: failed to reload %s, %w", k, err)
	}

	logger.Debug(c.logger, "cache: aggregate refreshed from store",
		logger.With("aggregate", k.String()),
		logger.With("version", root.Version()),
	)

	return c.store(k, root, true), nil
}

func (c *MemoryCache) load(ctx context.Context, typ aggregate.Type, k key) (aggregate.Root, error) {
	v, err, _ := c.loads.Do(k.String(), func() (any, error) {
		return aggregate.Rehydrate(ctx, c.querier, typ, k.id)
	})
	if err != nil {
		return nil, err
	}

	return v.(aggregate.Root), nil //nolint:forcetypeassert // Only aggregate.Root values are returned by Rehydrate.
}

// AcceptChanges marks the uncommitted Domain Events of the Aggregate Root
// as committed by the specified Stream, and caches the Root.
//
// The Domain Events have already been applied when recorded, so no replay
// is performed: only the Root version is moved to the Stream version.
func (c *MemoryCache) AcceptChanges(typ aggregate.Type, root aggregate.Root, stream event.Stream) error {
	if expected := root.Version().Next(); stream.Version != expected {
		return fmt.Errorf("cache.MemoryCache.AcceptChanges: %w, %w", ErrStaleStream, version.ConflictError{
			AggregateID: stream.AggregateID,
			Expected:    expected,
			Actual:      stream.Version,
		})
	}

	aggregate.AcceptChanges(root, stream.Version)
	c.store(key{typ: typ.Name, id: root.AggregateID()}, root, true)

	return nil
}

// Evict removes the Aggregate Root from the cache, if present.
func (c *MemoryCache) Evict(typ aggregate.Type, id string) {
	c.evict(key{typ: typ.Name, id: id})
}

func (c *MemoryCache) evict(k key) {
	c.mx.Lock()
	defer c.mx.Unlock()

	delete(c.entries, k)
}

// EvictInactive removes all the Aggregate Roots that have not been accessed
// for longer than the specified idle duration, returning how many were removed.
func (c *MemoryCache) EvictInactive(idle time.Duration) int {
	c.mx.Lock()
	defer c.mx.Unlock()

	threshold := c.now().Add(-idle)
	evicted := 0

	for k, e := range c.entries {
		if e.lastAccess.Before(threshold) {
			delete(c.entries, k)
			evicted++
		}
	}

	if evicted > 0 {
		logger.Debug(c.logger, "cache: evicted inactive aggregates",
			logger.With("evicted", evicted),
			logger.With("idle", idle),
		)
	}

	return evicted
}
