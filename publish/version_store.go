package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/get-consistently/go-consistently/version"
)

var (
	// ErrVersionExists is returned by VersionStore.InsertVersion when
	// a published version has already been recorded.
	ErrVersionExists = errors.New("publish: published version already exists")

	// ErrVersionConflict is returned by VersionStore.UpdateVersion when
	// the recorded version is not the one directly preceding the new one.
	ErrVersionConflict = errors.New("publish: published version conflict")
)

// VersionStore records the last version of each Aggregate
// successfully delivered to a Processor.
type VersionStore interface {
	// GetVersion returns the last published version, or 0 if none
	// has been recorded yet.
	GetVersion(ctx context.Context, processor, aggregateID string) (version.Version, error)

	// InsertVersion records the first published version.
	// ErrVersionExists is returned if a version has already been recorded.
	InsertVersion(ctx context.Context, processor, aggregateID string, v version.Version) error

	// UpdateVersion moves the published version to v, only if the recorded
	// one is v-1. ErrVersionConflict is returned otherwise.
	UpdateVersion(ctx context.Context, processor, aggregateID string, v version.Version) error
}

// Advance records v as the published version for the Processor and Aggregate.
//
// Every version between the recorded one and v is recorded in turn, using
// InsertVersion for the first version and UpdateVersion for the next ones,
// so that a watermark left behind by a failed write catches up with the
// versions delivered since. Recording a version that has already been
// recorded, or surpassed, is a no-op.
func Advance(ctx context.Context, store VersionStore, processor, aggregateID string, v version.Version) error {
	current, err := store.GetVersion(ctx, processor, aggregateID)
	if err != nil {
		return fmt.Errorf("publish.Advance: failed to get version, %w", err)
	}

	for next := current.Next(); next <= v; next++ {
		if next == 1 {
			err = store.InsertVersion(ctx, processor, aggregateID, next)
		} else {
			err = store.UpdateVersion(ctx, processor, aggregateID, next)
		}

		if err != nil {
			return fmt.Errorf("publish.Advance: failed to record version %d, %w", next, err)
		}
	}

	return nil
}

type versionKey struct {
	processor   string
	aggregateID string
}

var _ VersionStore = new(InMemoryVersionStore)

// InMemoryVersionStore is a thread-safe, in-memory VersionStore implementation.
type InMemoryVersionStore struct {
	mx       sync.RWMutex
	versions map[versionKey]version.Version
}

// NewInMemoryVersionStore returns a new, empty InMemoryVersionStore.
func NewInMemoryVersionStore() *InMemoryVersionStore {
	return &InMemoryVersionStore{versions: make(map[versionKey]version.Version)}
}

// GetVersion implements the VersionStore interface.
func (s *InMemoryVersionStore) GetVersion(ctx context.Context, processor, aggregateID string) (version.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("publish.InMemoryVersionStore: %w", err)
	}

	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.versions[versionKey{processor, aggregateID}], nil
}

// InsertVersion implements the VersionStore interface.
func (s *InMemoryVersionStore) InsertVersion(
	ctx context.Context,
	processor, aggregateID string,
	v version.Version,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish.InMemoryVersionStore: %w", err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	key := versionKey{processor, aggregateID}
	if _, ok := s.versions[key]; ok {
		return ErrVersionExists
	}

	s.versions[key] = v

	return nil
}

// UpdateVersion implements the VersionStore interface.
func (s *InMemoryVersionStore) UpdateVersion(
	ctx context.Context,
	processor, aggregateID string,
	v version.Version,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish.InMemoryVersionStore: %w", err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	key := versionKey{processor, aggregateID}
	if current, ok := s.versions[key]; !ok || current+1 != v {
		return ErrVersionConflict
	}

	s.versions[key] = v

	return nil
}
