package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/version"
)

// VersionStore returns an executable testing suite running on the
// publish.VersionStore value provided in input.
func VersionStore(store publish.VersionStore) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()

		t.Run("unknown version is zero", func(t *testing.T) {
			v, err := store.GetVersion(ctx, "processor", uuid.NewString())
			require.NoError(t, err)
			assert.Zero(t, v)
		})

		t.Run("first insert succeeds, second one fails harmlessly", func(t *testing.T) {
			id := uuid.NewString()

			require.NoError(t, store.InsertVersion(ctx, "processor", id, 1))

			err := store.InsertVersion(ctx, "processor", id, 1)
			assert.ErrorIs(t, err, publish.ErrVersionExists)

			v, err := store.GetVersion(ctx, "processor", id)
			require.NoError(t, err)
			assert.Equal(t, version.Version(1), v)
		})

		t.Run("versions are tracked per processor", func(t *testing.T) {
			id := uuid.NewString()

			require.NoError(t, store.InsertVersion(ctx, "first", id, 1))
			require.NoError(t, store.InsertVersion(ctx, "second", id, 1))
			require.NoError(t, store.UpdateVersion(ctx, "first", id, 2))

			first, err := store.GetVersion(ctx, "first", id)
			require.NoError(t, err)
			assert.Equal(t, version.Version(2), first)

			second, err := store.GetVersion(ctx, "second", id)
			require.NoError(t, err)
			assert.Equal(t, version.Version(1), second)
		})

		t.Run("update only advances by exactly one", func(t *testing.T) {
			id := uuid.NewString()

			err := store.UpdateVersion(ctx, "processor", id, 2)
			assert.ErrorIs(t, err, publish.ErrVersionConflict, "update with no inserted version")

			require.NoError(t, store.InsertVersion(ctx, "processor", id, 1))

			assert.ErrorIs(t, store.UpdateVersion(ctx, "processor", id, 3), publish.ErrVersionConflict)
			assert.ErrorIs(t, store.UpdateVersion(ctx, "processor", id, 1), publish.ErrVersionConflict)
			require.NoError(t, store.UpdateVersion(ctx, "processor", id, 2))
			assert.ErrorIs(t, store.UpdateVersion(ctx, "processor", id, 2), publish.ErrVersionConflict)

			v, err := store.GetVersion(ctx, "processor", id)
			require.NoError(t, err)
			assert.Equal(t, version.Version(2), v)
		})

		t.Run("advance is idempotent", func(t *testing.T) {
			id := uuid.NewString()

			for _, v := range []version.Version{1, 1, 2, 3, 2, 3} {
				require.NoError(t, publish.Advance(ctx, store, "processor", id, v))
			}

			v, err := store.GetVersion(ctx, "processor", id)
			require.NoError(t, err)
			assert.Equal(t, version.Version(3), v)

		})

		t.Run("advance catches up with a lagging version", func(t *testing.T) {
			id := uuid.NewString()

			require.NoError(t, publish.Advance(ctx, store, "processor", id, 3))

			v, err := store.GetVersion(ctx, "processor", id)
			require.NoError(t, err)
			assert.Equal(t, version.Version(3), v, "versions should be recorded from the first one")

			require.NoError(t, publish.Advance(ctx, store, "processor", id, 6))

			v, err = store.GetVersion(ctx, "processor", id)
			require.NoError(t, err)
			assert.Equal(t, version.Version(6), v)
		})

		t.Run("concurrent updates of the same version, only one wins", func(t *testing.T) {
			id := uuid.NewString()
			require.NoError(t, store.InsertVersion(ctx, "processor", id, 1))

			const writers = 8

			var (
				wg        sync.WaitGroup
				mx        sync.Mutex
				successes int
			)

			for range writers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					err := store.UpdateVersion(ctx, "processor", id, 2)
					if err == nil {
						mx.Lock()
						successes++
						mx.Unlock()

						return
					}

					assert.ErrorIs(t, err, publish.ErrVersionConflict)
				}()
			}

			wg.Wait()
			assert.Equal(t, 1, successes)
		})
	}
}
