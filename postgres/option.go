package postgres

import "github.com/get-consistently/go-consistently/logger"

// Option can be used to change the configuration of an object.
type Option[T any] interface {
	apply(T)
}

type option[T any] func(T)

func newOption[T any](f func(T)) option[T] { return option[T](f) }

func (apply option[T]) apply(val T) { apply(val) }

const (
	// DefaultStreamsTableName is the default table an EventStore writes to.
	DefaultStreamsTableName = "event_streams"
	// DefaultVersionsTableName is the default table a VersionStore writes to.
	DefaultVersionsTableName = "published_versions"
)

// WithStreamsTableName sets a different Event Streams table for an EventStore.
// The table must have the same schema as the one created by RunMigrations.
func WithStreamsTableName(tableName string) Option[*EventStore] {
	return newOption(func(es *EventStore) { es.tableName = tableName })
}

// WithEventStoreLogger sets the Logger used by an EventStore.
func WithEventStoreLogger(l logger.Logger) Option[*EventStore] {
	return newOption(func(es *EventStore) { es.logger = l })
}

// WithVersionsTableName sets a different published versions table for a VersionStore.
// The table must have the same schema as the one created by RunMigrations.
func WithVersionsTableName(tableName string) Option[*VersionStore] {
	return newOption(func(vs *VersionStore) { vs.tableName = tableName })
}
