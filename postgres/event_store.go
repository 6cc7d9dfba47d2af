// Package postgres contains the PostgreSQL implementations of the Event Store
// and of the published Version Store, built on pgx connection pools.
//
// Use RunMigrations to create the tables used by these implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/postgres/internal"
	"github.com/get-consistently/go-consistently/serde"
	"github.com/get-consistently/go-consistently/version"
)

var _ event.Store = new(EventStore)

// errRejected aborts an append transaction that ended with
// a constraint violation outcome.
var errRejected = errors.New("postgres: append rejected")

const streamColumns = `aggregate_id, version, stream_id, aggregate_type, command_id, recorded_at, events, items`

// EventStore is an event.Store implementation targeted to PostgreSQL databases.
//
// Each Event Stream is a row of the event_streams table, where the
// primary key on (aggregate_id, version) and the unique constraint on
// (aggregate_id, command_id) enforce the Event Store invariants.
type EventStore struct {
	pool      *pgxpool.Pool
	events    serde.Serde[[]event.Envelope, []byte]
	items     serde.Serde[message.Metadata, []byte]
	tableName string
	logger    logger.Logger
}

// NewEventStore returns a new EventStore using the provided connection pool.
// Domain Events are encoded as JSON using the Registry.
func NewEventStore(pool *pgxpool.Pool, registry *serde.Registry, options ...Option[*EventStore]) *EventStore {
	es := &EventStore{
		pool:      pool,
		events:    serde.NewEventsJSON(registry),
		items:     serde.NewJSON(func() message.Metadata { return nil }),
		tableName: DefaultStreamsTableName,
	}

	for _, opt := range options {
		opt.apply(es)
	}

	return es
}

func (es *EventStore) table() string {
	return pgx.Identifier{es.tableName}.Sanitize()
}

// Append implements event.Appender.
func (es *EventStore) Append(ctx context.Context, stream event.Stream) (event.AppendResult, error) {
	if err := stream.Validate(); err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to append stream, %w", err)
	}

	return es.append(ctx, []event.Stream{stream})
}

// BatchAppend implements event.Appender.
func (es *EventStore) BatchAppend(ctx context.Context, streams []event.Stream) (event.AppendResult, error) {
	if err := event.ValidateBatch(streams); err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to append batch, %w", err)
	}

	return es.append(ctx, streams)
}

type streamRow struct {
	stream event.Stream
	events []byte
	items  []byte
}

func (es *EventStore) encode(streams []event.Stream) ([]streamRow, error) {
	rows := make([]streamRow, 0, len(streams))

	for _, s := range streams {
		events, err := es.events.Serialize(s.Events)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode events of %s, %w", event.ErrInvalidStream, s, err)
		}

		items, err := es.items.Serialize(s.Items)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode items of %s, %w", event.ErrInvalidStream, s, err)
		}

		rows = append(rows, streamRow{stream: s, events: events, items: items})
	}

	return rows, nil
}

func (es *EventStore) append(ctx context.Context, streams []event.Stream) (event.AppendResult, error) {
	rows, err := es.encode(streams)
	if err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to append, %w", err)
	}

	var (
		result   = event.AppendSuccess
		violator event.Stream
	)

	err = internal.RunTransaction(ctx, es.pool, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(ctx context.Context, tx pgx.Tx) error {
		for _, row := range rows {
			violator = row.stream

			outcome, err := es.check(ctx, tx, row.stream)
			if err != nil {
				return err
			}

			if outcome != event.AppendSuccess {
				result = outcome
				return errRejected
			}

			if err := es.insert(ctx, tx, row); err != nil {
				return err
			}
		}

		return nil
	})

	if errors.Is(err, errRejected) {
		logger.Debug(es.logger, "postgres.EventStore: append rejected",
			logger.With("stream", violator.String()),
			logger.With("result", result.String()),
		)

		return result, nil
	}

	// A concurrent writer committed first: the command key takes precedence
	// over the version key, so look for the command before reporting.
	if constraint, ok := uniqueViolation(err); ok {
		_, found, findErr := es.FindByCommandID(ctx, violator.AggregateID, violator.CommandID)
		if findErr != nil {
			return 0, fmt.Errorf("postgres.EventStore: failed to resolve '%s' violation, %w", constraint, findErr)
		}

		if found {
			return event.AppendDuplicateCommand, nil
		}

		return event.AppendDuplicateVersion, nil
	}

	if err != nil {
		return 0, fmt.Errorf("postgres.EventStore: failed to append, %w", err)
	}

	return event.AppendSuccess, nil
}

func (es *EventStore) check(ctx context.Context, tx pgx.Tx, s event.Stream) (event.AppendResult, error) {
	var exists bool

	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+es.table()+` WHERE aggregate_id = $1 AND command_id = $2)`,
		s.AggregateID, s.CommandID,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check command id, %w", err)
	}

	if exists {
		return event.AppendDuplicateCommand, nil
	}

	var current int64

	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM `+es.table()+` WHERE aggregate_id = $1`,
		s.AggregateID,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version, %w", err)
	}

	switch latest := version.Version(current); {
	case s.Version <= latest:
		return event.AppendDuplicateVersion, nil
	case s.Version > latest.Next():
		return 0, fmt.Errorf("%w, expected version %d, got %d", event.ErrVersionGap, latest.Next(), s.Version)
	default:
		return event.AppendSuccess, nil
	}
}

func (es *EventStore) insert(ctx context.Context, tx pgx.Tx, row streamRow) error {
	s := row.stream

	_, err := tx.Exec(ctx,
		`INSERT INTO `+es.table()+` (`+streamColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.AggregateID, int64(s.Version), s.ID, s.AggregateType, s.CommandID, s.Timestamp, row.events, row.items,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s, %w", s, err)
	}

	return nil
}

func (es *EventStore) scan(row pgx.Row) (event.Stream, error) {
	var (
		s       event.Stream
		v       int64
		events  []byte
		items   []byte
		wrapErr = func(msg string, err error) error {
			return fmt.Errorf("postgres.EventStore: %s, %w", msg, err)
		}
	)

	if err := row.Scan(&s.AggregateID, &v, &s.ID, &s.AggregateType, &s.CommandID, &s.Timestamp, &events, &items); err != nil {
		return event.Stream{}, err
	}

	s.Version = version.Version(v)

	var err error

	if s.Events, err = es.events.Deserialize(events); err != nil {
		return event.Stream{}, wrapErr("failed to decode events", err)
	}

	if len(items) > 0 {
		if s.Items, err = es.items.Deserialize(items); err != nil {
			return event.Stream{}, wrapErr("failed to decode items", err)
		}
	}

	return s, nil
}

// QueryByVersionRange implements event.Querier.
func (es *EventStore) QueryByVersionRange(
	ctx context.Context,
	aggregateID string,
	r version.Range,
) ([]event.Stream, error) {
	to := int64(math.MaxInt64)
	if r.To < version.Version(math.MaxInt64) {
		to = int64(r.To)
	}

	rows, err := es.pool.Query(ctx,
		`SELECT `+streamColumns+` FROM `+es.table()+`
		WHERE aggregate_id = $1 AND version BETWEEN $2 AND $3
		ORDER BY version`,
		aggregateID, int64(r.From), to,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to query streams, %w", err)
	}

	defer rows.Close()

	var streams []event.Stream

	for rows.Next() {
		s, err := es.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres.EventStore: failed to scan stream, %w", err)
		}

		streams = append(streams, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.EventStore: failed to read streams, %w", err)
	}

	return streams, nil
}

// FindByCommandID implements event.Querier.
func (es *EventStore) FindByCommandID(ctx context.Context, aggregateID, commandID string) (event.Stream, bool, error) {
	row := es.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM `+es.table()+` WHERE aggregate_id = $1 AND command_id = $2`,
		aggregateID, commandID,
	)

	s, err := es.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Stream{}, false, nil
	}

	if err != nil {
		return event.Stream{}, false, fmt.Errorf("postgres.EventStore: failed to find stream by command, %w", err)
	}

	return s, true, nil
}
