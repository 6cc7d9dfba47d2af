// Package consistentlyfirestore contains the Google Cloud Firestore
// implementations of the Event Store and of the published Version Store.
//
// Aggregate and command ids are used in document ids,
// so they must not contain slashes.
package consistentlyfirestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/serde"
	"github.com/get-consistently/go-consistently/version"
)

var _ event.Store = new(EventStore)

// Default collection names used by EventStore.
const (
	DefaultAggregatesCollection = "Aggregates"
	DefaultStreamsCollection    = "EventStreams"
	DefaultCommandsCollection   = "EventStreamCommands"
)

// maxTransactionAttempts bounds the retries of append transactions
// aborted by contention on the same Aggregate.
const maxTransactionAttempts = 20

type aggregateDocument struct {
	LastVersion int64 `firestore:"last_version"`
}

type streamDocument struct {
	AggregateID   string            `firestore:"aggregate_id"`
	Version       int64             `firestore:"version"`
	StreamID      string            `firestore:"stream_id"`
	AggregateType string            `firestore:"aggregate_type"`
	CommandID     string            `firestore:"command_id"`
	RecordedAt    time.Time         `firestore:"recorded_at"`
	Events        []byte            `firestore:"events"`
	Items         map[string]string `firestore:"items"`
}

type commandDocument struct {
	Version int64 `firestore:"version"`
}

// EventStore is an event.Store implementation on Google Cloud Firestore.
//
// Each Event Stream is a document, next to a document per Aggregate holding
// its last version and a document per (aggregate, command) pair.
// All of them are written in the same transaction.
//
// Querying by version range requires a composite index on
// (aggregate_id, version) for the streams collection.
type EventStore struct {
	client *firestore.Client
	events serde.Serde[[]event.Envelope, []byte]

	aggregates string
	streams    string
	commands   string
}

// NewEventStore returns a new EventStore using the provided client.
// Domain Events are encoded as JSON using the Registry.
func NewEventStore(client *firestore.Client, registry *serde.Registry) *EventStore {
	return &EventStore{
		client:     client,
		events:     serde.NewEventsJSON(registry),
		aggregates: DefaultAggregatesCollection,
		streams:    DefaultStreamsCollection,
		commands:   DefaultCommandsCollection,
	}
}

func (es *EventStore) aggregateDoc(aggregateID string) *firestore.DocumentRef {
	return es.client.Collection(es.aggregates).Doc(aggregateID)
}

func (es *EventStore) streamDoc(aggregateID string, v version.Version) *firestore.DocumentRef {
	return es.client.Collection(es.streams).Doc(fmt.Sprintf("%s@%020d", aggregateID, v))
}

func (es *EventStore) commandDoc(aggregateID, commandID string) *firestore.DocumentRef {
	return es.client.Collection(es.commands).Doc(aggregateID + "@" + commandID)
}

// Append implements event.Appender.
func (es *EventStore) Append(ctx context.Context, stream event.Stream) (event.AppendResult, error) {
	if err := stream.Validate(); err != nil {
		return 0, fmt.Errorf("consistentlyfirestore.EventStore: failed to append stream, %w", err)
	}

	return es.append(ctx, []event.Stream{stream})
}

// BatchAppend implements event.Appender.
func (es *EventStore) BatchAppend(ctx context.Context, streams []event.Stream) (event.AppendResult, error) {
	if err := event.ValidateBatch(streams); err != nil {
		return 0, fmt.Errorf("consistentlyfirestore.EventStore: failed to append batch, %w", err)
	}

	return es.append(ctx, streams)
}

func (es *EventStore) encode(s event.Stream) (streamDocument, error) {
	events, err := es.events.Serialize(s.Events)
	if err != nil {
		return streamDocument{}, fmt.Errorf("%w: failed to encode events of %s, %w", event.ErrInvalidStream, s, err)
	}

	return streamDocument{
		AggregateID:   s.AggregateID,
		Version:       int64(s.Version),
		StreamID:      s.ID,
		AggregateType: s.AggregateType,
		CommandID:     s.CommandID,
		RecordedAt:    s.Timestamp,
		Events:        events,
		Items:         s.Items,
	}, nil
}

func (es *EventStore) decode(doc *firestore.DocumentSnapshot) (event.Stream, error) {
	var sd streamDocument
	if err := doc.DataTo(&sd); err != nil {
		return event.Stream{}, fmt.Errorf("failed to read stream document, %w", err)
	}

	events, err := es.events.Deserialize(sd.Events)
	if err != nil {
		return event.Stream{}, fmt.Errorf("failed to decode events, %w", err)
	}

	return event.Stream{
		ID:            sd.StreamID,
		AggregateID:   sd.AggregateID,
		AggregateType: sd.AggregateType,
		Version:       version.Version(sd.Version),
		CommandID:     sd.CommandID,
		Timestamp:     sd.RecordedAt,
		Events:        events,
		Items:         message.Metadata(sd.Items),
	}, nil
}

// check returns the outcome of appending the Stream. Reads only,
// as Firestore transactions require all reads to happen before writes.
func (es *EventStore) check(tx *firestore.Transaction, s event.Stream) (event.AppendResult, error) {
	_, err := tx.Get(es.commandDoc(s.AggregateID, s.CommandID))

	switch {
	case err == nil:
		return event.AppendDuplicateCommand, nil
	case status.Code(err) != codes.NotFound:
		return 0, fmt.Errorf("failed to check command id, %w", err)
	}

	var latest version.Version

	doc, err := tx.Get(es.aggregateDoc(s.AggregateID))

	switch {
	case err == nil:
		var ad aggregateDocument
		if err := doc.DataTo(&ad); err != nil {
			return 0, fmt.Errorf("failed to read aggregate document, %w", err)
		}

		latest = version.Version(ad.LastVersion)
	case status.Code(err) != codes.NotFound:
		return 0, fmt.Errorf("failed to get aggregate version, %w", err)
	}

	switch {
	case s.Version <= latest:
		return event.AppendDuplicateVersion, nil
	case s.Version > latest.Next():
		return 0, fmt.Errorf("%w, expected version %d, got %d", event.ErrVersionGap, latest.Next(), s.Version)
	default:
		return event.AppendSuccess, nil
	}
}

func (es *EventStore) append(ctx context.Context, streams []event.Stream) (event.AppendResult, error) {
	docs := make([]streamDocument, 0, len(streams))

	for _, s := range streams {
		doc, err := es.encode(s)
		if err != nil {
			return 0, fmt.Errorf("consistentlyfirestore.EventStore: failed to append, %w", err)
		}

		docs = append(docs, doc)
	}

	var result event.AppendResult

	err := es.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// The function is retried on contention.
		result = event.AppendSuccess

		for _, s := range streams {
			outcome, err := es.check(tx, s)
			if err != nil {
				return err
			}

			if outcome != event.AppendSuccess {
				result = outcome
				return nil
			}
		}

		for i, s := range streams {
			writes := []func() error{
				func() error {
					return tx.Set(es.aggregateDoc(s.AggregateID), aggregateDocument{LastVersion: int64(s.Version)})
				},
				func() error { return tx.Create(es.streamDoc(s.AggregateID, s.Version), docs[i]) },
				func() error {
					return tx.Create(es.commandDoc(s.AggregateID, s.CommandID), commandDocument{Version: int64(s.Version)})
				},
			}

			for _, write := range writes {
				if err := write(); err != nil {
					return fmt.Errorf("failed to write %s, %w", s, err)
				}
			}
		}

		return nil
	}, firestore.MaxAttempts(maxTransactionAttempts))
	if err != nil {
		return 0, fmt.Errorf("consistentlyfirestore.EventStore: failed to append, %w", err)
	}

	return result, nil
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

	iter := es.client.Collection(es.streams).
		Where("aggregate_id", "==", aggregateID).
		Where("version", ">=", int64(r.From)).
		Where("version", "<=", to).
		OrderBy("version", firestore.Asc).
		Documents(ctx)

	defer iter.Stop()

	var streams []event.Stream

	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("consistentlyfirestore.EventStore: failed while reading iterator, %w", err)
		}

		s, err := es.decode(doc)
		if err != nil {
			return nil, fmt.Errorf("consistentlyfirestore.EventStore: %w", err)
		}

		streams = append(streams, s)
	}

	return streams, nil
}

// FindByCommandID implements event.Querier.
func (es *EventStore) FindByCommandID(ctx context.Context, aggregateID, commandID string) (event.Stream, bool, error) {
	doc, err := es.commandDoc(aggregateID, commandID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return event.Stream{}, false, nil
	}

	if err != nil {
		return event.Stream{}, false, fmt.Errorf("consistentlyfirestore.EventStore: failed to get command, %w", err)
	}

	var cd commandDocument
	if err := doc.DataTo(&cd); err != nil {
		return event.Stream{}, false, fmt.Errorf("consistentlyfirestore.EventStore: failed to read command, %w", err)
	}

	doc, err = es.streamDoc(aggregateID, version.Version(cd.Version)).Get(ctx)
	if err != nil {
		return event.Stream{}, false, fmt.Errorf("consistentlyfirestore.EventStore: failed to get stream, %w", err)
	}

	s, err := es.decode(doc)
	if err != nil {
		return event.Stream{}, false, fmt.Errorf("consistentlyfirestore.EventStore: %w", err)
	}

	return s, true, nil
}
