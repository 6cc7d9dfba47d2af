package consistentlyfirestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/version"
)

var _ publish.VersionStore = new(VersionStore)

// DefaultVersionsCollection is the default collection name used by VersionStore.
const DefaultVersionsCollection = "PublishedVersions"

type versionDocument struct {
	Processor   string `firestore:"processor"`
	AggregateID string `firestore:"aggregate_id"`
	Version     int64  `firestore:"version"`
}

// VersionStore is a publish.VersionStore implementation on Google Cloud Firestore,
// using a document per (processor, aggregate) pair.
type VersionStore struct {
	client     *firestore.Client
	collection string
}

// NewVersionStore returns a new VersionStore using the provided client.
func NewVersionStore(client *firestore.Client) *VersionStore {
	return &VersionStore{
		client:     client,
		collection: DefaultVersionsCollection,
	}
}

func (vs *VersionStore) doc(processor, aggregateID string) *firestore.DocumentRef {
	return vs.client.Collection(vs.collection).Doc(processor + "@" + aggregateID)
}

func readVersion(doc *firestore.DocumentSnapshot, err error) (version.Version, error) {
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	var vd versionDocument
	if err := doc.DataTo(&vd); err != nil {
		return 0, err
	}

	return version.Version(vd.Version), nil
}

// GetVersion implements publish.VersionStore.
func (vs *VersionStore) GetVersion(ctx context.Context, processor, aggregateID string) (version.Version, error) {
	v, err := readVersion(vs.doc(processor, aggregateID).Get(ctx))
	if err != nil {
		return 0, fmt.Errorf("consistentlyfirestore.VersionStore: failed to get version, %w", err)
	}

	return v, nil
}

// InsertVersion implements publish.VersionStore.
func (vs *VersionStore) InsertVersion(
	ctx context.Context,
	processor, aggregateID string,
	v version.Version,
) error {
	_, err := vs.doc(processor, aggregateID).Create(ctx, versionDocument{
		Processor:   processor,
		AggregateID: aggregateID,
		Version:     int64(v),
	})

	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("consistentlyfirestore.VersionStore: %w, %s@%s", publish.ErrVersionExists, processor, aggregateID)
	}

	if err != nil {
		return fmt.Errorf("consistentlyfirestore.VersionStore: failed to insert version, %w", err)
	}

	return nil
}

// UpdateVersion implements publish.VersionStore.
func (vs *VersionStore) UpdateVersion(
	ctx context.Context,
	processor, aggregateID string,
	v version.Version,
) error {
	ref := vs.doc(processor, aggregateID)

	err := vs.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current, err := readVersion(tx.Get(ref))
		if err != nil {
			return err
		}

		if current == 0 || current != v-1 {
			return fmt.Errorf("%w, expected %d, found %d on %s@%s", publish.ErrVersionConflict, v-1, current, processor, aggregateID)
		}

		return tx.Update(ref, []firestore.Update{{Path: "version", Value: int64(v)}})
	})

	if errors.Is(err, publish.ErrVersionConflict) {
		return fmt.Errorf("consistentlyfirestore.VersionStore: %w", err)
	}

	if err != nil {
		return fmt.Errorf("consistentlyfirestore.VersionStore: failed to update version, %w", err)
	}

	return nil
}
