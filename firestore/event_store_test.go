package consistentlyfirestore_test

import (
	"context"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/gcloud"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	consistentlyfirestore "github.com/get-consistently/go-consistently/firestore"
	"github.com/get-consistently/go-consistently/internal/note"
	"github.com/get-consistently/go-consistently/internal/storetest"
	"github.com/get-consistently/go-consistently/serde"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:513.0.0-emulators"

// connect starts a Firestore emulator and returns a client pointing to it.
func connect(t *testing.T) *firestore.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping firestore integration test in short mode")
	}

	ctx := context.Background()

	container, err := gcloud.RunFirestore(ctx, emulatorImage, gcloud.WithProjectID("consistently-test"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	client, err := firestore.NewClient(ctx, container.Settings.ProjectID,
		option.WithEndpoint(container.URI),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestEventStore(t *testing.T) {
	registry := serde.NewRegistry()
	note.RegisterEvents(registry)

	storetest.EventStore(consistentlyfirestore.NewEventStore(connect(t), registry))(t)
}

func TestVersionStore(t *testing.T) {
	storetest.VersionStore(consistentlyfirestore.NewVersionStore(connect(t)))(t)
}
