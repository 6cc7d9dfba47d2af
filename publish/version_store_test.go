package publish_test

import (
	"testing"

	"github.com/get-consistently/go-consistently/internal/storetest"
	"github.com/get-consistently/go-consistently/publish"
)

func TestInMemoryVersionStore(t *testing.T) {
	storetest.VersionStore(publish.NewInMemoryVersionStore())(t)
}
