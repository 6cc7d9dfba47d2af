package message_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-consistently/go-consistently/message"
)

func TestMetadata(t *testing.T) {
	t.Run("with on nil metadata allocates a new map", func(t *testing.T) {
		var metadata message.Metadata

		metadata = metadata.With(message.CorrelationIDKey, "corr-1")
		assert.Equal(t, "corr-1", metadata.Get(message.CorrelationIDKey))
	})

	t.Run("get on nil metadata returns an empty string", func(t *testing.T) {
		var metadata message.Metadata
		assert.Empty(t, metadata.Get(message.ReplyTopicKey))
	})

	t.Run("merge into nil metadata does not alias the other map", func(t *testing.T) {
		var metadata message.Metadata

		other := message.Metadata{"a": "1"}
		merged := metadata.Merge(other)
		merged["b"] = "2"

		assert.Equal(t, message.Metadata{"a": "1"}, other)
		assert.Equal(t, message.Metadata{"a": "1", "b": "2"}, merged)
	})

	t.Run("clone returns an independent copy", func(t *testing.T) {
		original := message.Metadata{"a": "1"}
		clone := original.Clone()
		clone["a"] = "2"

		assert.Equal(t, "1", original.Get("a"))
	})
}
