package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/engine"
)

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := engine.ParseConfig("consistently_test_defaults")
		require.NoError(t, err)
		assert.Equal(t, engine.DefaultConfig(), config)
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("CONSISTENTLY_LANES", "4")
		t.Setenv("CONSISTENTLY_PUBLISH_LANES", "2")
		t.Setenv("CONSISTENTLY_IO_RETRIES", "5")
		t.Setenv("CONSISTENTLY_IO_RETRY_DELAY", "25ms")
		t.Setenv("CONSISTENTLY_CACHE_IDLE_TTL", "10m")
		t.Setenv("CONSISTENTLY_SEQUENCE_IDLE_TTL", "0s")
		t.Setenv("CONSISTENTLY_COMMAND_TOPIC", "note-commands")

		config, err := engine.ParseConfig("consistently")
		require.NoError(t, err)

		assert.Equal(t, 4, config.Lanes)
		assert.Equal(t, 2, config.PublishLanes)
		assert.Equal(t, uint64(5), config.IORetries)
		assert.Equal(t, 25*time.Millisecond, config.IORetryDelay)
		assert.Equal(t, 10*time.Minute, config.CacheIdleTTL)
		assert.Zero(t, config.SequenceIdleTTL)
		assert.Equal(t, "note-commands", config.CommandTopic)
		assert.Equal(t, "events", config.EventTopic)
	})

	t.Run("invalid value", func(t *testing.T) {
		t.Setenv("CONSISTENTLY_LANES", "many")

		_, err := engine.ParseConfig("consistently")
		assert.Error(t, err)
	})
}
