package engine

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config contains the settings of an Engine.
type Config struct {
	// Lanes is the number of command mailbox lanes.
	Lanes int `default:"32" split_words:"true"`

	// PublishLanes is the number of event publishing lanes.
	PublishLanes int `default:"32" split_words:"true"`

	// LaneBuffer is the queue size of each lane.
	LaneBuffer int `default:"1024" split_words:"true"`

	// MaxConcurrencyRetries is the number of times a Command is handled
	// again after a version conflict.
	MaxConcurrencyRetries int `default:"3" split_words:"true"`

	// IORetries is the number of immediate retries on transient storage failures.
	IORetries uint64 `default:"3" envconfig:"IO_RETRIES"`

	// IORetryDelay is the delay between immediate retries.
	IORetryDelay time.Duration `default:"10ms" envconfig:"IO_RETRY_DELAY"`

	// RetryLaneDelay is the delay before re-sending a Command that failed
	// because of storage failures, while its retry budget allows it.
	RetryLaneDelay time.Duration `default:"1s" split_words:"true"`

	// RetryBudget is the retry budget assigned to Commands sent
	// with no retry budget.
	RetryBudget int `default:"0" split_words:"true"`

	// DefaultTimeout is the time callers wait for a Command Result,
	// when the Command does not specify one.
	DefaultTimeout time.Duration `default:"30s" split_words:"true"`

	// CacheIdleTTL is the time after which an unused Aggregate is evicted
	// from the Memory Cache. Zero disables eviction.
	CacheIdleTTL time.Duration `default:"0s" envconfig:"CACHE_IDLE_TTL"`

	// SequenceIdleTTL is the time after which the publishing sequence of an
	// Aggregate with no buffered Streams is evicted. Zero disables eviction.
	SequenceIdleTTL time.Duration `default:"10m" envconfig:"SEQUENCE_IDLE_TTL"`

	// CacheSweepInterval is how often inactive Aggregates and publishing
	// sequences are evicted.
	CacheSweepInterval time.Duration `default:"1m" split_words:"true"`

	CommandTopic string `default:"commands" split_words:"true"`
	EventTopic   string `default:"events" split_words:"true"`
	ReplyTopic   string `default:"replies" split_words:"true"`
}

// DefaultConfig returns the Config with all the default values.
func DefaultConfig() Config {
	return Config{
		Lanes:                 32,
		PublishLanes:          32,
		LaneBuffer:            1024,
		MaxConcurrencyRetries: 3,
		IORetries:             3,
		IORetryDelay:          10 * time.Millisecond,
		RetryLaneDelay:        time.Second,
		RetryBudget:           0,
		DefaultTimeout:        30 * time.Second,
		CacheIdleTTL:          0,
		SequenceIdleTTL:       10 * time.Minute,
		CacheSweepInterval:    time.Minute,
		CommandTopic:          "commands",
		EventTopic:            "events",
		ReplyTopic:            "replies",
	}
}

// ParseConfig parses the Config from the environment variables
// with the specified prefix, e.g. CONSISTENTLY_LANES for prefix "consistently".
func ParseConfig(prefix string) (Config, error) {
	var config Config

	if err := envconfig.Process(prefix, &config); err != nil {
		return Config{}, fmt.Errorf("engine.ParseConfig: failed to parse from env, %w", err)
	}

	return config, nil
}
