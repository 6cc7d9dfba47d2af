package zaplogger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/logger/zaplogger"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zaplogger.Wrap(zap.New(core))

	logger.Debug(l, "debug message", logger.With("aggregate_id", "N1"))
	logger.Info(l, "info message")
	logger.Warn(l, "warn message")
	logger.Error(l, "error message", logger.Err(errors.New("boom")))

	entries := logs.AllUntimed()
	if !assert.Len(t, entries, 4) {
		return
	}

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "N1", entries[0].ContextMap()["aggregate_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		logger.Info(nil, "nothing happens")
	})
}
