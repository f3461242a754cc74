package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggers(t *testing.T) {
	t.Parallel()

	for _, dev := range []bool{true, false} {
		logger, err := New(dev)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready", zap.Bool("development", dev))
		_ = logger.Sync()
	}
}

func TestForWorkerAddsFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	ForWorker(zap.New(core), "craigslist_search", "craigslist_search-0").Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "worker", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	require.Equal(t, "craigslist_search", fields["task"])
	require.Equal(t, "craigslist_search-0", fields["worker"])
}
