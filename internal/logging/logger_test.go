package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestNewDevelopmentLogger confirms the development logger builds at debug level.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

// TestNewProductionLoggerLevel honours an explicit level.
func TestNewProductionLoggerLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

// TestNewRejectsUnknownLevel surfaces a parse error.
func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.ErrorContains(t, err, "parse log level")
}

// TestSetLevelAdjustsRunningLogger changes the level after construction.
func TestSetLevelAdjustsRunningLogger(t *testing.T) {
	t.Parallel()

	logger, atom, err := NewLeveled(Config{Level: "info"})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel(atom, "debug"))
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.NoError(t, SetLevel(atom, ""))
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.Error(t, SetLevel(atom, "loud"))
}
