package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	SetLogger(nil)
	require.NotNil(t, Log())
	Log().Info("ignored")
}

func TestOrPrefersExplicitLogger(t *testing.T) {
	core, _ := observer.New(zapcore.DebugLevel)
	explicit := WrapZap(zap.New(core))
	require.Same(t, explicit, Or(explicit))
	require.Equal(t, Log(), Or(nil))
}

func TestZapLoggerEmitsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := WrapZap(zap.New(core)).Named("eventbus")

	logger.Info("subscriber registered", F("subscription", "abc"), F("buffer", 8))
	logger.Error("delivery failed", F("error", errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "eventbus", entries[0].LoggerName)
	require.Equal(t, "abc", entries[0].ContextMap()["subscription"])
	require.EqualValues(t, 8, entries[0].ContextMap()["buffer"])
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG").Level())
	require.Equal(t, zapcore.WarnLevel, ParseLevel("warning").Level())
	require.Equal(t, zapcore.ErrorLevel, ParseLevel("error").Level())
	require.Equal(t, zapcore.InfoLevel, ParseLevel("").Level())
}

func TestAggregateErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := WrapZap(zap.New(core))

	require.NoError(t, AggregateErrors(logger, "shutdown", []error{nil, nil}))
	require.Zero(t, logs.Len())

	first := errors.New("bus")
	err := AggregateErrors(logger, "shutdown", []error{first, nil, errors.New("pool")})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.Contains(t, err.Error(), "shutdown failed")
	require.Equal(t, 1, logs.Len())
	require.EqualValues(t, 2, logs.All()[0].ContextMap()["error_count"])
}
