package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperationResultAttributes(t *testing.T) {
	attrs := OperationResultAttributes("dev", "labels", "fetch", "success")
	require.Len(t, attrs, 4)
	require.Equal(t, AttrComponent, attrs[1].Key)
	require.Equal(t, "labels", attrs[1].Value.AsString())
	require.Equal(t, "success", attrs[3].Value.AsString())
}

func TestEnvironmentDefaultsAndNormalises(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "dev", Environment())
	SetEnvironment("  PROD ")
	require.Equal(t, "prod", Environment())
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestDisabledProviderIsNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "dev"})
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestHistogramViewsCoverCoreInstruments(t *testing.T) {
	require.Len(t, HistogramViews(), 4)
}
