package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , x-tenant=vaults,broken,=skip")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "vaults",
	}, headers)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Traces: true})
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{SampleRatio: 5}.Validate())
	require.NoError(t, Config{ServiceName: "vaultd", Traces: true, SampleRatio: 0.25}.Validate())
	require.Error(t, Config{ServiceName: "vaultd", Traces: true, SampleRatio: 1.5}.Validate())
	require.Error(t, Config{ServiceName: "vaultd", Metrics: true, ExportIntervalSeconds: -1}.Validate())
}

func TestTracerNamespacing(t *testing.T) {
	require.NotNil(t, Tracer("vaultapi"))
	require.NotNil(t, Tracer("multivault/feesink"))
}
