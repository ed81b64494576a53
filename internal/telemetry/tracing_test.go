package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

// TestInitTracerProviderStdout exports finished spans to the writer.
func TestInitTracerProviderStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracerProvider(context.Background(), Config{
		Enabled:     true,
		ServiceName: "adsearch-test",
		Exporter:    ExporterStdout,
	}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), `"Name":"unit"`)
	require.Contains(t, buf.String(), "adsearch-test")
}

// TestInitTracerProviderDisabled installs propagators only.
func TestInitTracerProviderDisabled(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

// TestInitTracerProviderUnknownExporter rejects typos.
func TestInitTracerProviderUnknownExporter(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{Enabled: true, Exporter: "zipkin"}, nil)
	require.ErrorContains(t, err, "unknown trace exporter")
}
