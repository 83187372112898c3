package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/miradorstack/mirador-rollout/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(config.TelemetryConfig{}, "dev", nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(config.TelemetryConfig{Tracing: true, ServiceName: "rollout-test"}, "dev", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "deploy")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"deploy"`)
	assert.Contains(t, buf.String(), "rollout-test")
}
