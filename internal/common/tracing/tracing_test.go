package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerIsNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	tracer := Tracer("test")
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
