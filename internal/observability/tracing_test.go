package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/rafaeljc/tally/internal/config"
)

var testApp = &config.AppConfig{Name: "tally-test", Version: "dev", Environment: "development"}

func TestStartSpan(t *testing.T) {
	t.Parallel()

	ctx, span := StartSpan(context.Background(), "test.span", attribute.String("user_id", "u-1"))

	assert.NotNil(t, span)
	assert.Equal(t, span, trace.SpanFromContext(ctx))
	assert.NotPanics(t, func() { EndSpan(span, errors.New("boom")) })
}

func TestNewTracerProvider(t *testing.T) {
	t.Parallel()

	t.Run("Should install nothing for the none exporter", func(t *testing.T) {
		t.Parallel()

		tp, err := NewTracerProvider(&config.TracingConfig{Exporter: config.TracingExporterNone, SampleRatio: 1}, testApp)

		require.NoError(t, err)
		assert.Nil(t, tp)
	})

	t.Run("Should reject an unknown exporter", func(t *testing.T) {
		t.Parallel()

		_, err := NewTracerProvider(&config.TracingConfig{Exporter: "zipkin"}, testApp)

		assert.Error(t, err)
	})

	t.Run("Should record spans through the jaeger provider", func(t *testing.T) {
		t.Parallel()

		// Arrange
		rec := tracetest.NewSpanRecorder()
		cfg := &config.TracingConfig{
			Exporter:    config.TracingExporterJaeger,
			Endpoint:    "http://127.0.0.1:1/api/traces",
			SampleRatio: 1,
		}
		tp, err := NewTracerProvider(cfg, testApp, sdktrace.WithSpanProcessor(rec))
		require.NoError(t, err)
		require.NotNil(t, tp)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		})

		// Act
		_, span := tp.Tracer(TracerName).Start(context.Background(), "test.jaeger")
		span.End()

		// Assert
		ended := rec.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, "test.jaeger", ended[0].Name())
		assert.Contains(t, ended[0].Resource().Attributes(), attribute.String("service.name", "tally-test"))
	})
}

// TestInstallTracing swaps the global provider, so it does not run in parallel.
func TestInstallTracing(t *testing.T) {
	// Arrange
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	rec := tracetest.NewSpanRecorder()
	InstallTracing(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	// Act
	ctx, parent := StartSpan(context.Background(), "test.parent")
	_, child := StartSpan(ctx, "test.child", attribute.String("job.kind", "points.adjusted"))
	EndSpan(child, errors.New("boom"))
	EndSpan(parent, nil)

	// Assert
	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "test.child", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, parent.SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Equal(t, "test.parent", ended[1].Name())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}
