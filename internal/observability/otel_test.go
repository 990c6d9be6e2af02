package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mmeshcher/receiptdraw/internal/config"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabledConfig() config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "receiptdraw-test",
		SampleRatio: 1.0,
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), config.OTELConfig{Enabled: false}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetup_InstallsProvider(t *testing.T) {
	for _, insecure := range []bool{true, false} {
		keepGlobals(t)

		cfg := enabledConfig()
		cfg.Insecure = insecure
		shutdown, err := Setup(context.Background(), cfg, "v1.0.0")
		require.NoError(t, err)

		_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
		assert.True(t, ok, "insecure=%v", insecure)

		ctx, span := otel.Tracer("test").Start(context.Background(), "pipeline.run")
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		span.End()
		assert.NotEmpty(t, carrier.Get("traceparent"))

		_ = shutdown(context.Background())
	}
}

func TestSetup_ExporterErrorKeepsGlobals(t *testing.T) {
	keepGlobals(t)

	orig := newExporter
	t.Cleanup(func() { newExporter = orig })
	newExporter = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("exporter down")
	}

	before := otel.GetTracerProvider()
	_, err := Setup(context.Background(), enabledConfig(), "v0")
	require.Error(t, err)
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetup_ResourceErrorKeepsGlobals(t *testing.T) {
	keepGlobals(t)

	orig := newResource
	t.Cleanup(func() { newResource = orig })
	newResource = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return nil, errors.New("bad resource")
	}

	before := otel.GetTracerProvider()
	_, err := Setup(context.Background(), enabledConfig(), "v0")
	require.Error(t, err)
	assert.Equal(t, before, otel.GetTracerProvider())
}
