package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/protoflow/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	enabled := func(mutate func(*Config)) *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		mutate(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"disabled ignores fields", &Config{}, false},
		{"default enabled", enabled(func(*Config) {}), false},
		{"no endpoint", enabled(func(c *Config) { c.Endpoint = "" }), true},
		{"no service", enabled(func(c *Config) { c.ServiceName = "" }), true},
		{"bad protocol", enabled(func(c *Config) { c.Protocol = "udp" }), true},
		{"insecure remote", enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317" }), true},
		{"secure remote", enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317"; c.Insecure = false }), false},
		{"insecure ipv6 loopback", enabled(func(c *Config) { c.Endpoint = "[::1]:4317" }), false},
		{"insecure 127.x", enabled(func(c *Config) { c.Endpoint = "127.0.0.2:4317" }), false},
		{"rate above one", enabled(func(c *Config) { c.SampleRate = 1.5 }), true},
		{"zero export interval", enabled(func(c *Config) { c.ExportInterval = 0 }), true},
		{"zero interval without metrics", enabled(func(c *Config) { c.ExportInterval = 0; c.MetricsEnabled = false }), false},
		{"zero shutdown", enabled(func(c *Config) { c.ShutdownTimeout = 0 }), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.True(t, isLocalEndpoint("::1"))
	assert.False(t, isLocalEndpoint("127.evil.com:4317"))
	assert.False(t, isLocalEndpoint("collector:4317"))
}

func TestFromSection(t *testing.T) {
	cfg := FromSection(config.TelemetryConfig{
		Enabled:        true,
		Endpoint:       "https://otel.example.com",
		SampleRate:     0.25,
		MetricsEnabled: true,
		ExportInterval: config.Duration(30 * time.Second),
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "protoflowd", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, 30*time.Second, cfg.ExportInterval)
	require.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true}, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_WithExporters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	spans := tracetest.NewInMemoryExporter()
	exp := &discardExporter{}

	tel, err := New(context.Background(), cfg, nil, WithTraceExporter(spans), WithMetricExporter(exp))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)

	_, span := tel.Tracer("test").Start(context.Background(), "stage.commit")
	span.End()
	require.NoError(t, tel.ForceFlush(context.Background()))
	require.Len(t, spans.GetSpans(), 1)
	assert.Equal(t, "stage.commit", spans.GetSpans()[0].Name)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, exp.shutdown)
}

// discardExporter is a metric.Exporter that drops everything.
type discardExporter struct {
	shutdown bool
}

func (e *discardExporter) Temporality(k metric.InstrumentKind) metricdata.Temporality {
	return metric.DefaultTemporalitySelector(k)
}

func (e *discardExporter) Aggregation(k metric.InstrumentKind) metric.Aggregation {
	return metric.DefaultAggregationSelector(k)
}

func (e *discardExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }

func (e *discardExporter) ForceFlush(context.Context) error { return nil }

func (e *discardExporter) Shutdown(context.Context) error {
	e.shutdown = true
	return nil
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		tel.SetLoggerProvider(nil)
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Healthy: false, Degraded: true}, tel.Health())
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "rebase")
	span.SetAttributes(attribute.String("branch", "prototype/auth-flow"), attribute.Int64("commits", 3))
	span.End()

	tt.AssertSpanExists(t, "rebase")
	tt.AssertSpanAttribute(t, "rebase", "branch", "prototype/auth-flow")
	tt.AssertSpanAttribute(t, "rebase", "commits", int64(3))
	assert.Nil(t, tt.SpanByName("missing"))

	counter, err := tt.Meter("test").Int64Counter("protoflow.test.total")
	require.NoError(t, err)
	counter.Add(ctx, 2, otelmetric.WithAttributes(attribute.String("stage", "spec")))
	counter.Add(ctx, 5, otelmetric.WithAttributes(attribute.String("stage", "init")))

	rm, err := tt.Collect(ctx)
	require.NoError(t, err)
	m, ok := FindMetric(rm, "protoflow.test.total")
	require.True(t, ok)
	assert.Equal(t, int64(7), Int64Sum(m, attribute.KeyValue{}))
	assert.Equal(t, int64(2), Int64Sum(m, attribute.String("stage", "spec")))

	_, ok = FindMetric(rm, "nope")
	assert.False(t, ok)
}
