package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protoflow/internal/pipeline"
	"github.com/fyrsmithlabs/protoflow/internal/telemetry"
)

func TestMetricsMiddleware_LabelsByRoute(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := newHTTPMetrics(tel.Meter(instrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/jobs/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rm, err := tel.Collect(context.Background())
	require.NoError(t, err)

	total, ok := telemetry.FindMetric(rm, "protoflow.http.requests_total")
	require.True(t, ok)
	assert.Equal(t, int64(3), telemetry.Int64Sum(total, attribute.String("route", "/api/v1/jobs/:id")))
	assert.Equal(t, int64(4), telemetry.Int64Sum(total, attribute.KeyValue{}))

	active, ok := telemetry.FindMetric(rm, "protoflow.http.active_requests")
	require.True(t, ok)
	assert.Zero(t, telemetry.Int64Sum(active, attribute.KeyValue{}))

	_, ok = telemetry.FindMetric(rm, "protoflow.http.request_duration_seconds")
	assert.True(t, ok)
}

func TestNewHTTPMetrics_NilLogger(t *testing.T) {
	m := NewHTTPMetrics(nil)
	require.NotNil(t, m)
	assert.NotNil(t, m.requestsTotal)
}

func TestRouteOf(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/x", nil), httptest.NewRecorder())
	assert.Equal(t, "unmatched", routeOf(c))
	c.SetPath("/api/v1/branches")
	assert.Equal(t, "/api/v1/branches", routeOf(c))
}

func TestMetricsEndpoint_ServesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "protoflow_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Add(2)

	ts := setupTestServer(t, pipeline.Deps{}, WithGatherer(reg))
	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "protoflow_test_total 2"), rec.Body.String())
}
