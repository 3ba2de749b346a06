package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine's instruments. Every Record method is a no-op
// on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	HTTPRequests     metric.Int64Counter
	HTTPDuration     metric.Float64Histogram
	TasksClaimed     metric.Int64Counter
	LeasesExpired    metric.Int64Counter
	Publications     metric.Int64Counter
	PublishDuration  metric.Float64Histogram
	TokenRefreshes   metric.Int64Counter
	RetriesScheduled metric.Int64Counter
	BreakerChanges   metric.Int64Counter
	InFlight         metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(serviceName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequests, "boost_http_requests_total", "Total number of ops HTTP requests"},
		{&m.TasksClaimed, "boost_tasks_claimed_total", "Tasks claimed by this worker"},
		{&m.LeasesExpired, "boost_leases_expired_total", "Claimed tasks returned to pending after their lease expired"},
		{&m.Publications, "boost_publications_total", "Publication attempts by outcome"},
		{&m.TokenRefreshes, "boost_token_refresh_total", "Credential refresh attempts by outcome"},
		{&m.RetriesScheduled, "boost_retries_scheduled_total", "Failed publications re-armed for another attempt"},
		{&m.BreakerChanges, "boost_breaker_state_changes_total", "Platform circuit breaker state transitions"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"boost_http_duration_seconds",
		metric.WithDescription("Ops HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishDuration, err = meter.Float64Histogram(
		"boost_publish_duration_seconds",
		metric.WithDescription("Platform publish call duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlight, err = meter.Int64UpDownCounter(
		"boost_tasks_in_flight",
		metric.WithDescription("Claimed tasks currently being processed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordClaimed(ctx context.Context, taskType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TasksClaimed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", taskType)))
}

func (m *Metrics) RecordLeasesExpired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LeasesExpired.Add(ctx, int64(n))
}

func (m *Metrics) RecordPublication(ctx context.Context, platform, status, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Publications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("status", status),
		attribute.String("kind", kind),
	))
	if duration > 0 {
		m.PublishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("platform", platform)))
	}
}

func (m *Metrics) RecordTokenRefresh(ctx context.Context, platform, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordRetryScheduled(ctx context.Context, platform string) {
	if m == nil {
		return
	}
	m.RetriesScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

func (m *Metrics) RecordBreakerChange(ctx context.Context, platform, to string) {
	if m == nil {
		return
	}
	m.BreakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("to", to),
	))
}

func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.InFlight.Add(ctx, 1)
}

func (m *Metrics) TaskFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.InFlight.Add(ctx, -1)
}
