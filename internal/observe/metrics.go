// Package observe provides EchoNet's observability: OpenTelemetry metrics
// with a Prometheus exporter bridge, and HTTP middleware that records request
// durations and completion logs.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all EchoNet metrics.
const meterName = "github.com/MrWong99/echonet"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ASRDuration tracks transcription latency. Attributes: mode.
	ASRDuration metric.Float64Histogram

	// CaptureDuration tracks how long each audio capture ran. Attributes: mode.
	CaptureDuration metric.Float64Histogram

	// RouteDecisions counts routing outcomes. Attributes: mode, handled.
	RouteDecisions metric.Int64Counter

	// EventsForwarded counts successful deliveries. Attributes: target.
	EventsForwarded metric.Int64Counter

	// ForwardErrors counts failed deliveries. Attributes: target, kind.
	ForwardErrors metric.Int64Counter

	// SettingChanges counts applied setting mutations. Attributes: name, source.
	SettingChanges metric.Int64Counter

	// ActiveSessions tracks the number of live routing sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// on-device ASR: sub-second for short trigger captures up to tens of seconds
// for full active-mode segments.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ASRDuration, err = m.Float64Histogram("echonet.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("echonet.capture.duration",
		metric.WithDescription("Duration of completed audio captures."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RouteDecisions, err = m.Int64Counter("echonet.route.decisions",
		metric.WithDescription("Routing decisions by mode and handled flag."),
	); err != nil {
		return nil, err
	}
	if met.EventsForwarded, err = m.Int64Counter("echonet.events.forwarded",
		metric.WithDescription("Events successfully delivered by target."),
	); err != nil {
		return nil, err
	}
	if met.ForwardErrors, err = m.Int64Counter("echonet.forward.errors",
		metric.WithDescription("Failed event deliveries by target and error kind."),
	); err != nil {
		return nil, err
	}
	if met.SettingChanges, err = m.Int64Counter("echonet.setting.changes",
		metric.WithDescription("Applied setting changes by name and source."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("echonet.active_sessions",
		metric.WithDescription("Number of live routing sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("echonet.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordASR records one transcription with its capture mode.
func (m *Metrics) RecordASR(ctx context.Context, mode string, d time.Duration) {
	m.ASRDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordCapture records the length of one completed capture.
func (m *Metrics) RecordCapture(ctx context.Context, mode string, d time.Duration) {
	m.CaptureDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordDecision records one routing decision.
func (m *Metrics) RecordDecision(ctx context.Context, mode string, handled bool) {
	m.RouteDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.Bool("handled", handled),
		))
}

// RecordForward records a delivery outcome; kind is empty on success.
func (m *Metrics) RecordForward(ctx context.Context, target, kind string) {
	if kind == "" {
		m.EventsForwarded.Add(ctx, 1,
			metric.WithAttributes(attribute.String("target", target)))
		return
	}
	m.ForwardErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("kind", kind),
		))
}

// AddActiveSessions adjusts the live-session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	m.ActiveSessions.Add(ctx, delta)
}

// RecordSettingChange records one applied setting mutation.
func (m *Metrics) RecordSettingChange(ctx context.Context, name, source string) {
	m.SettingChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("source", source),
		))
}
