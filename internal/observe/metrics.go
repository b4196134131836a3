// Package observe provides application-wide observability primitives for
// voicerelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], so they can be scraped at /metrics. Tests
// should build their own instance with [NewMetrics] and a ManualReader to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicerelay metrics.
const meterName = "github.com/MrWong99/voicerelay"

// Frame directions.
const (
	DirectionUpstream   = "client_to_agent"
	DirectionDownstream = "agent_to_client"
)

// Frame kinds.
const (
	KindAudio   = "audio"
	KindControl = "control"
	KindEvent   = "event"
	KindError   = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Frames counts relayed frames. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("kind", ...)
	Frames metric.Int64Counter

	// Bytes counts relayed payload bytes. Use with attribute:
	//   attribute.String("direction", ...)
	Bytes metric.Int64Counter

	// AgentConnectDuration tracks vendor dial plus handshake latency. Use with
	// attributes: attribute.String("provider", ...), attribute.String("status", ...)
	AgentConnectDuration metric.Float64Histogram

	// AgentErrors counts errors reported to clients. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("code", ...)
	AgentErrors metric.Int64Counter

	// SessionTokens counts token requests. Use with attribute:
	//   attribute.String("status", ...)
	SessionTokens metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for vendor
// connects, which include a TLS handshake and a settings round trip.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicerelay.relay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("voicerelay.relay.frames",
		metric.WithDescription("Relayed frames by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.Bytes, err = m.Int64Counter("voicerelay.relay.bytes",
		metric.WithDescription("Relayed payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AgentConnectDuration, err = m.Float64Histogram("voicerelay.agent.connect.duration",
		metric.WithDescription("Latency of opening a vendor agent session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentErrors, err = m.Int64Counter("voicerelay.agent.errors",
		metric.WithDescription("Errors reported to clients by provider and code."),
	); err != nil {
		return nil, err
	}
	if met.SessionTokens, err = m.Int64Counter("voicerelay.session.tokens",
		metric.WithDescription("Session token requests by status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerelay.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one relayed frame of n payload bytes.
func (m *Metrics) RecordFrame(ctx context.Context, direction, kind string, n int) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("kind", kind),
	))
	if n > 0 {
		m.Bytes.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("direction", direction),
		))
	}
}

// RecordAgentConnect records how long opening a vendor session took.
func (m *Metrics) RecordAgentConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.AgentConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

// RecordAgentError counts an error reported to a client.
func (m *Metrics) RecordAgentError(ctx context.Context, provider, code string) {
	m.AgentErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("code", code),
	))
}

// RecordSessionToken counts a token request outcome ("issued" or "rejected").
func (m *Metrics) RecordSessionToken(ctx context.Context, status string) {
	m.SessionTokens.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
