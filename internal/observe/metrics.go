// Package observe provides application-wide observability primitives for
// advisorlive: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them into a Prometheus registry served on /metrics. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
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

// meterName is the instrumentation scope name used for all advisorlive metrics.
const meterName = "github.com/MrWong99/advisorlive"

// Reasons recorded on [Metrics.ChunksDropped].
const (
	DropDecode       = "decode"
	DropSchedule     = "schedule"
	DropBackpressure = "backpressure"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice session ---

	// ActiveSessions tracks the number of open voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionStarts counts Start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"permission_denied"|"channel_failed"|"cancelled"|"error")
	SessionStarts metric.Int64Counter

	// ConnectDuration tracks the time from Start until the channel opens.
	ConnectDuration metric.Float64Histogram

	// FramesSent counts microphone windows sent to the model.
	FramesSent metric.Int64Counter

	// ChunksScheduled counts response audio chunks queued for playback.
	ChunksScheduled metric.Int64Counter

	// ChunksDropped counts response audio chunks that were not played. Use
	// with attribute:
	//   attribute.String("reason", DropDecode|DropSchedule|DropBackpressure)
	ChunksDropped metric.Int64Counter

	// Interruptions counts barge-in flushes.
	Interruptions metric.Int64Counter

	// ChannelErrors counts errors reported by the live channel.
	ChannelErrors metric.Int64Counter

	// --- Advisor ---

	// AdvisorRequests counts advisor API calls. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("status", ...)
	AdvisorRequests metric.Int64Counter

	// AdvisorDuration tracks advisor API call latency. Use with attribute:
	//   attribute.String("operation", ...)
	AdvisorDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and short API calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// generationBuckets covers long-running generation calls such as video.
var generationBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Voice session.
	if met.ActiveSessions, err = m.Int64UpDownCounter("advisorlive.voice.sessions.active",
		metric.WithDescription("Number of open voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("advisorlive.voice.session.starts",
		metric.WithDescription("Voice session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("advisorlive.voice.connect.duration",
		metric.WithDescription("Time from start until the live channel is open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("advisorlive.voice.frames.sent",
		metric.WithDescription("Microphone windows sent to the live model."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("advisorlive.voice.chunks.scheduled",
		metric.WithDescription("Response audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("advisorlive.voice.chunks.dropped",
		metric.WithDescription("Response audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("advisorlive.voice.interruptions",
		metric.WithDescription("Playback flushes caused by user barge-in."),
	); err != nil {
		return nil, err
	}
	if met.ChannelErrors, err = m.Int64Counter("advisorlive.voice.channel.errors",
		metric.WithDescription("Errors reported by the live channel."),
	); err != nil {
		return nil, err
	}

	// Advisor.
	if met.AdvisorRequests, err = m.Int64Counter("advisorlive.advisor.requests",
		metric.WithDescription("Advisor API requests by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.AdvisorDuration, err = m.Float64Histogram("advisorlive.advisor.duration",
		metric.WithDescription("Advisor API latency by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generationBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("advisorlive.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStart records one Start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordChunkDropped records one dropped response chunk.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAdvisorRequest records an advisor call counter increment and its
// latency with the standard attribute set.
func (m *Metrics) RecordAdvisorRequest(ctx context.Context, operation, status string, d time.Duration) {
	m.AdvisorRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
	m.AdvisorDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}
