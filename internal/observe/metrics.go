// Package observe provides application-wide observability primitives for
// carevox: OpenTelemetry metrics, tracing, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all carevox metrics.
const meterName = "github.com/carevox/carevox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTLatency tracks per-segment transcription latency.
	STTLatency metric.Float64Histogram

	// SummaryLatency tracks summarizer call latency.
	SummaryLatency metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts 30 ms frames produced by the audio converter.
	AudioFrames metric.Int64Counter

	// SegmentsRecognized counts recognized speech segments. Use with
	// attribute.String("pipeline", "stream"|"batch").
	SegmentsRecognized metric.Int64Counter

	// JobsFinalized counts jobs reaching a terminal or summary state. Use
	// with attribute.String("status", ...).
	JobsFinalized metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of live recognition sockets.
	ActiveStreams metric.Int64UpDownCounter

	// PendingSegments tracks segments dispatched to recognition workers and
	// not yet consumed.
	PendingSegments metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sttBuckets defines histogram bucket boundaries (in seconds) for per-segment
// recognition latency.
var sttBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// summaryBuckets covers summarizer calls, which run seconds to a minute.
var summaryBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTLatency, err = m.Float64Histogram("carevox.stt.latency",
		metric.WithDescription("Per-segment speech recognition latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sttBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryLatency, err = m.Float64Histogram("carevox.summary.latency",
		metric.WithDescription("Summarizer call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(summaryBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("carevox.audio.frames",
		metric.WithDescription("Total 30 ms frames produced by the audio converter."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsRecognized, err = m.Int64Counter("carevox.segments.recognized",
		metric.WithDescription("Total recognized speech segments by pipeline."),
	); err != nil {
		return nil, err
	}
	if met.JobsFinalized, err = m.Int64Counter("carevox.jobs.finalized",
		metric.WithDescription("Total finalized jobs by terminal status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("carevox.streams.active",
		metric.WithDescription("Number of live recognition sockets."),
	); err != nil {
		return nil, err
	}
	if met.PendingSegments, err = m.Int64UpDownCounter("carevox.pipeline.pending_segments",
		metric.WithDescription("Segments dispatched to recognition workers and not yet consumed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("carevox.http.request.duration",
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

// RecordSegment records one recognized segment and its latency for the given
// pipeline ("stream" or "batch").
func (m *Metrics) RecordSegment(ctx context.Context, pipeline string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("pipeline", pipeline))
	m.SegmentsRecognized.Add(ctx, 1, attrs)
	m.STTLatency.Record(ctx, seconds, attrs)
}

// RecordSummary records one summarizer call with its latency and outcome.
func (m *Metrics) RecordSummary(ctx context.Context, seconds float64, status string) {
	m.SummaryLatency.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordJobFinalized records a job reaching the given status at finalize.
func (m *Metrics) RecordJobFinalized(ctx context.Context, status string) {
	m.JobsFinalized.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
