// Package observe provides application-wide observability primitives for
// Murmux: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all Murmux metrics.
const meterName = "github.com/murmux/murmux"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks transcription latency per turn.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks generation latency per turn, from request start to
	// stream end.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency per sentence-sized synthesis
	// call; a turn records one sample per spoken sentence.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end latency of completed turns, from segment
	// submission to the full reply enqueued. Cancelled and failed turns are
	// not recorded; their duration reflects the interruption, not the
	// pipeline.
	TurnDuration metric.Float64Histogram

	// FirstAudio tracks the latency-to-first-audio: segment submission to the
	// first playback chunk enqueued. This is the number users feel.
	FirstAudio metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turn attempts. Use with attribute:
	//   attribute.String("outcome", "completed|cancelled|failed|empty")
	Turns metric.Int64Counter

	// BargeIns counts user interruptions of in-flight turns.
	BargeIns metric.Int64Counter

	// Segments counts finalized speech segments handed to the turn pipeline.
	Segments metric.Int64Counter

	// PipelineErrors counts turn-aborting failures. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("kind", ...)
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("murmux.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("murmux.llm.duration",
		metric.WithDescription("Latency of response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("murmux.tts.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("murmux.turn.duration",
		metric.WithDescription("End-to-end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudio, err = m.Float64Histogram("murmux.turn.first_audio",
		metric.WithDescription("Time from segment submission to first audio chunk enqueued."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("murmux.turns",
		metric.WithDescription("Total turn attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("murmux.barge_ins",
		metric.WithDescription("Total user interruptions of in-flight turns."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("murmux.segments",
		metric.WithDescription("Total finalized speech segments."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("murmux.pipeline.errors",
		metric.WithDescription("Total turn-aborting failures by stage and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("murmux.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmux.http.request.duration",
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

// RecordTurn records a turn attempt with its outcome: "completed",
// "cancelled", "failed", or "empty".
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordBargeIn records one user interruption of an in-flight turn.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordPipelineError records a turn-aborting failure with the stage it
// occurred in and the error kind.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage, kind string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegment records one finalized speech segment handed to the turn
// pipeline.
func (m *Metrics) RecordSegment(ctx context.Context) {
	m.Segments.Add(ctx, 1)
}

// SessionStarted increments the live-session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the live-session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}
