// Package observe provides application-wide observability primitives for
// the assistant: OpenTelemetry metrics, tracing, trace-aware structured
// logging and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [Telemetry.Handler] on /metrics. [DefaultMetrics] records on the global
// meter provider; tests use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/athina"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	STTDuration         metric.Float64Histogram
	TTSDuration         metric.Float64Histogram
	LLMDuration         metric.Float64Histogram
	InteractionDuration metric.Float64Histogram

	// WakeScoreDuration tracks one wake-word scorer call.
	WakeScoreDuration metric.Float64Histogram

	// --- Counters ---

	// WakeEvents counts accepted wake words. Attribute: word.
	WakeEvents metric.Int64Counter

	// FramesDropped counts capture frames evicted from the ingest queue.
	FramesDropped metric.Int64Counter

	// Interactions counts finished sessions. Attribute: outcome
	// (success, no_speech, empty_transcript, error).
	Interactions metric.Int64Counter

	// RouteDecisions counts routing decisions. Attribute: target (local, remote).
	RouteDecisions metric.Int64Counter

	// RouteFallbacks counts remote failures that fell back to local.
	// Attribute: kind (fault kind name).
	RouteFallbacks metric.Int64Counter

	// CacheLookups counts response cache lookups. Attribute: result (hit, miss).
	CacheLookups metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while an interaction session runs.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "athina.stt.duration", "Latency of speech-to-text transcription."},
		{&met.TTSDuration, "athina.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.LLMDuration, "athina.llm.duration", "Latency of remote LLM completions."},
		{&met.InteractionDuration, "athina.interaction.duration", "Wake-to-idle duration of an interaction session."},
		{&met.WakeScoreDuration, "athina.wake.score.duration", "Latency of one wake-word scorer call."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.WakeEvents, "athina.wake.events", "Accepted wake-word detections by word."},
		{&met.FramesDropped, "athina.audio.frames_dropped", "Capture frames evicted by ingest backpressure."},
		{&met.Interactions, "athina.interactions", "Finished interaction sessions by outcome."},
		{&met.RouteDecisions, "athina.route.decisions", "Routing decisions by target."},
		{&met.RouteFallbacks, "athina.route.fallbacks", "Remote failures answered locally, by error kind."},
		{&met.CacheLookups, "athina.route.cache.lookups", "Response cache lookups by result."},
		{&met.ProviderRequests, "athina.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "athina.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("athina.active_sessions",
		metric.WithDescription("Number of running interaction sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("athina.http.request.duration",
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind),
	))
}

// RecordWake records an accepted wake word.
func (m *Metrics) RecordWake(ctx context.Context, word string) {
	m.WakeEvents.Add(ctx, 1, metric.WithAttributes(Attr("word", word)))
}

// RecordInteraction records a finished session.
func (m *Metrics) RecordInteraction(ctx context.Context, outcome string, seconds float64) {
	m.Interactions.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	m.InteractionDuration.Record(ctx, seconds, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordRoute records a routing decision.
func (m *Metrics) RecordRoute(ctx context.Context, remote bool) {
	target := "local"
	if remote {
		target = "remote"
	}
	m.RouteDecisions.Add(ctx, 1, metric.WithAttributes(Attr("target", target)))
}

// RecordFallback records a remote failure answered locally.
func (m *Metrics) RecordFallback(ctx context.Context, kind string) {
	m.RouteFallbacks.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordCacheLookup records a response cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}
