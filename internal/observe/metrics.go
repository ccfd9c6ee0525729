// Package observe provides application-wide observability primitives for the
// conversation loop: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Init]; [Telemetry.Handler] serves it on
// the /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all realtime metrics.
const meterName = "github.com/datasciritwik/realtime"

// Session outcomes recorded on [Metrics.VADSessions].
const (
	SessionAccepted = "accepted"
	SessionTooShort = "too_short"
)

// Queue names recorded on [Metrics.QueueDropped].
const (
	QueueSession  = "session"
	QueuePlayback = "playback"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks transcription latency per voice session.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks the time from request to the end of the token stream.
	LLMDuration metric.Float64Histogram

	// LLMFirstToken tracks the time from request to the first non-empty token.
	LLMFirstToken metric.Float64Histogram

	// TTSDuration tracks synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a whole turn, from voice end to audio complete.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// VADSessions counts completed voice sessions by outcome
	// ([SessionAccepted] or [SessionTooShort]).
	VADSessions metric.Int64Counter

	// VADRejectedFrames counts frames rejected for having the wrong size.
	VADRejectedFrames metric.Int64Counter

	// QueueDropped counts buffers dropped by a full queue ([QueueSession] or
	// [QueuePlayback]).
	QueueDropped metric.Int64Counter

	// --- Gauges ---

	// PlaybackActive is 1 while the speaker is playing and 0 otherwise.
	PlaybackActive metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
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
		{&met.STTDuration, "realtime.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "realtime.llm.duration", "Latency of a complete LLM token stream."},
		{&met.LLMFirstToken, "realtime.llm.first_token", "Latency until the first LLM token."},
		{&met.TTSDuration, "realtime.tts.duration", "Latency of text-to-speech synthesis per sentence."},
		{&met.TurnDuration, "realtime.turn.duration", "Duration of a conversation turn from voice end to audio complete."},
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
		{&met.ProviderRequests, "realtime.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "realtime.provider.errors", "Total provider errors by provider and kind."},
		{&met.VADSessions, "realtime.vad.sessions", "Completed voice sessions by outcome."},
		{&met.VADRejectedFrames, "realtime.vad.rejected_frames", "Capture frames rejected for having the wrong size."},
		{&met.QueueDropped, "realtime.queue.dropped", "Buffers dropped because a queue was full."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.PlaybackActive, err = m.Int64UpDownCounter("realtime.playback.active",
		metric.WithDescription("1 while the speaker is playing audio."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("realtime.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordVADSession records a finished voice session with the given outcome.
func (m *Metrics) RecordVADSession(ctx context.Context, outcome string) {
	m.VADSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordQueueDrop records a buffer dropped by the named queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.QueueDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordPlayback mirrors a playback state transition into the
// [Metrics.PlaybackActive] gauge.
func (m *Metrics) RecordPlayback(ctx context.Context, active bool) {
	if active {
		m.PlaybackActive.Add(ctx, 1)
		return
	}
	m.PlaybackActive.Add(ctx, -1)
}
