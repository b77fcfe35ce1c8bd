// Package observe provides application-wide observability primitives for the
// chatbot service: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/sadam-codes/chatbot-builder"

// Speech unit outcomes recorded by [Metrics.RecordSpeechUnit].
const (
	UnitSynthesized = "synthesized"
	UnitDropped     = "dropped"
	UnitSkipped     = "skipped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per provider stage ---

	// LLMDuration tracks completion latency (time to the full answer).
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-unit speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// STTDuration tracks voice-query transcription latency.
	STTDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by kind.
	ProviderErrors metric.Int64Counter

	// TurnsPersisted counts history turns written, by route.
	TurnsPersisted metric.Int64Counter

	// SpeechUnits counts units by outcome (synthesized, dropped, skipped).
	SpeechUnits metric.Int64Counter

	// LLMTokens counts tokens reported by completion backends, by type
	// (prompt, completion).
	LLMTokens metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks in-flight streamed queries.
	ActiveStreams metric.Int64UpDownCounter

	// ActiveVoiceSessions tracks connected voice-session WebSockets.
	ActiveVoiceSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Model
// completions run far longer than synthesis calls, hence the long tail.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("chatbot.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("chatbot.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per unit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("chatbot.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("chatbot.provider.requests",
		metric.WithDescription("Total provider API requests by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("chatbot.provider.errors",
		metric.WithDescription("Total provider errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.TurnsPersisted, err = m.Int64Counter("chatbot.turns.persisted",
		metric.WithDescription("Total conversation turns written to history."),
	); err != nil {
		return nil, err
	}
	if met.SpeechUnits, err = m.Int64Counter("chatbot.speech.units",
		metric.WithDescription("Speech units by outcome."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("chatbot.llm.tokens",
		metric.WithDescription("Tokens reported by completion backends."),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("chatbot.active_streams",
		metric.WithDescription("Number of in-flight streamed queries."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceSessions, err = m.Int64UpDownCounter("chatbot.active_voice_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chatbot.http.request.duration",
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
// fails, which does not happen with the global provider.
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

// RecordProviderCall records one provider call of the given kind ("llm",
// "tts", "stt"): the latency histogram for that kind, the request counter
// and, when err is non-nil, the error counter.
func (m *Metrics) RecordProviderCall(ctx context.Context, kind string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)

	var h metric.Float64Histogram
	switch kind {
	case "llm":
		h = m.LLMDuration
	case "tts":
		h = m.TTSDuration
	case "stt":
		h = m.STTDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordTurnPersisted counts a history write for route ("query", "stream",
// "voice", "public").
func (m *Metrics) RecordTurnPersisted(ctx context.Context, route string) {
	m.TurnsPersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// RecordSpeechUnit counts one unit with the given outcome.
func (m *Metrics) RecordSpeechUnit(ctx context.Context, status string) {
	m.SpeechUnits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTokens adds backend-reported token counts. Backends that report
// nothing pass zeros, which are not recorded.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokens.Add(ctx, int64(prompt), metric.WithAttributes(attribute.String("type", "prompt")))
	}
	if completion > 0 {
		m.LLMTokens.Add(ctx, int64(completion), metric.WithAttributes(attribute.String("type", "completion")))
	}
}
