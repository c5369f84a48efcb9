// Package observe holds the bridge's OpenTelemetry metrics and tracing,
// trace-aware slog helpers, and the HTTP middleware in front of every route.
//
// [InitProvider] installs a Prometheus exporter so the instruments are
// scraped from /metrics. Tests build their own [Metrics] with [NewMetrics]
// instead of sharing [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/phonebridge"

// Drop reasons recorded on [Metrics.FramesDropped].
const (
	DropDecode   = "decode"
	DropCodec    = "codec"
	DropOverflow = "queue_overflow"
	DropBridge   = "bridge"
)

// Metrics holds the bridge's instruments. Fields are safe for concurrent use.
type Metrics struct {
	// RecognitionDuration tracks the latency of one recognizer Accept call.
	RecognitionDuration metric.Float64Histogram

	// SynthesisDuration tracks reply synthesis latency, from text to frames.
	SynthesisDuration metric.Float64Histogram

	// FramesIn counts inbound media frames.
	FramesIn metric.Int64Counter

	// FramesOut counts outbound media frames written to the transport.
	FramesOut metric.Int64Counter

	// FramesDropped counts inbound frames that never reached a recognizer.
	// Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// RecognitionResults counts non-empty recognizer results. Use with
	// attribute:
	//   attribute.String("kind", "partial"|"final")
	RecognitionResults metric.Int64Counter

	// BridgeEvents counts realtime backend events. Use with attribute:
	//   attribute.String("event", ...)
	BridgeEvents metric.Int64Counter

	// VoiceLogDropped counts voice-log lines discarded because the sink
	// buffer was full or the sink failed.
	VoiceLogDropped metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ActiveCalls tracks the number of live media streams.
	ActiveCalls metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP handling time, or the call length for
	// upgraded media streams. Attributes: method, path, upgraded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. A 20ms media frame
// sits near the bottom, a slow synthesis near the top.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// instruments collects the first creation error so NewMetrics can build
// every instrument without checking after each one.
type instruments struct {
	m   metric.Meter
	err error
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.m.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

// NewMetrics creates every instrument on mp. Tests pass a provider backed by
// a manual reader.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		RecognitionDuration: b.latency("phonebridge.recognition.duration", "Latency of one recognizer accept call."),
		SynthesisDuration:   b.latency("phonebridge.synthesis.duration", "Latency of reply synthesis."),

		FramesIn:           b.counter("phonebridge.frames.inbound", "Total inbound media frames."),
		FramesOut:          b.counter("phonebridge.frames.outbound", "Total outbound media frames."),
		FramesDropped:      b.counter("phonebridge.frames.dropped", "Inbound frames dropped before recognition, by reason."),
		RecognitionResults: b.counter("phonebridge.recognition.results", "Recognizer results by kind."),
		BridgeEvents:       b.counter("phonebridge.bridge.events", "Realtime backend events by kind."),
		VoiceLogDropped:    b.counter("phonebridge.voicelog.dropped", "Voice-log lines discarded."),
		ProviderErrors:     b.counter("phonebridge.provider.errors", "Total provider errors by provider and kind."),
	}

	var err error
	met.ActiveCalls, err = b.m.Int64UpDownCounter("phonebridge.active_calls",
		metric.WithDescription("Number of live media streams."))
	b.err = errors.Join(b.err, err)

	// Stream upgrades are held for the whole call, so this histogram keeps
	// the SDK default boundaries rather than latencyBuckets.
	met.HTTPRequestDuration, err = b.m.Float64Histogram("phonebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	)
	b.err = errors.Join(b.err, err)

	if b.err != nil {
		return nil, b.err
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

// RecordDrop records one dropped inbound frame.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRecognition records one non-empty recognizer result.
func (m *Metrics) RecordRecognition(ctx context.Context, kind string) {
	m.RecognitionResults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBridgeEvent records one realtime backend event.
func (m *Metrics) RecordBridgeEvent(ctx context.Context, event string) {
	m.BridgeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
