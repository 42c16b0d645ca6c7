// Package observe provides observability primitives for the gateway:
// OpenTelemetry metrics with a Prometheus exporter bridge, tracing helpers,
// and process-level gauges read from procfs.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all gateway metrics.
const meterName = "github.com/voxhall/voxhall"

// Metrics holds all OpenTelemetry metric instruments for the gateway. All
// fields are safe for concurrent use.
type Metrics struct {
	// MessagesTotal counts processed client messages. Use with attribute
	// "protocol" ("json" or "binary").
	MessagesTotal metric.Int64Counter

	// ErrorsTotal counts errors sent to clients by error type.
	ErrorsTotal metric.Int64Counter

	// CacheHits and CacheMisses count synthesis cache lookups.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// ChunksEmitted counts staged synthesis chunks by engine.
	ChunksEmitted metric.Int64Counter

	// SequenceTimeouts counts synthesis stage timeouts by engine.
	SequenceTimeouts metric.Int64Counter

	// EngineUnavailable counts synth requests refused because the engine
	// was not ready, by engine.
	EngineUnavailable metric.Int64Counter

	// AudioBytesIn and AudioBytesOut count PCM payload bytes crossing the
	// socket in each direction.
	AudioBytesIn  metric.Int64Counter
	AudioBytesOut metric.Int64Counter

	// ActiveConnections tracks currently open WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// STTLatency and TTSLatency track transcription and synthesis latency.
	STTLatency metric.Float64Histogram
	TTSLatency metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds.
var latencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MessagesTotal, err = m.Int64Counter("voxhall.messages.total",
		metric.WithDescription("Processed client messages by protocol."),
	); err != nil {
		return nil, err
	}
	if met.ErrorsTotal, err = m.Int64Counter("voxhall.errors.total",
		metric.WithDescription("Errors sent to clients by type."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("voxhall.tts.cache.hits",
		metric.WithDescription("Synthesis cache hits."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("voxhall.tts.cache.misses",
		metric.WithDescription("Synthesis cache misses."),
	); err != nil {
		return nil, err
	}
	if met.ChunksEmitted, err = m.Int64Counter("voxhall.tts.chunks.emitted",
		metric.WithDescription("Staged synthesis chunks emitted by engine."),
	); err != nil {
		return nil, err
	}
	if met.SequenceTimeouts, err = m.Int64Counter("voxhall.tts.sequence.timeouts",
		metric.WithDescription("Synthesis stage timeouts by engine."),
	); err != nil {
		return nil, err
	}
	if met.EngineUnavailable, err = m.Int64Counter("voxhall.tts.engine.unavailable",
		metric.WithDescription("Requests refused because the engine was not ready."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesIn, err = m.Int64Counter("voxhall.audio.bytes.in",
		metric.WithDescription("PCM bytes received from clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesOut, err = m.Int64Counter("voxhall.audio.bytes.out",
		metric.WithDescription("PCM bytes sent to clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxhall.active_connections",
		metric.WithDescription("Currently open WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.STTLatency, err = m.Float64Histogram("voxhall.stt.latency",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSLatency, err = m.Float64Histogram("voxhall.tts.latency",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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
// first call from the global meter provider.
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

// RecordMessage increments the message counter for one protocol.
func (m *Metrics) RecordMessage(ctx context.Context, protocol string) {
	m.MessagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// RecordError increments the error counter for one error type.
func (m *Metrics) RecordError(ctx context.Context, errType string) {
	m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errType)))
}

// RecordChunk increments the emitted-chunk counter for one engine.
func (m *Metrics) RecordChunk(ctx context.Context, engine string) {
	m.ChunksEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordSequenceTimeout increments the stage-timeout counter for one engine.
func (m *Metrics) RecordSequenceTimeout(ctx context.Context, engine string) {
	m.SequenceTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordEngineUnavailable increments the unavailable counter for one engine.
func (m *Metrics) RecordEngineUnavailable(ctx context.Context, engine string) {
	m.EngineUnavailable.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordTTSLatency records one synthesis duration labeled by engine.
func (m *Metrics) RecordTTSLatency(ctx context.Context, engine string, seconds float64) {
	m.TTSLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordSTTLatency records one transcription duration.
func (m *Metrics) RecordSTTLatency(ctx context.Context, seconds float64) {
	m.STTLatency.Record(ctx, seconds)
}

// ConnectionOpened increments the active-connection gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

// ConnectionClosed decrements the active-connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// RecordAudioIn counts ingested PCM payload bytes.
func (m *Metrics) RecordAudioIn(ctx context.Context, n int) {
	m.AudioBytesIn.Add(ctx, int64(n))
}

// RecordAudioOut counts emitted PCM payload bytes.
func (m *Metrics) RecordAudioOut(ctx context.Context, n int) {
	m.AudioBytesOut.Add(ctx, int64(n))
}
