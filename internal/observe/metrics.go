// Package observe provides application-wide observability for Voxhall:
// OpenTelemetry metrics, tracing, and HTTP middleware tying them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// via the Prometheus bridge set up by [InitProvider], so operators scrape
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxhall metrics.
const meterName = "github.com/voxhall/voxhall"

// Metrics holds all OpenTelemetry instruments for the call runtime. The
// underlying OTel types handle their own synchronisation, so a single
// instance is shared by every live call.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRLatency tracks time from utterance end to the final transcript.
	ASRLatency metric.Float64Histogram

	// LLMFirstToken tracks time from turn submission to the first streamed
	// token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstFrame tracks time from first text fragment to the first audio
	// frame out of the synthesizer.
	TTSFirstFrame metric.Float64Histogram

	// BargeInCutover tracks time from caller speech onset during playback to
	// outbound audio stopping. The call loop budgets 100 ms for this.
	BargeInCutover metric.Float64Histogram

	// ToolDuration tracks tool handler execution latency.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// DroppedFrames counts audio frames discarded under backpressure. Use
	// with attribute.String("direction", "inbound"|"outbound").
	DroppedFrames metric.Int64Counter

	// VoiceFallbacks counts syntheses served by a non-primary TTS provider.
	// Use with attribute.String("from", ...), attribute.String("to", ...).
	VoiceFallbacks metric.Int64Counter

	// ToolCalls counts tool invocations. Use with
	// attribute.String("tool", ...), attribute.String("status", ...).
	ToolCalls metric.Int64Counter

	// ArtifactsEmitted counts post-call artifacts by delivery status.
	ArtifactsEmitted metric.Int64Counter

	// ProviderErrors counts provider failures by provider and kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// voice pipeline. The sub-100 ms buckets exist for the barge-in cutover.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRLatency, err = m.Float64Histogram("voxhall.asr.latency",
		metric.WithDescription("Time from utterance end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("voxhall.llm.first_token",
		metric.WithDescription("Time from turn submission to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstFrame, err = m.Float64Histogram("voxhall.tts.first_frame",
		metric.WithDescription("Time from first text fragment to first synthesized frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInCutover, err = m.Float64Histogram("voxhall.bargein.cutover",
		metric.WithDescription("Time from caller speech onset to outbound audio stopping."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("voxhall.tool.duration",
		metric.WithDescription("Tool handler execution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DroppedFrames, err = m.Int64Counter("voxhall.frames.dropped",
		metric.WithDescription("Audio frames discarded under backpressure, by direction."),
	); err != nil {
		return nil, err
	}
	if met.VoiceFallbacks, err = m.Int64Counter("voxhall.voice.fallbacks",
		metric.WithDescription("Syntheses served by a non-primary TTS provider."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxhall.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ArtifactsEmitted, err = m.Int64Counter("voxhall.artifacts.emitted",
		metric.WithDescription("Post-call artifacts by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxhall.provider.errors",
		metric.WithDescription("Provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxhall.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxhall.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from [otel.GetMeterProvider]. Panics if instrument creation
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

// RecordVoiceFallback increments the fallback counter for a synthesis served
// by a non-primary provider.
func (m *Metrics) RecordVoiceFallback(ctx context.Context, from, to string) {
	m.VoiceFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordToolCall increments the tool call counter.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordArtifact increments the artifact counter with a delivery status of
// "delivered", "retried", or "failed".
func (m *Metrics) RecordArtifact(ctx context.Context, status string) {
	m.ArtifactsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// AddDroppedFrames adds n to the dropped-frame counter for a direction.
func (m *Metrics) AddDroppedFrames(ctx context.Context, n int64, direction string) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, n, metric.WithAttributes(
		attribute.String("direction", direction),
	))
}

// CallStarted increments the active-call gauge.
func (m *Metrics) CallStarted(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded decrements the active-call gauge.
func (m *Metrics) CallEnded(ctx context.Context) {
	m.ActiveCalls.Add(ctx, -1)
}
