// Package observe provides observability primitives shared by the gateway
// and the persona workers: OpenTelemetry metrics with a Prometheus scrape
// bridge, tracing helpers, and HTTP middleware tying them together.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) exists for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all Chatter metrics.
const meterName = "github.com/itsDarianNgo/Chatter"

// Metrics holds the OTel instruments for the whole pipeline. All fields are
// safe for concurrent use.
type Metrics struct {
	// GenerationDuration tracks persona line generation latency. Attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	GenerationDuration metric.Float64Histogram

	// MemoryCallDuration tracks memory backend call latency. Attribute:
	//   attribute.String("op", ...)
	MemoryCallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// MessagesPublished counts chat messages published to the firehose.
	// Attributes: room_id, producer.
	MessagesPublished metric.Int64Counter

	// Decisions counts persona posting decisions. Attributes: room_id, reason.
	Decisions metric.Int64Counter

	// ObservationsReceived counts stream observations consumed. Attribute: kind.
	ObservationsReceived metric.Int64Counter

	// FramesDropped counts frames dropped from slow client queues.
	FramesDropped metric.Int64Counter

	// GenerationErrors counts failed generation attempts. Attribute: mode.
	GenerationErrors metric.Int64Counter

	// ActiveClients tracks connected WebSocket clients.
	ActiveClients metric.Int64UpDownCounter

	// ActivePersonas tracks enrolled persona workers.
	ActivePersonas metric.Int64UpDownCounter
}

// latencyBuckets are histogram bounds in seconds, sized for sub-second chat
// pipeline stages with a tail for slow LLM calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.GenerationDuration, err = m.Float64Histogram("chatter.generation.duration",
		metric.WithDescription("Latency of persona line generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemoryCallDuration, err = m.Float64Histogram("chatter.memory.call.duration",
		metric.WithDescription("Latency of memory backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("chatter.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.MessagesPublished, err = m.Int64Counter("chatter.messages.published",
		metric.WithDescription("Chat messages published to the firehose by room and producer."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("chatter.persona.decisions",
		metric.WithDescription("Persona posting decisions by room and reason."),
	); err != nil {
		return nil, err
	}
	if met.ObservationsReceived, err = m.Int64Counter("chatter.observations.received",
		metric.WithDescription("Stream observations consumed by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("chatter.frames.dropped",
		metric.WithDescription("Frames dropped from slow WebSocket client queues."),
	); err != nil {
		return nil, err
	}
	if met.GenerationErrors, err = m.Int64Counter("chatter.generation.errors",
		metric.WithDescription("Failed generation attempts by mode."),
	); err != nil {
		return nil, err
	}

	if met.ActiveClients, err = m.Int64UpDownCounter("chatter.active_clients",
		metric.WithDescription("Connected WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.ActivePersonas, err = m.Int64UpDownCounter("chatter.active_personas",
		metric.WithDescription("Enrolled persona workers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which cannot happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDecision increments the decision counter for (room, reason).
func (m *Metrics) RecordDecision(ctx context.Context, roomID, reason string) {
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("room_id", roomID),
		attribute.String("reason", reason),
	))
}

// RecordPublish increments the published message counter.
func (m *Metrics) RecordPublish(ctx context.Context, roomID, producer string) {
	m.MessagesPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("room_id", roomID),
		attribute.String("producer", producer),
	))
}

// RecordObservation increments the observation counter for kind.
func (m *Metrics) RecordObservation(ctx context.Context, kind string) {
	m.ObservationsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordGeneration records one generation attempt with its latency.
func (m *Metrics) RecordGeneration(ctx context.Context, mode, status string, seconds float64) {
	m.GenerationDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
	if status != "ok" {
		m.GenerationErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
		))
	}
}
