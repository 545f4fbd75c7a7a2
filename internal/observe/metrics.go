// Package observe provides the runtime's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge, and a bus tap
// service that turns event traffic into instrument updates.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/rexworks/cantina"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Event traffic ---

	// EventsTotal counts bus events. Use with attributes:
	//   attribute.String("topic", ...), attribute.String("source", ...)
	EventsTotal metric.Int64Counter

	// DispatchDuration tracks the delay between an event being stamped and
	// the tap observing it, per topic.
	DispatchDuration metric.Float64Histogram

	// --- Pipeline ---

	// DialogTurns counts final transcripts, i.e. dialog turns started.
	DialogTurns metric.Int64Counter

	// SynthesisDuration tracks text-to-speech synthesis latency from the
	// started event to the ended event.
	SynthesisDuration metric.Float64Histogram

	// PlanSteps counts timeline step outcomes. Use with attribute:
	//   attribute.String("status", "executed"|"failed"|"cancelled")
	PlanSteps metric.Int64Counter

	// MusicPlays counts playback starts by track provider.
	MusicPlays metric.Int64Counter

	// --- Errors ---

	// ServiceErrors counts classified service errors. Use with attributes:
	//   attribute.String("service", ...), attribute.String("kind", ...)
	ServiceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCaptures tracks open voice capture sessions.
	ActiveCaptures metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EventsTotal, err = m.Int64Counter("cantina.bus.events",
		metric.WithDescription("Total bus events by topic and source."),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("cantina.bus.dispatch.duration",
		metric.WithDescription("Delay between event emission and observation, by topic."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialogTurns, err = m.Int64Counter("cantina.dialog.turns",
		metric.WithDescription("Total dialog turns (final transcripts)."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("cantina.speech.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlanSteps, err = m.Int64Counter("cantina.plan.steps",
		metric.WithDescription("Total timeline step outcomes by status."),
	); err != nil {
		return nil, err
	}
	if met.MusicPlays, err = m.Int64Counter("cantina.music.plays",
		metric.WithDescription("Total playback starts by track provider."),
	); err != nil {
		return nil, err
	}
	if met.ServiceErrors, err = m.Int64Counter("cantina.service.errors",
		metric.WithDescription("Total classified service errors by service and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("cantina.voice.active_captures",
		metric.WithDescription("Number of open voice capture sessions."),
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

// RecordServiceError records a classified service error.
func (m *Metrics) RecordServiceError(ctx context.Context, service, kind string) {
	m.ServiceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("kind", kind),
		),
	)
}

// RecordPlanStep records one timeline step outcome.
func (m *Metrics) RecordPlanStep(ctx context.Context, status string) {
	m.PlanSteps.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordMusicPlay records one playback start.
func (m *Metrics) RecordMusicPlay(ctx context.Context, provider string) {
	m.MusicPlays.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
