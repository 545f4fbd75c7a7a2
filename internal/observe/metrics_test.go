package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the int64 sum data point matching the attribute, or -1.
func sumValue(met *metricdata.Metrics, key, value string) int64 {
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetricsCreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestEventCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	attrs := metric.WithAttributes(Attr("topic", "/music/command"), Attr("source", "cli"))
	m.EventsTotal.Add(ctx, 1, attrs)
	m.EventsTotal.Add(ctx, 1, attrs)
	m.EventsTotal.Add(ctx, 1, metric.WithAttributes(
		Attr("topic", "/music/command"), Attr("source", "web")))

	rm := collect(t, reader)
	met := findMetric(rm, "cantina.bus.events")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(met, "source", "cli"); got != 2 {
		t.Errorf("cli events = %d, want 2", got)
	}
	if got := sumValue(met, "source", "web"); got != 1 {
		t.Errorf("web events = %d, want 1", got)
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"cantina.bus.dispatch.duration", m.DispatchDuration},
		{"cantina.speech.synthesis.duration", m.SynthesisDuration},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.012)
		tc.h.Record(ctx, 0.450)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestServiceErrorCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordServiceError(ctx, "music", "validation")
	m.RecordServiceError(ctx, "music", "validation")
	m.RecordServiceError(ctx, "brain", "collaborator")

	rm := collect(t, reader)
	met := findMetric(rm, "cantina.service.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(met, "service", "music"); got != 2 {
		t.Errorf("music errors = %d, want 2", got)
	}
	if got := sumValue(met, "service", "brain"); got != 1 {
		t.Errorf("brain errors = %d, want 1", got)
	}
}

func TestPlanStepCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlanStep(ctx, "executed")
	m.RecordPlanStep(ctx, "executed")
	m.RecordPlanStep(ctx, "failed")

	rm := collect(t, reader)
	met := findMetric(rm, "cantina.plan.steps")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(met, "status", "executed"); got != 2 {
		t.Errorf("executed steps = %d, want 2", got)
	}
	if got := sumValue(met, "status", "failed"); got != 1 {
		t.Errorf("failed steps = %d, want 1", got)
	}
}

func TestActiveCapturesGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCaptures.Add(ctx, 1)
	m.ActiveCaptures.Add(ctx, 1)
	m.ActiveCaptures.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "cantina.voice.active_captures")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValue(met, "", ""); got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetricsReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
