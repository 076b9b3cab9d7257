package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

// sumValue returns the value of the data point of an int64 sum whose
// attribute key equals value, or -1 when missing.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"advisorlive.voice.connect.duration", m.ConnectDuration},
		{"advisorlive.advisor.duration", m.AdvisorDuration},
		{"advisorlive.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
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

func TestVoiceCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesSent.Add(ctx, 3)
	m.ChunksScheduled.Add(ctx, 2)
	m.Interruptions.Add(ctx, 1)
	m.ChannelErrors.Add(ctx, 4)

	rm := collect(t, reader)
	counters := []struct {
		name string
		want int64
	}{
		{"advisorlive.voice.frames.sent", 3},
		{"advisorlive.voice.chunks.scheduled", 2},
		{"advisorlive.voice.interruptions", 1},
		{"advisorlive.voice.channel.errors", 4},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumValue(t, rm, tc.name, "", ""); got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRecordSessionStart(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, "ok")
	m.RecordSessionStart(ctx, "ok")
	m.RecordSessionStart(ctx, "permission_denied")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "advisorlive.voice.session.starts", "status", "ok"); got != 2 {
		t.Errorf("status=ok value = %d, want 2", got)
	}
	if got := sumValue(t, rm, "advisorlive.voice.session.starts", "status", "permission_denied"); got != 1 {
		t.Errorf("status=permission_denied value = %d, want 1", got)
	}
}

func TestRecordChunkDropped(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunkDropped(ctx, DropDecode)
	m.RecordChunkDropped(ctx, DropBackpressure)
	m.RecordChunkDropped(ctx, DropBackpressure)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "advisorlive.voice.chunks.dropped", "reason", DropBackpressure); got != 2 {
		t.Errorf("reason=backpressure value = %d, want 2", got)
	}
	if got := sumValue(t, rm, "advisorlive.voice.chunks.dropped", "reason", DropSchedule); got != -1 {
		t.Errorf("reason=schedule value = %d, want no data point", got)
	}
}

func TestRecordAdvisorRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAdvisorRequest(ctx, "chat", "ok", 250*time.Millisecond)
	m.RecordAdvisorRequest(ctx, "chat", "error", time.Second)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "advisorlive.advisor.requests", "status", "error"); got != 1 {
		t.Errorf("status=error value = %d, want 1", got)
	}
	met := findMetric(rm, "advisorlive.advisor.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("duration data = %+v, want one data point", met.Data)
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumValue(t, rm, "advisorlive.voice.sessions.active", "", ""); got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
