package core

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+" "+msg)
	_ = args
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }

func (l *recordingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(5 * time.Millisecond)
	return c.now
}

func TestServiceObservation(t *testing.T) {
	logger := &recordingLogger{}
	metrics := NewExpvarMetricsRecorder("test_service_observation")
	tracer := NewJSONTracer(nil)
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	svc := newTestService(t,
		WithLogger(logger),
		WithMetrics(metrics),
		WithTracer(tracer),
		WithClock(clock),
	)
	ctx := context.Background()

	mustCreatePatient(t, svc, "MRN-OBS")
	if _, _, err := svc.CreatePlan(ctx, Plan{PatientID: "missing"}); err == nil {
		t.Fatalf("expected blocked plan")
	}

	snap := metrics.Snapshot()
	if snap.Results["create_patient"]["success"] != 1 {
		t.Fatalf("expected create_patient success, got %+v", snap.Results)
	}
	if snap.Results["create_plan"]["error"] != 1 {
		t.Fatalf("expected create_plan error, got %+v", snap.Results)
	}
	if snap.DurationsMS["create_patient"] <= 0 {
		t.Fatalf("expected positive duration, got %v", snap.DurationsMS["create_patient"])
	}

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(entries))
	}
	if entries[0].Operation != "create_patient" || entries[0].Status != "success" {
		t.Fatalf("unexpected first span %+v", entries[0])
	}
	if entries[1].Operation != "create_plan" || entries[1].Status != "error" || entries[1].Error == "" {
		t.Fatalf("unexpected second span %+v", entries[1])
	}

	var sawDebug, sawError bool
	for _, entry := range logger.snapshot() {
		if strings.HasPrefix(entry, "debug operation completed") {
			sawDebug = true
		}
		if strings.HasPrefix(entry, "error operation failed") {
			sawError = true
		}
	}
	if !sawDebug || !sawError {
		t.Fatalf("expected debug and error log entries, got %v", logger.snapshot())
	}
}

func TestJSONTracerEncodesSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)

	_, span := tracer.Start(context.Background(), "encode_check")
	span.End(nil)

	if !strings.Contains(buf.String(), `"operation":"encode_check"`) {
		t.Fatalf("expected encoded span, got %q", buf.String())
	}
}

func TestExpvarRecorderIgnoresEmptyOperation(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if rec.Name() == "" {
		t.Fatalf("expected generated name")
	}
	rec.Observe(context.Background(), "", true, time.Millisecond)
	if len(rec.Snapshot().Results) != 0 {
		t.Fatalf("empty operation must not be recorded")
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	ctx := context.Background()
	rec.Observe(ctx, "plan_dose_at_volume", true, 3*time.Millisecond)
	rec.Observe(ctx, "plan_dose_at_volume", true, 7*time.Millisecond)
	rec.Observe(ctx, "plan_dose_at_volume", false, time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond)

	success := testutil.ToFloat64(rec.operations.WithLabelValues("plan_dose_at_volume", "success"))
	if success != 2 {
		t.Fatalf("expected 2 successes, got %v", success)
	}
	failure := testutil.ToFloat64(rec.operations.WithLabelValues("plan_dose_at_volume", "error"))
	if failure != 1 {
		t.Fatalf("expected 1 error, got %v", failure)
	}
	if count := testutil.CollectAndCount(rec.durations); count != 1 {
		t.Fatalf("expected a single latency series, got %d", count)
	}

	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
