// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func flush(t *testing.T, m *Metrics) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestNewMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	metrics.Close()
}

func TestNewMetricsWithConfig(t *testing.T) {
	config := DefaultMetricsConfig()
	config.BufferSize = 5000
	config.LatencyBuffers["allocate"] = 500

	metrics := NewMetricsWithConfig(config)
	defer metrics.Close()

	if got := metrics.GetStats().Configuration.BufferSize; got != 5000 {
		t.Errorf("Expected buffer size 5000, got %d", got)
	}
}

func TestRecordAllocate(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	duration := 100 * time.Microsecond
	metrics.RecordAllocate(duration, 64)
	flush(t, metrics)

	stats := metrics.GetStats()
	if stats.Operations.Allocate != 1 {
		t.Errorf("Expected 1 allocate, got %d", stats.Operations.Allocate)
	}
	if stats.Memory.BytesAllocated != 64 {
		t.Errorf("Expected 64 bytes allocated, got %d", stats.Memory.BytesAllocated)
	}
	if stats.Latency.Allocate.Mean != duration {
		t.Errorf("Expected mean latency %v, got %v", duration, stats.Latency.Allocate.Mean)
	}
}

func TestRecordConstruct(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordConstruct(200*time.Microsecond, 128)
	flush(t, metrics)

	stats := metrics.GetStats()
	if stats.Operations.Construct != 1 {
		t.Errorf("Expected 1 construct, got %d", stats.Operations.Construct)
	}
	if stats.Memory.LiveBytes != 128 {
		t.Errorf("Expected 128 live bytes, got %d", stats.Memory.LiveBytes)
	}
}

func TestRecordFreeAndMiss(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordAllocate(time.Microsecond, 100)
	metrics.RecordFree(time.Microsecond, 100)
	metrics.RecordFreeMiss(time.Microsecond)
	flush(t, metrics)

	stats := metrics.GetStats()
	if stats.Operations.Free != 1 || stats.Operations.FreeMiss != 1 {
		t.Errorf("Expected 1 free and 1 miss, got %d and %d", stats.Operations.Free, stats.Operations.FreeMiss)
	}
	if stats.Memory.LiveBytes != 0 {
		t.Errorf("Expected 0 live bytes, got %d", stats.Memory.LiveBytes)
	}
	if stats.Memory.HighWater != 100 {
		t.Errorf("Expected high water 100, got %d", stats.Memory.HighWater)
	}
	if stats.Latency.Free.Count != 2 {
		t.Errorf("Expected 2 free latency samples, got %d", stats.Latency.Free.Count)
	}
}

func TestRecordWipe(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordAllocate(time.Microsecond, 300)
	metrics.RecordWipe(time.Microsecond, 3, 240)
	flush(t, metrics)

	stats := metrics.GetStats()
	if stats.Operations.Wipe != 1 {
		t.Errorf("Expected 1 wipe, got %d", stats.Operations.Wipe)
	}
	if stats.Operations.WipedRecords != 3 {
		t.Errorf("Expected 3 wiped records, got %d", stats.Operations.WipedRecords)
	}
	if stats.Memory.LiveBytes != 60 {
		t.Errorf("Expected 60 live bytes, got %d", stats.Memory.LiveBytes)
	}
}

func TestRecordError(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordError("peak")
	metrics.RecordError("peak")
	metrics.RecordError("storage")
	metrics.RecordError("closed")
	metrics.RecordError("unknown")
	flush(t, metrics)

	stats := metrics.GetStats()
	if stats.Errors.PeakLimit != 2 {
		t.Errorf("Expected 2 peak errors, got %d", stats.Errors.PeakLimit)
	}
	if stats.Errors.Storage != 1 {
		t.Errorf("Expected 1 storage error, got %d", stats.Errors.Storage)
	}
	if stats.Errors.Closed != 1 {
		t.Errorf("Expected 1 closed error, got %d", stats.Errors.Closed)
	}
	if stats.Errors.Other != 1 {
		t.Errorf("Expected 1 other error, got %d", stats.Errors.Other)
	}
}

func TestManagerGauge(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.ManagerOpened()
	metrics.ManagerOpened()
	metrics.ManagerClosed()
	metrics.ManagerClosed()
	metrics.ManagerClosed()

	if got := metrics.GetStats().Memory.ActiveManagers; got != 0 {
		t.Errorf("Expected 0 active managers, got %d", got)
	}
}

// TestConcurrentAccess verifies that all operation counters account for
// concurrent updates without dropping events.
func TestConcurrentAccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()
	defer metrics.Close()

	var wg sync.WaitGroup
	numGoroutines := 10
	operationsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operationsPerGoroutine; j++ {
				metrics.RecordAllocate(time.Microsecond, 8)
				metrics.RecordFree(time.Microsecond, 8)
			}
		}()
	}

	wg.Wait()
	flush(t, metrics)

	expectedCount := uint64(numGoroutines * operationsPerGoroutine)
	stats := metrics.GetStats()
	if stats.Operations.Allocate != expectedCount || stats.Operations.Free != expectedCount {
		t.Fatalf("expected %d operations, got allocate=%d free=%d",
			expectedCount, stats.Operations.Allocate, stats.Operations.Free)
	}
	if stats.Memory.LiveBytes != 0 {
		t.Errorf("Expected 0 live bytes, got %d", stats.Memory.LiveBytes)
	}
}

func TestFlushAfterClose(t *testing.T) {
	metrics := NewMetrics()
	metrics.Close()
	metrics.Close()

	if err := metrics.Flush(context.Background()); err == nil {
		t.Error("Expected Flush on a closed instance to fail")
	}
}

func TestRingBufferAverage(t *testing.T) {
	rb := NewDurationRingBuffer(5)

	rb.Push(100 * time.Microsecond)
	rb.Push(200 * time.Microsecond)
	rb.Push(300 * time.Microsecond)

	average := rb.GetAverage()
	expected := 200 * time.Microsecond // (100 + 200 + 300) / 3

	if average != expected {
		t.Errorf("Expected average to be %v, got %v", expected, average)
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewDurationRingBuffer(3)

	rb.Push(100 * time.Microsecond)
	rb.Push(200 * time.Microsecond)
	rb.Push(300 * time.Microsecond)
	rb.Push(400 * time.Microsecond) // overwrites the first value

	average := rb.GetAverage()
	expected := 300 * time.Microsecond // (200 + 300 + 400) / 3

	if average != expected {
		t.Errorf("Expected average to be %v, got %v", expected, average)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewDurationRingBuffer(0)

	if average := rb.GetAverage(); average != 0 {
		t.Errorf("Expected average to be 0 for empty buffer, got %v", average)
	}
	if stats := rb.GetStats(); stats.Count != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestRingBufferStats(t *testing.T) {
	rb := NewDurationRingBuffer(100)
	for i := 1; i <= 100; i++ {
		rb.Push(time.Duration(i) * time.Microsecond)
	}

	stats := rb.GetStats()
	if stats.Count != 100 {
		t.Errorf("Expected count 100, got %d", stats.Count)
	}
	if stats.Min != time.Microsecond || stats.Max != 100*time.Microsecond {
		t.Errorf("Unexpected min/max %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 50*time.Microsecond {
		t.Errorf("Expected P50 50µs, got %v", stats.P50)
	}
	if stats.P99 != 99*time.Microsecond {
		t.Errorf("Expected P99 99µs, got %v", stats.P99)
	}
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordAllocate(time.Microsecond, 10)
	flush(t, metrics)

	var decoded MetricsSnapshot
	if err := json.Unmarshal(metrics.ExportJSON(), &decoded); err != nil {
		t.Fatalf("Failed to decode JSON export: %v", err)
	}
	if decoded.Operations.Allocate != 1 {
		t.Errorf("Expected 1 allocate in JSON export, got %d", decoded.Operations.Allocate)
	}
}

func TestExportPrometheus(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordAllocate(time.Microsecond, 10)
	metrics.RecordError("peak")
	flush(t, metrics)

	out := metrics.ExportPrometheus()
	for _, want := range []string{
		`memmgr_operations_total{operation="allocate"} 1`,
		`memmgr_refusals_total{cause="peak"} 1`,
		"memmgr_live_bytes 10",
		"# TYPE memmgr_high_water_bytes gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Prometheus export missing %q", want)
		}
	}
}
